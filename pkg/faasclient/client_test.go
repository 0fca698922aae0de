package faasclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

func TestNewRejectsEmptySchedulerList(t *testing.T) {
	_, err := New(kvs.NewFake(), transport.NewSocketCache(transport.DefaultDialer), nil)
	assert.Error(t, err)
}

func TestCreateFunctionRoundTrip(t *testing.T) {
	ep, err := transport.Listen[wire.Function]("func-create", config.BindHostPort(config.PortFuncCreate))
	require.NoError(t, err)
	defer ep.Close()

	go func() {
		ev := <-ep.Events
		assert.Equal(t, "double", ev.Msg.Name)
		ev.Reply(wire.GenericResponse{Success: true})
	}()

	store := kvs.NewFake()
	sock := transport.NewSocketCache(transport.DefaultDialer)
	c, err := New(store, sock, []string{"127.0.0.1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.CreateFunction(ctx, "double", []byte("body")))
}

func TestCreateFunctionPropagatesSchedulerError(t *testing.T) {
	ep, err := transport.Listen[wire.Function]("func-create-err", config.BindHostPort(config.PortFuncCreate))
	require.NoError(t, err)
	defer ep.Close()

	go func() {
		ev := <-ep.Events
		ev.Reply(wire.GenericResponse{Success: false, Error: wire.ExecError})
	}()

	c, err := New(kvs.NewFake(), transport.NewSocketCache(transport.DefaultDialer), []string{"127.0.0.1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.CreateFunction(ctx, "dup", []byte("body"))
	assert.Error(t, err)
}

func TestCallFunctionReadsResultFromStore(t *testing.T) {
	ep, err := transport.Listen[wire.FunctionCall]("func-call", config.BindHostPort(config.PortFuncCall))
	require.NoError(t, err)
	defer ep.Close()

	store := kvs.NewFake()
	go func() {
		ev := <-ep.Events
		require.NoError(t, store.Put(context.Background(), ev.Msg.ResponseID, []byte("result")))
		ev.Reply(wire.GenericResponse{Success: true})
	}()

	c, err := New(store, transport.NewSocketCache(transport.DefaultDialer), []string{"127.0.0.1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := c.CallFunction(ctx, "double", []wire.Arg{{Body: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), out)
}

func TestPickSchedulerRoundRobins(t *testing.T) {
	c, err := New(kvs.NewFake(), transport.NewSocketCache(transport.DefaultDialer), []string{"a", "b", "c"})
	require.NoError(t, err)

	seen := []string{c.pickScheduler(), c.pickScheduler(), c.pickScheduler(), c.pickScheduler()}
	assert.Equal(t, []string{"a", "b", "c", "a"}, seen)
}
