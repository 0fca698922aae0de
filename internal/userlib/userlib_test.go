package userlib

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

func TestGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kvs.NewFake()
	sock := transport.NewSocketCache(transport.DefaultDialer)
	lib, err := New(store, wire.Address{IP: "127.0.0.1", TID: 0}, sock)
	require.NoError(t, err)
	defer lib.Close()

	require.NoError(t, lib.Put(ctx, "k", []byte("v")))
	v, err := lib.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSendRecvBetweenThreads(t *testing.T) {
	ctx := context.Background()
	store := kvs.NewFake()
	sock := transport.NewSocketCache(transport.DefaultDialer)

	sender, err := New(store, wire.Address{IP: "127.0.0.1", TID: 10}, sock)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := New(store, wire.Address{IP: "127.0.0.1", TID: 11}, sock)
	require.NoError(t, err)
	defer receiver.Close()

	sender.Send(ctx, receiver.GetId(), []byte("hello"))

	require.Eventually(t, func() bool {
		return len(receiver.Recv()) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecvDrainsOnce(t *testing.T) {
	ctx := context.Background()
	store := kvs.NewFake()
	sock := transport.NewSocketCache(transport.DefaultDialer)

	sender, err := New(store, wire.Address{IP: "127.0.0.1", TID: 20}, sock)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := New(store, wire.Address{IP: "127.0.0.1", TID: 21}, sock)
	require.NoError(t, err)
	defer receiver.Close()

	sender.Send(ctx, receiver.GetId(), []byte("once"))

	var first []wire.MailboxMessage
	require.Eventually(t, func() bool {
		first = receiver.Recv()
		return len(first) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, receiver.Recv(), "a second Recv before any new message must return nothing")
}
