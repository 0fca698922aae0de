package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEndpointServesMultipleMessagesOnOneConnection guards the messaging
// fabric's core assumption: SocketCache keeps one connection open per
// destination for the process lifetime, so an endpoint must keep decoding
// off an accepted connection rather than exiting after its first message.
func TestEndpointServesMultipleMessagesOnOneConnection(t *testing.T) {
	ep, err := Listen[string]("test", "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	cache := NewSocketCache(DefaultDialer)
	ctx := context.Background()
	addr := ep.listener.Addr().String()

	Push(ctx, cache, addr, "first")
	Push(ctx, cache, addr, "second")
	Push(ctx, cache, addr, "third")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ep.Events:
			got = append(got, ev.Msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestReqRepRoundTrip(t *testing.T) {
	ep, err := Listen[string]("echo", "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	go func() {
		ev := <-ep.Events
		ev.Reply("echo:" + ev.Msg)
	}()

	cache := NewSocketCache(DefaultDialer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var rep string
	require.NoError(t, ReqRep(ctx, cache, ep.listener.Addr().String(), "ping", &rep))
	assert.Equal(t, "echo:ping", rep)
}

func TestReqRepPushEndpointReplyIsNoop(t *testing.T) {
	ep, err := Listen[string]("push-only", "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	go func() {
		ev := <-ep.Events
		ev.Reply(nil) // must not attempt to encode a nil response
	}()

	cache := NewSocketCache(DefaultDialer)
	Push(context.Background(), cache, ep.listener.Addr().String(), "fire-and-forget")

	select {
	case <-ep.Events:
		t.Fatal("unexpected second event for a single push")
	case <-time.After(200 * time.Millisecond):
	}
}
