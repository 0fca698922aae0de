// Package userlib implements the per-thread handle exposed to user
// functions as an implicit first argument (spec §4.5): KVS get/put and a
// non-blocking send/recv mailbox between co-executing functions.
package userlib

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

// Library is constructed once per executor thread (the mailbox port is
// thread-scoped, not per-invocation, per spec §6's UserMailbox port plan)
// and handed to every pinned function's invocation on that thread. Close()
// is called on thread shutdown (Thread.Exit, once SelfDepart has drained).
type Library struct {
	store kvs.Client
	self  wire.Address
	sock  *transport.SocketCache

	mailbox *transport.Endpoint[wire.MailboxMessage]
	mu      sync.Mutex
	inbox   []wire.MailboxMessage
}

// New binds the calling thread's mailbox port and starts draining it into an
// unbounded in-memory queue. Callers must Close() when the thread shuts down.
func New(store kvs.Client, self wire.Address, sock *transport.SocketCache) (*Library, error) {
	addr := config.BindHostPort(config.ThreadPort(config.PortUserMailbox, self.TID))
	ep, err := transport.Listen[wire.MailboxMessage]("user-mailbox", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind user mailbox")
	}

	l := &Library{store: store, self: self, sock: sock, mailbox: ep}
	go l.drain()
	return l, nil
}

func (l *Library) drain() {
	for ev := range l.mailbox.Events {
		l.mu.Lock()
		l.inbox = append(l.inbox, ev.Msg)
		l.mu.Unlock()
		ev.Reply(nil)
	}
}

// Close stops the background mailbox listener. Call it once, when the
// thread shuts down.
func (l *Library) Close() error {
	return l.mailbox.Close()
}

// GetId returns this thread's address.
func (l *Library) GetId() wire.Address { return l.self }

// Get is a thin pass-through to the KVS; deserializing the returned body is
// the caller's responsibility.
func (l *Library) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.Body, nil
}

// Put is a thin pass-through to the KVS.
func (l *Library) Put(ctx context.Context, key string, value []byte) error {
	return l.store.Put(ctx, key, value)
}

// CausalGet reads key under causal consistency for clientID.
func (l *Library) CausalGet(ctx context.Context, key, clientID string) ([]byte, error) {
	v, err := l.store.CausalGet(ctx, key, clientID)
	if err != nil {
		return nil, err
	}
	return v.Body, nil
}

// CausalPut writes key with the given vector clock and dependency set.
func (l *Library) CausalPut(ctx context.Context, key string, vc map[string]uint64, deps []string, value []byte, clientID string) error {
	return l.store.CausalPut(ctx, key, vc, deps, value, clientID)
}

// Send pushes payload to dest's mailbox. Non-blocking: failures are logged,
// never returned, matching the messaging fabric's best-effort push
// semantics (spec §4.1).
func (l *Library) Send(ctx context.Context, dest wire.Address, payload []byte) {
	addr := config.DialHostPort(dest.IP, config.ThreadPort(config.PortUserMailbox, dest.TID))
	transport.Push(ctx, l.sock, addr, wire.MailboxMessage{Sender: l.self, Payload: payload})
}

// Recv drains and returns every message queued since the last Recv. Never
// blocks.
func (l *Library) Recv() []wire.MailboxMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return nil
	}
	out := l.inbox
	l.inbox = nil
	return out
}
