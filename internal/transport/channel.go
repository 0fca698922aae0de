// Package transport implements the messaging fabric: typed, non-blocking
// push and synchronous request/reply channels over a process-wide socket
// cache, plus a single-goroutine poller that multiplexes a process's inbound
// endpoints (spec §4.1, §5).
package transport

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hydrosys/faasd/internal/util"
	"github.com/hydrosys/faasd/internal/wire"
)

// Dialer opens a connection to addr. The default is net.Dialer.Dial; a
// NAT-traversing implementation is provided by TunnelServer.DialerFor for
// executors that aren't directly reachable from the scheduler/cluster
// manager (see tunnel.go).
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, "tcp", addr)
}

// DefaultDialer dials plain TCP, used whenever the destination is on the
// same network as the caller (the common case for executor<->executor
// trigger pushes within one cluster).
var DefaultDialer Dialer = netDialer{}

// SocketCache retains one open connection per destination address for the
// process lifetime, the same role as the original's per-process socket
// cache keyed by address string.
type SocketCache struct {
	mu     sync.Mutex
	conns  map[string]net.Conn
	dialer Dialer
}

func NewSocketCache(dialer Dialer) *SocketCache {
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &SocketCache{conns: map[string]net.Conn{}, dialer: dialer}
}

// Get returns the cached connection for addr, dialing a new one if absent.
// A connection that has gone bad stays cached until Invalidate drops it.
func (c *SocketCache) Get(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Invalidate drops a cached connection, forcing the next Get to redial. Used
// when a send fails, as sends are best-effort per spec §4.1.
func (c *SocketCache) Invalidate(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		conn.Close()
		delete(c.conns, addr)
	}
}

func (c *SocketCache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}

// Push is a fire-and-forget, per-sender-ordered send of v to addr. Errors
// are logged, never propagated, matching spec §4.1's best-effort send
// semantics; a failed send invalidates the cached socket so the next push
// redials.
func Push(ctx context.Context, cache *SocketCache, addr string, v any) {
	conn, err := cache.Get(ctx, addr)
	if err != nil {
		logrus.WithError(err).WithField("addr", addr).Warn("push: dial failed")
		return
	}
	buf, err := wire.Encode(v)
	if err != nil {
		logrus.WithError(err).Error("push: encode failed")
		return
	}
	if _, err := conn.Write(buf); err != nil {
		logrus.WithError(err).WithField("addr", addr).Warn("push: write failed")
		cache.Invalidate(addr)
	}
}

// ReqRep performs a synchronous call: send req to addr, block for a single
// reply into rep, bounded by the context deadline. Timeout is a first-class
// error per spec §4.1, never retried silently by this layer.
func ReqRep(ctx context.Context, cache *SocketCache, addr string, req any, rep any) error {
	conn, err := cache.Get(ctx, addr)
	if err != nil {
		return err
	}

	buf, err := wire.Encode(req)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	if _, err := conn.Write(buf); err != nil {
		cache.Invalidate(addr)
		return errors.Wrap(err, "write request")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	if err := wire.Decode(conn, rep); err != nil {
		cache.Invalidate(addr)
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			return errors.Wrap(util.ErrTimeout, "req-rep")
		}
		return errors.Wrap(err, "decode reply")
	}
	return nil
}
