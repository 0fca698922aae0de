package transport

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/hydrosys/faasd/internal/wire"
)

// Event is one decoded inbound message together with a Reply function.
// Reply(nil), as push endpoints call it, writes nothing; for req-rep
// endpoints it writes the length-prefixed response back on the same
// connection, which stays open for the sender's next message.
type Event[T any] struct {
	Msg   T
	Reply func(resp any)
	conn  net.Conn
}

// Endpoint binds one well-known port and decodes every message arriving on
// each inbound connection into T, delivering them on Events. One Endpoint corresponds
// to one row of the port plan in spec §6.
type Endpoint[T any] struct {
	Events chan Event[T]

	listener net.Listener
	name     string
}

// Listen binds addr (host:port) and starts accepting connections in the
// background. Decode failures are logged and the offending connection is
// dropped; they never take down the endpoint.
func Listen[T any](name, addr string) (*Endpoint[T], error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint[T]{
		Events:   make(chan Event[T], 64),
		listener: ln,
		name:     name,
	}
	go ep.acceptLoop()
	return ep, nil
}

func (e *Endpoint[T]) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go e.serve(conn)
	}
}

// serve decodes messages off conn until it closes or errors. A sender's
// cached connection (transport.SocketCache) stays open across many
// pushes/req-reps, so one accepted connection carries a whole stream of
// messages, not just one.
func (e *Endpoint[T]) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var msg T
		if err := wire.Decode(conn, &msg); err != nil {
			logrus.WithError(err).WithField("endpoint", e.name).Debug("connection closed")
			return
		}
		e.Events <- Event[T]{
			Msg: msg,
			Reply: func(resp any) {
				if resp == nil {
					return // push endpoints: caller has nothing to read
				}
				buf, err := wire.Encode(resp)
				if err != nil {
					logrus.WithError(err).WithField("endpoint", e.name).Error("encode reply failed")
					return
				}
				if _, err := conn.Write(buf); err != nil {
					logrus.WithError(err).WithField("endpoint", e.name).Debug("write reply failed")
				}
			},
			conn: conn,
		}
	}
}

func (e *Endpoint[T]) Close() error {
	return e.listener.Close()
}
