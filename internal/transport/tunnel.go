package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rancher/remotedialer"
	"github.com/sirupsen/logrus"
)

// TunnelServer lets a scheduler or cluster manager reach executor threads
// that aren't directly dialable (behind NAT, in a pod network the control
// plane can't route to, ...). Executor processes connect out to it once at
// startup (see DialOut below); afterwards the server can dial back into
// that executor's well-known ports through the open session, the same
// reverse-proxy shape the teacher uses to let the apiserver reach kubelets
// that only ever dial out to it.
type TunnelServer struct {
	httpServer *remotedialer.Server
}

// NewTunnelServer builds the HTTP handler to mount at the tunnel path
// (e.g. "/v1/connect"). clientKey is derived from the "X-Faas-IP" header the
// executor sends when it dials in.
func NewTunnelServer() *TunnelServer {
	authorizer := func(req *http.Request) (string, bool, error) {
		ip := req.Header.Get("X-Faas-IP")
		if ip == "" {
			return "", false, nil
		}
		return ip, true, nil
	}
	errorWriter := func(rw http.ResponseWriter, req *http.Request, code int, err error) {
		logrus.WithError(err).WithField("code", code).Debug("tunnel server error")
		http.Error(rw, err.Error(), code)
	}
	return &TunnelServer{httpServer: remotedialer.New(authorizer, errorWriter)}
}

func (t *TunnelServer) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	t.httpServer.ServeHTTP(rw, req)
}

// DialerFor returns a transport.Dialer that reaches ip's well-known ports
// through its open tunnel session, falling back to a direct TCP dial when
// no session is registered (the node is directly reachable).
func (t *TunnelServer) DialerFor(ip string) Dialer {
	return tunnelDialer{ip: ip, dial: t.httpServer.Dialer(ip)}
}

type tunnelDialer struct {
	ip   string
	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (d tunnelDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.dial(ctx, "tcp", addr)
	if err == nil {
		return conn, nil
	}
	logrus.WithError(err).WithField("ip", d.ip).Debug("tunnel dial failed, falling back to direct")
	return DefaultDialer.Dial(ctx, addr)
}

// DialOut connects this executor process outward to the scheduler/cluster
// manager's tunnel endpoint and keeps reconnecting until ctx is canceled.
// allowedPorts gates which local ports the remote end may dial into,
// mirroring the teacher's kubelet-port allow-list.
func DialOut(ctx context.Context, wsURL, myIP string, allowedPorts map[string]bool) error {
	headers := http.Header{"X-Faas-IP": {myIP}}
	dialer := &websocket.Dialer{}

	for {
		err := remotedialer.ClientConnect(ctx, wsURL, headers, dialer, func(proto, address string) bool {
			host, port, splitErr := net.SplitHostPort(address)
			return splitErr == nil && proto == "tcp" && allowedPorts[port] && host == "127.0.0.1"
		}, nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithError(err).WithField("url", wsURL).Warn("tunnel connection dropped, retrying")

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
