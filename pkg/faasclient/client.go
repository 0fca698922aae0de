// Package faasclient is the client-facing handle for the compute plane:
// create/list functions and DAGs, call them, and read back results (spec
// §4.7). It knows nothing about placement; every call is routed through a
// scheduler.
package faasclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/util"
	"github.com/hydrosys/faasd/internal/wire"
)

// resultAttemptTimeout/resultCumulativeCap bound how long a client polls the
// KVS for a call's output key: the scheduler's ack only confirms the call
// was accepted for placement, not that the executor has finished and
// written the result yet (spec §2), so a single Get races that write.
const (
	resultAttemptTimeout = 200 * time.Millisecond
	resultCumulativeCap  = 30 * time.Second
)

// Client is a thread-safe handle bound to one scheduler address (or a set,
// round-robin'd across for load spreading).
type Client struct {
	store      kvs.Client
	sock       *transport.SocketCache
	schedulers []string

	mu   sync.Mutex
	next int
}

// New builds a client that routes requests to schedulers, reading results
// back directly from store.
func New(store kvs.Client, sock *transport.SocketCache, schedulers []string) (*Client, error) {
	if len(schedulers) == 0 {
		return nil, errors.New("faasclient: at least one scheduler address required")
	}
	return &Client{store: store, sock: sock, schedulers: schedulers}, nil
}

func (c *Client) pickScheduler() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.schedulers[c.next%len(c.schedulers)]
	c.next++
	return addr
}

// CreateFunction registers name with the given body.
func (c *Client) CreateFunction(ctx context.Context, name string, body []byte) error {
	dest := config.DialHostPort(c.pickScheduler(), config.PortFuncCreate)
	req := wire.Function{Name: name, Body: body}
	var rep wire.GenericResponse
	if err := transport.ReqRep(ctx, c.sock, dest, req, &rep); err != nil {
		return errors.Wrapf(err, "create function %q", name)
	}
	if !rep.Success {
		return errors.Errorf("create function %q: %s", name, rep.Error)
	}
	return nil
}

// CreateDag registers a DAG definition.
func (c *Client) CreateDag(ctx context.Context, dag wire.Dag) error {
	dest := config.DialHostPort(c.pickScheduler(), config.PortDagCreate)
	var rep wire.GenericResponse
	if err := transport.ReqRep(ctx, c.sock, dest, dag, &rep); err != nil {
		return errors.Wrapf(err, "create dag %q", dag.Name)
	}
	if !rep.Success {
		return errors.Errorf("create dag %q: %s", dag.Name, rep.Error)
	}
	return nil
}

// ListFunctions returns every registered function name with the given
// prefix ("" for all).
func (c *Client) ListFunctions(ctx context.Context, prefix string) ([]string, error) {
	dest := config.DialHostPort(c.pickScheduler(), config.PortList)
	var names []string
	if err := transport.ReqRep(ctx, c.sock, dest, prefix, &names); err != nil {
		return nil, errors.Wrap(err, "list functions")
	}
	return names, nil
}

// CallFunction invokes name with args and blocks for the result, reading it
// back from the KVS under a fresh request id.
func (c *Client) CallFunction(ctx context.Context, name string, args []wire.Arg) ([]byte, error) {
	requestID := uuid.NewString()
	call := wire.FunctionCall{Name: name, RequestID: requestID, ResponseID: requestID, Args: args}

	dest := config.DialHostPort(c.pickScheduler(), config.PortFuncCall)
	var rep wire.GenericResponse
	if err := transport.ReqRep(ctx, c.sock, dest, call, &rep); err != nil {
		return nil, errors.Wrapf(err, "call function %q", name)
	}
	if !rep.Success {
		return nil, errors.Errorf("call function %q: %s", name, rep.Error)
	}

	body, err := util.RetryUntilPresent(ctx, resultAttemptTimeout, resultCumulativeCap, func(ac context.Context) ([]byte, error) {
		v, err := c.store.Get(ac, requestID)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return v.Body, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read result for %q", name)
	}
	return body, nil
}

// CallDag invokes a DAG and blocks until every function has fired, then
// reads the sink's output back from the KVS. functionArgs keys by function
// name, matching DagCall.FunctionArgs.
func (c *Client) CallDag(ctx context.Context, dagName string, functionArgs map[string][]wire.Arg, consistency wire.Consistency) ([]byte, error) {
	clientID := uuid.NewString()
	call := wire.DagCall{
		Name:         dagName,
		FunctionArgs: functionArgs,
		Consistency:  consistency,
		ClientID:     clientID,
	}

	dest := config.DialHostPort(c.pickScheduler(), config.PortDagCall)
	var rep wire.GenericResponse
	if err := transport.ReqRep(ctx, c.sock, dest, call, &rep); err != nil {
		return nil, errors.Wrapf(err, "call dag %q", dagName)
	}
	if !rep.Success {
		return nil, errors.Errorf("call dag %q: %s", dagName, rep.Error)
	}

	key := rep.ResponseID

	if consistency == wire.ConsistencyCross {
		vv, err := util.RetryUntilPresent(ctx, resultAttemptTimeout, resultCumulativeCap, func(ac context.Context) ([]byte, error) {
			v, err := c.store.CausalGet(ac, key, clientID)
			if err != nil {
				if isNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
			return v.Body, nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "read dag result for %q", dagName)
		}
		return vv, nil
	}

	vv, err := util.RetryUntilPresent(ctx, resultAttemptTimeout, resultCumulativeCap, func(ac context.Context) ([]byte, error) {
		v, err := c.store.Get(ac, key)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return v.Body, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read dag result for %q", dagName)
	}
	return vv, nil
}

func isNotFound(err error) bool {
	_, ok := err.(kvs.ErrNotFound)
	return ok
}
