package executor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

// endpoints bundles the per-thread port-plan listeners (spec §6): pin,
// unpin, single-function exec, DAG schedule, DAG trigger, and self-depart.
type endpoints struct {
	pin      *transport.Endpoint[string]
	unpin    *transport.Endpoint[string]
	funcExec *transport.Endpoint[wire.FunctionCall]
	dagQueue *transport.Endpoint[wire.DagSchedule]
	dagExec  *transport.Endpoint[wire.DagTrigger]
	depart   *transport.Endpoint[struct{}]
}

func bind(tid int) (*endpoints, error) {
	pin, err := transport.Listen[string]("pin", config.BindHostPort(config.ThreadPort(config.PortPin, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind pin")
	}
	unpin, err := transport.Listen[string]("unpin", config.BindHostPort(config.ThreadPort(config.PortUnpin, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind unpin")
	}
	funcExec, err := transport.Listen[wire.FunctionCall]("func-exec", config.BindHostPort(config.ThreadPort(config.PortFuncExec, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind func-exec")
	}
	dagQueue, err := transport.Listen[wire.DagSchedule]("dag-queue", config.BindHostPort(config.ThreadPort(config.PortDagQueue, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind dag-queue")
	}
	dagExec, err := transport.Listen[wire.DagTrigger]("dag-exec", config.BindHostPort(config.ThreadPort(config.PortDagExec, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind dag-exec")
	}
	depart, err := transport.Listen[struct{}]("self-depart", config.BindHostPort(config.ThreadPort(config.PortSelfDepart, tid)))
	if err != nil {
		return nil, errors.Wrap(err, "bind self-depart")
	}

	return &endpoints{pin: pin, unpin: unpin, funcExec: funcExec, dagQueue: dagQueue, dagExec: dagExec, depart: depart}, nil
}

func (e *endpoints) closeAll() {
	e.pin.Close()
	e.unpin.Close()
	e.funcExec.Close()
	e.dagQueue.Close()
	e.dagExec.Close()
	e.depart.Close()
}

// Serve runs t's single cooperative polling loop until ctx is canceled or
// the thread has departed and drained. It owns the lifetime of every
// per-thread listener.
func Serve(ctx context.Context, t *Thread) error {
	eps, err := bind(t.Self.TID)
	if err != nil {
		return err
	}
	defer eps.closeAll()

	poller := transport.NewPoller(config.PollInterval)
	ticks := poller.C()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-eps.pin.Events:
			err := t.Pin(ctx, ev.Msg)
			ev.Reply(replyFor(err))

		case ev := <-eps.unpin.Events:
			err := t.Unpin(ev.Msg)
			ev.Reply(replyFor(err))

		case ev := <-eps.funcExec.Events:
			err := t.ExecuteSingle(ctx, ev.Msg)
			ev.Reply(nil)
			if err != nil {
				logrus.WithError(err).WithField("function", ev.Msg.Name).Error("execute single failed")
			}

		case ev := <-eps.dagQueue.Events:
			err := t.Schedule(ctx, ev.Msg)
			ev.Reply(replyFor(err))

		case ev := <-eps.dagExec.Events:
			err := t.Trigger(ctx, ev.Msg)
			ev.Reply(nil)
			if err != nil {
				logrus.WithError(err).Error("trigger failed")
			}

		case ev := <-eps.depart.Events:
			t.SelfDepart(ctx)
			ev.Reply(nil)

		case <-ticks:
			t.Housekeeping(ctx)
			if t.Departing() && t.Drained() {
				return t.Exit(ctx)
			}
		}
	}
}

func replyFor(err error) wire.GenericResponse {
	if err == nil {
		return wire.GenericResponse{Success: true}
	}
	code := wire.ExecError
	switch errors.Cause(err) {
	case ErrInvalidTarget:
		code = wire.InvalidTarget
	case ErrNotPinned:
		code = wire.NotPinned
	}
	return wire.GenericResponse{Success: false, Error: code}
}
