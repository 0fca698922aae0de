// Command scheduler runs one instance of the scheduling tier: accepts
// client create/call requests, places invocations on pinned executor
// threads, and gossips placement state with its peers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/metrics"
	"github.com/hydrosys/faasd/internal/registry"
	"github.com/hydrosys/faasd/internal/scheduler"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

func main() {
	app := &cli.App{
		Name:  "faas-scheduler",
		Usage: "run a scheduler tier instance",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "qps", Value: 500, EnvVars: []string{"SCHEDULER_QPS"}},
			&cli.IntFlag{Name: "metrics-port", Value: 9101, EnvVars: []string{"METRICS_PORT"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("scheduler exited")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store := kvs.NewFake() // see cmd/executor's dialKVS doc: external collaborator
	sock := transport.NewSocketCache(transport.DefaultDialer)
	reg := registry.New(store)
	sched := scheduler.New(cfg.MyIP, reg, store, sock, cfg.SchedIPs, cfg.PinReplication, c.Float64("qps"))

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sig; cancel() }()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		router := metrics.NewRouter()
		addr := fmt.Sprintf(":%d", c.Int("metrics-port"))
		srv := &http.Server{Addr: addr, Handler: router}
		go func() { <-gctx.Done(); srv.Close() }()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})

	group.Go(func() error { sched.GossipPeers(gctx); return nil })
	group.Go(func() error { return serveClientAPI(gctx, sched) })
	group.Go(func() error { return serveStatusIngest(gctx, sched) })

	err = group.Wait()
	sock.CloseAll()
	return err
}

// serveClientAPI binds the client-facing ports (create/list/call) and
// dispatches each request onto sched.
func serveClientAPI(ctx context.Context, sched *scheduler.Scheduler) error {
	funcCreate, err := transport.Listen[wire.Function]("func-create", config.BindHostPort(config.PortFuncCreate))
	if err != nil {
		return errors.Wrap(err, "bind func-create")
	}
	defer funcCreate.Close()

	dagCreate, err := transport.Listen[wire.Dag]("dag-create", config.BindHostPort(config.PortDagCreate))
	if err != nil {
		return errors.Wrap(err, "bind dag-create")
	}
	defer dagCreate.Close()

	list, err := transport.Listen[string]("list", config.BindHostPort(config.PortList))
	if err != nil {
		return errors.Wrap(err, "bind list")
	}
	defer list.Close()

	funcCall, err := transport.Listen[wire.FunctionCall]("func-call", config.BindHostPort(config.PortFuncCall))
	if err != nil {
		return errors.Wrap(err, "bind func-call")
	}
	defer funcCall.Close()

	dagCall, err := transport.Listen[wire.DagCall]("dag-call", config.BindHostPort(config.PortDagCall))
	if err != nil {
		return errors.Wrap(err, "bind dag-call")
	}
	defer dagCall.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-funcCreate.Events:
			err := sched.CreateFunction(ctx, ev.Msg.Name, ev.Msg.Body)
			ev.Reply(genericReply(err))

		case ev := <-dagCreate.Events:
			err := sched.CreateDag(ctx, ev.Msg)
			ev.Reply(genericReply(err))

		case ev := <-list.Events:
			names, err := sched.ListFunctions(ctx, ev.Msg)
			if err != nil {
				logrus.WithError(err).Warn("list functions failed")
				ev.Reply([]string{})
				continue
			}
			ev.Reply(names)

		case ev := <-funcCall.Events:
			err := sched.CallFunction(ctx, ev.Msg)
			ev.Reply(genericReply(err))

		case ev := <-dagCall.Events:
			rep, err := sched.CallDag(ctx, ev.Msg)
			if err != nil {
				logrus.WithError(err).WithField("dag", ev.Msg.Name).Warn("call dag failed")
			}
			ev.Reply(rep)
		}
	}
}

// serveStatusIngest binds the executor status and peer gossip ports.
func serveStatusIngest(ctx context.Context, sched *scheduler.Scheduler) error {
	status, err := transport.Listen[wire.ThreadStatus]("status", config.BindHostPort(config.PortStatus))
	if err != nil {
		return errors.Wrap(err, "bind status")
	}
	defer status.Close()

	gossip, err := transport.Listen[wire.SchedulerStatus]("sched-update", config.BindHostPort(config.PortSchedUpdate))
	if err != nil {
		return errors.Wrap(err, "bind sched-update")
	}
	defer gossip.Close()

	replicate, err := transport.Listen[wire.ReplicateRequest]("replicate", config.BindHostPort(config.PortReplicateRequest))
	if err != nil {
		return errors.Wrap(err, "bind replicate")
	}
	defer replicate.Close()

	backoff, err := transport.Listen[wire.Backoff]("backoff", config.BindHostPort(config.PortBackoff))
	if err != nil {
		return errors.Wrap(err, "bind backoff")
	}
	defer backoff.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-status.Events:
			sched.IngestStatus(ev.Msg)
			ev.Reply(nil)
		case ev := <-gossip.Events:
			sched.IngestGossip(ev.Msg)
			ev.Reply(nil)
		case ev := <-replicate.Events:
			if err := sched.Replicate(ctx, ev.Msg.FunctionName); err != nil {
				logrus.WithError(err).WithField("function", ev.Msg.FunctionName).Warn("replication request failed")
			}
			ev.Reply(nil)
		case ev := <-backoff.Events:
			sched.Backoff(wire.Address{IP: ev.Msg.IP, TID: ev.Msg.TID}, scheduler.BackoffDuration)
			ev.Reply(nil)
		}
	}
}

func genericReply(err error) wire.GenericResponse {
	if err == nil {
		return wire.GenericResponse{Success: true}
	}
	logrus.WithError(err).Debug("request failed")
	return wire.GenericResponse{Success: false, Error: scheduler.ErrorCode(err)}
}
