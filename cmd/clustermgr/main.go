// Command clustermgr runs the autoscaling control plane: it ingests fleet
// status, drives scale-out/scale-in/hot-function-replication decisions, and
// reclaims capacity from threads that stop reporting.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hydrosys/faasd/internal/clustermgr"
	"github.com/hydrosys/faasd/internal/config"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
)

const statsWindow = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "faas-clustermgr",
		Usage: "run the autoscaling control plane",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "autoscale-interval", Value: 15, EnvVars: []string{"AUTOSCALE_INTERVAL"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("clustermgr exited")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	sock := transport.NewSocketCache(transport.DefaultDialer)
	nodes := &staticNodeManager{} // swap for a real cloud/k8s driver in production
	mgr := clustermgr.New(nodes, sock)
	reclaimer := clustermgr.NewReclaimer(mgr)

	replicator := clustermgr.NewHotFunctionReplicator(mgr, func(ctx context.Context, name string) error {
		req := wire.ReplicateRequest{FunctionName: name}
		for _, sched := range cfg.SchedIPs {
			dest := config.DialHostPort(sched, config.PortReplicateRequest)
			transport.Push(ctx, sock, dest, req)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sig; cancel() }()

	if err := reclaimer.Start(ctx); err != nil {
		return errors.Wrap(err, "start reclaimer")
	}
	defer reclaimer.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		mgr.Run(gctx, time.Duration(c.Int("autoscale-interval"))*time.Second)
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(statsWindow)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				replicator.Evaluate(gctx, statsWindow)
			}
		}
	})
	group.Go(func() error { return serveStatus(gctx, mgr, replicator) })

	err = group.Wait()
	sock.CloseAll()
	return err
}

func serveStatus(ctx context.Context, mgr *clustermgr.ClusterManager, replicator *clustermgr.HotFunctionReplicator) error {
	status, err := transport.Listen[wire.ThreadStatus]("cluster-status", config.BindHostPort(config.PortClusterUtilization))
	if err != nil {
		return errors.Wrap(err, "bind cluster status")
	}
	defer status.Close()

	stats, err := transport.Listen[wire.ExecutorStatistics]("cluster-statistics", config.BindHostPort(config.PortClusterStatistics))
	if err != nil {
		return errors.Wrap(err, "bind cluster statistics")
	}
	defer stats.Close()

	departDone, err := transport.Listen[wire.DepartDone]("cluster-depart-done", config.BindHostPort(config.PortClusterDepartDone))
	if err != nil {
		return errors.Wrap(err, "bind cluster depart-done")
	}
	defer departDone.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-status.Events:
			mgr.IngestStatus(ev.Msg)
			ev.Reply(nil)
		case ev := <-stats.Events:
			replicator.Ingest(ev.Msg)
			ev.Reply(nil)
		case ev := <-departDone.Events:
			mgr.IngestDepartDone(ctx, ev.Msg)
			ev.Reply(nil)
		}
	}
}

// staticNodeManager is a no-op NodeManager: it logs the scaling decision
// instead of provisioning real capacity, for deployments that haven't wired
// a cloud/k8s driver yet.
type staticNodeManager struct{}

func (staticNodeManager) Add(_ context.Context, kind string, n int) error {
	logrus.WithFields(logrus.Fields{"kind": kind, "n": n}).Info("scale out requested (no node driver configured)")
	return nil
}

func (staticNodeManager) Remove(_ context.Context, kind, ip string) error {
	logrus.WithFields(logrus.Fields{"kind": kind, "ip": ip}).Info("scale in requested (no node driver configured)")
	return nil
}
