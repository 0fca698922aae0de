// Command executor hosts a fixed set of pinned-function threads on one
// physical node, each running the cooperative polling loop in
// internal/executor.
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
	"github.com/hydrosys/faasd/internal/executor"
	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/metrics"
	"github.com/hydrosys/faasd/internal/registry"
	"github.com/hydrosys/faasd/internal/transport"
)

const numThreads = 3

func main() {
	app := &cli.App{
		Name:  "faas-executor",
		Usage: "run a node's pinned-function executor threads",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mgmt-ip", EnvVars: []string{"MGMT_IP"}},
			&cli.BoolFlag{Name: "strong-isolation", EnvVars: []string{"STRONG_ISOLATION"}},
			&cli.IntFlag{Name: "metrics-port", Value: 9100, EnvVars: []string{"METRICS_PORT"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("executor exited")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := dialKVS(cfg)
	if err != nil {
		return errors.Wrap(err, "connect kvs")
	}

	sock := transport.NewSocketCache(transport.DefaultDialer)
	reg := registry.New(store)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logrus.Info("shutdown signal received")
		cancel()
	}()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		router := metrics.NewRouter()
		addr := fmt.Sprintf(":%d", c.Int("metrics-port"))
		srv := &http.Server{Addr: addr, Handler: router}
		go func() {
			<-gctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})

	for tid := 0; tid < numThreads; tid++ {
		tid := tid
		self := addressOf(cfg.MyIP, tid)
		thread, err := executor.New(self, reg, store, nativeInvoker{}, sock, cfg.SchedIPs, cfg.MgmtIP, c.Bool("strong-isolation"))
		if err != nil {
			return errors.Wrapf(err, "construct thread %d", tid)
		}
		group.Go(func() error {
			return executor.Serve(gctx, thread)
		})
	}

	err = group.Wait()
	sock.CloseAll()
	return err
}

func dialKVS(cfg *config.Config) (kvs.Client, error) {
	// The real causally-consistent KVS is an external collaborator (spec
	// §1/§6); wire its client here once one is vendored. Until then an
	// in-memory Fake keeps the compute plane runnable standalone.
	return kvs.NewFake(), nil
}
