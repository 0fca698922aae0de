// Command faasd is the operator-facing client CLI: register function/DAG
// bodies and invoke them against a running scheduler tier.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/transport"
	"github.com/hydrosys/faasd/internal/wire"
	"github.com/hydrosys/faasd/pkg/faasclient"
)

func main() {
	app := &cli.App{
		Name:  "faasd",
		Usage: "interact with a faasd compute plane",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "scheduler", Aliases: []string{"s"}, EnvVars: []string{"FAASD_SCHEDULERS"}, Usage: "scheduler address (repeatable)"},
		},
		Commands: []*cli.Command{
			createFunctionCommand,
			listCommand,
			callFunctionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("faasd: command failed")
	}
}

func newClient(c *cli.Context) (*faasclient.Client, error) {
	schedulers := c.StringSlice("scheduler")
	if len(schedulers) == 0 {
		return nil, errors.New("at least one --scheduler address is required")
	}
	store := kvs.NewFake() // standalone demo path; point at the real KVS client in production
	sock := transport.NewSocketCache(transport.DefaultDialer)
	return faasclient.New(store, sock, schedulers)
}

var createFunctionCommand = &cli.Command{
	Name:      "create-function",
	Usage:     "register a function body",
	ArgsUsage: "<name> <path-to-body>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return errors.New("usage: faasd create-function <name> <path-to-body>")
		}
		client, err := newClient(c)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(c.Args().Get(1))
		if err != nil {
			return errors.Wrap(err, "read function body")
		}
		return client.CreateFunction(context.Background(), c.Args().Get(0), body)
	},
}

var listCommand = &cli.Command{
	Name:      "list",
	Usage:     "list registered functions",
	ArgsUsage: "[prefix]",
	Action: func(c *cli.Context) error {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		names, err := client.ListFunctions(context.Background(), c.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(names, "\n"))
		return nil
	},
}

var callFunctionCommand = &cli.Command{
	Name:      "call",
	Usage:     "call a function with a literal string argument",
	ArgsUsage: "<name> [arg...]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return errors.New("usage: faasd call <name> [arg...]")
		}
		client, err := newClient(c)
		if err != nil {
			return err
		}
		var args []wire.Arg
		for _, a := range c.Args().Tail() {
			args = append(args, wire.Arg{Body: []byte(a), Type: wire.ArgString})
		}
		result, err := client.CallFunction(context.Background(), c.Args().First(), args)
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}
