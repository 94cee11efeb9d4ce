package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/node"
	"github.com/sarcophagus-org/archon/node/config"
)

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start the archaeologist daemon",
	Flags: []cli.Flag{
		&cli.Uint64SliceFlag{
			Name:     "chain",
			Usage:    "chain id to serve (repeatable)",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String("config"))
		if err != nil {
			return cli.Exit(xerrors.Errorf("loading configuration: %w", err), exitConfig)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n, err := node.New(ctx, cfg)
		if err != nil {
			return cli.Exit(xerrors.Errorf("constructing node: %w", err), exitStartup)
		}
		defer func() {
			if cerr := n.Close(); cerr != nil {
				log.Warnf("shutdown: %s", cerr)
			}
		}()

		if err := n.Run(ctx, cctx.Uint64Slice("chain")); err != nil {
			return cli.Exit(xerrors.Errorf("starting chains: %w", err), exitStartup)
		}

		log.Info("shutdown complete")
		return nil
	},
}
