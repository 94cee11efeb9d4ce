package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/sarcophagus-org/archon/lib/archlog"
)

var log = logging.Logger("main")

const (
	exitConfig  = 2
	exitStartup = 3
)

func main() {
	archlog.SetupLogLevels()

	app := &cli.App{
		Name:    "archon",
		Usage:   "Sarcophagus archaeologist agent",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the TOML configuration file",
				Value:   "archon.toml",
			},
		},
		Commands: []*cli.Command{
			daemonCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
