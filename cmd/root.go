// Package cmd wires the command-line surface to the engine. One subcommand
// per mode: backup (the full lifecycle), restore, and list.
package cmd

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/tarkeep/tarkeep/pkg/buildinfo"
)

// Execute builds the CLI and runs it against args.
func Execute(ctx context.Context, args []string) error {
	app := &cli.Command{
		Name:    buildinfo.Name,
		Usage:   "backup lifecycle orchestrator: create, verify, rotate, restore",
		Version: buildinfo.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file (default: tarkeep.yaml search path)",
			},
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "destination directory holding the archives",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "console log level: debug, notice, info, warn, error",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "suppress informational output",
			},
		},
		Commands: []*cli.Command{
			backupCommand(),
			restoreCommand(),
			listCommand(),
		},
	}

	return app.Run(ctx, args)
}
