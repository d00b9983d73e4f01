package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tarkeep/tarkeep/pkg/buildinfo"
	"github.com/tarkeep/tarkeep/pkg/engine"
	"github.com/tarkeep/tarkeep/pkg/notify"
	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "run the full lifecycle: create archive, verify, rotate",
		ArgsUsage: "<source_dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "log the intended action without touching the filesystem",
			},
			&cli.StringFlag{
				Name:  "exclude",
				Usage: "comma-separated exclusion patterns, overriding the config",
			},
		},
		Action: backupAction,
	}
}

func backupAction(ctx context.Context, cmd *cli.Command) error {
	srcPath := cmd.Args().First()
	if srcPath == "" {
		return fmt.Errorf("backup requires a <source_dir> argument")
	}
	if cmd.Args().Len() > 1 {
		return fmt.Errorf("backup accepts exactly one <source_dir> argument")
	}

	cfg, err := loadRunConfig(cmd, true)
	if err != nil {
		return err
	}
	cfg.DryRun = cmd.Bool("dry-run")
	if e := cmd.String("exclude"); e != "" {
		cfg.Exclude = e
	}
	cfg.LogSummary()

	var notifier notify.Notifier
	if cfg.DryRun {
		// Nothing at the destination may change, including the sinks.
		notifier = notify.NewMemory()
	} else {
		if err := os.MkdirAll(cfg.Target, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create target directory %s: %w", cfg.Target, err)
		}
		attachEventLog(cfg)
		defer plog.CloseFileSink()
		notifier = notify.NewFileNotifier(cfg.NotifyFilePath())
	}

	runner := engine.New(cfg, notifier)

	startTime := time.Now()
	if err := runner.ExecuteBackup(ctx, srcPath); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished successfully.",
		"duration", time.Since(startTime).Round(time.Millisecond).String())
	return nil
}
