package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/tarkeep/tarkeep/pkg/engine"
	"github.com/tarkeep/tarkeep/pkg/notify"
	"github.com/tarkeep/tarkeep/pkg/plog"
)

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "extract a named archive into a directory",
		ArgsUsage: "<archive_name> <restore_dir>",
		Action:    restoreAction,
	}
}

func restoreAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("restore requires <archive_name> and <restore_dir> arguments")
	}
	archiveName := cmd.Args().Get(0)
	restoreDir := cmd.Args().Get(1)

	cfg, err := loadRunConfig(cmd, false)
	if err != nil {
		return err
	}

	attachEventLog(cfg)
	defer plog.CloseFileSink()

	runner := engine.New(cfg, notify.NewFileNotifier(cfg.NotifyFilePath()))
	return runner.ExecuteRestore(ctx, archiveName, restoreDir)
}
