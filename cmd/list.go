package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/tarkeep/tarkeep/pkg/engine"
	"github.com/tarkeep/tarkeep/pkg/notify"
	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

var (
	listHeaderStyle = lipgloss.NewStyle().Bold(true)
	listTimeStyle   = lipgloss.NewStyle().Faint(true)
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "enumerate the archives at the destination, newest first",
		Action: listAction,
	}
}

func listAction(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 0 {
		return fmt.Errorf("list does not accept arguments")
	}

	cfg, err := loadRunConfig(cmd, false)
	if err != nil {
		return err
	}

	runner := engine.New(cfg, notify.NewMemory())
	archives, err := runner.ExecuteList()
	if err != nil {
		return err
	}

	if len(archives) == 0 {
		plog.Warn("No archives found at destination", "target", cfg.Target)
		return nil
	}

	fmt.Println(listHeaderStyle.Render(fmt.Sprintf("%-36s %10s  %s", "ARCHIVE", "SIZE", "CREATED")))
	for _, a := range archives {
		fmt.Printf("%-36s %10s  %s\n",
			a.Name,
			util.FormatBytes(a.Size),
			listTimeStyle.Render(a.ModTime.Format("2006-01-02 15:04:05")),
		)
	}
	fmt.Printf("\n%d archive(s) at %s\n", len(archives), cfg.Target)
	return nil
}
