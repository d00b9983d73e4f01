package cmd

import (
	"github.com/urfave/cli/v3"

	"github.com/tarkeep/tarkeep/pkg/config"
	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// loadRunConfig resolves the effective configuration for one invocation:
// defaults, config file, environment, then the global flags on top. The
// target path is normalized to absolute form so every component sees the
// same destination.
func loadRunConfig(cmd *cli.Command, forBackup bool) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if t := cmd.String("target"); t != "" {
		cfg.Target = t
	}
	if l := cmd.String("log-level"); l != "" {
		cfg.Log.Level = l
	}

	if err := cfg.Validate(forBackup); err != nil {
		return config.Config{}, err
	}

	cfg.Target, err = util.ExpandedAbsPath(cfg.Target)
	if err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(cfg.Log.Level))
	plog.SetQuiet(cmd.Bool("quiet"))
	return cfg, nil
}

// attachEventLog tees INFO+ records into the append-only event log at the
// destination. A sink failure degrades to console-only logging.
func attachEventLog(cfg config.Config) {
	if err := plog.SetFileSink(cfg.LogFilePath()); err != nil {
		plog.Warn("Event log unavailable, continuing with console only", "error", err)
	}
}
