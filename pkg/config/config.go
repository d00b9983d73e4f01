// Package config loads and validates the tarkeep run configuration.
//
// Configuration is resolved once at process start and passed explicitly to
// every component. Layering, lowest priority first:
//
//  1. Built-in defaults
//  2. Optional YAML config file (tarkeep.yaml)
//  3. Environment variables (TARKEEP_ prefix, first underscore becomes a dot,
//     e.g. TARKEEP_RETENTION_DAILY=14)
//  4. Command-line flags, merged by the cmd layer
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// ErrTargetMissing is returned when no destination directory is configured.
// Every command needs a destination store to operate on.
var ErrTargetMissing = errors.New("no backup target configured (set 'target' in tarkeep.yaml, TARKEEP_TARGET, or pass --target)")

// DefaultConfigPaths lists the locations searched for a config file, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"tarkeep.yaml",
	"~/.config/tarkeep/tarkeep.yaml",
	"/etc/tarkeep/tarkeep.yaml",
}

// envPrefix is the prefix for configuration environment variables.
const envPrefix = "TARKEEP_"

// RetentionConfig holds the three tier keep-counts. A tier with a zero or
// negative count keeps nothing through that tier.
type RetentionConfig struct {
	Daily   int `koanf:"daily"`
	Weekly  int `koanf:"weekly"`
	Monthly int `koanf:"monthly"`
}

// CompressionConfig selects the archive codec.
type CompressionConfig struct {
	Format string `koanf:"format"` // "tar.gz" or "tar.zst"
	Level  string `koanf:"level"`  // "fastest", "default", "better", "best"
}

// LogConfig controls the console level and the append-only event log.
type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"` // empty means <target>/tarkeep.log
}

// NotifyConfig points at the simulated notification sink.
type NotifyConfig struct {
	File string `koanf:"file"` // empty means <target>/tarkeep.notifications.log
}

// SpaceConfig controls the destination free-space precondition.
type SpaceConfig struct {
	Check bool `koanf:"check"`
}

// HooksConfig holds optional shell commands run around the backup phase.
type HooksConfig struct {
	Pre      string `koanf:"pre"`  // comma-separated commands
	Post     string `koanf:"post"` // comma-separated commands
	FailFast bool   `koanf:"fail_fast"`
}

// Config is the immutable run configuration.
type Config struct {
	Target      string            `koanf:"target"`
	Exclude     string            `koanf:"exclude"` // comma-separated glob list
	Retention   RetentionConfig   `koanf:"retention"`
	Compression CompressionConfig `koanf:"compression"`
	Log         LogConfig         `koanf:"log"`
	Notify      NotifyConfig      `koanf:"notify"`
	Space       SpaceConfig       `koanf:"space"`
	Hooks       HooksConfig       `koanf:"hooks"`

	// DryRun is a per-run flag, never persisted; set by the cmd layer.
	DryRun bool `koanf:"-"`
}

// defaultConfig returns the built-in defaults applied before file and env layers.
func defaultConfig() Config {
	return Config{
		Retention: RetentionConfig{
			Daily:   7,
			Weekly:  4,
			Monthly: 6,
		},
		Compression: CompressionConfig{
			Format: "tar.gz",
			Level:  "default",
		},
		Log: LogConfig{
			Level: "info",
		},
		Space: SpaceConfig{
			Check: true,
		},
	}
}

// Load resolves the configuration. explicitPath, when non-empty, names the
// config file to use; a missing explicit file is an error, while the default
// search paths are all optional.
func Load(explicitPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := resolveConfigPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath picks the config file to read. An explicit path must
// exist; the default search paths are all optional.
func resolveConfigPath(explicitPath string) (string, error) {
	if explicitPath != "" {
		p, err := util.ExpandPath(explicitPath)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return p, nil
	}

	for _, candidate := range DefaultConfigPaths {
		p, err := util.ExpandPath(candidate)
		if err != nil {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// envTransform maps TARKEEP_RETENTION_DAILY to "retention.daily". Only the
// first underscore separates the section from the key, so keys that
// themselves contain underscores (hooks.fail_fast) survive.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks the configuration for a run. forBackup enables the checks
// that only matter when a new archive will be created.
func (c Config) Validate(forBackup bool) error {
	if strings.TrimSpace(c.Target) == "" {
		return ErrTargetMissing
	}

	switch c.Compression.Format {
	case "tar.gz", "tar.zst":
	default:
		return fmt.Errorf("unsupported compression format %q (want tar.gz or tar.zst)", c.Compression.Format)
	}

	switch c.Compression.Level {
	case "", "fastest", "default", "better", "best":
	default:
		return fmt.Errorf("unsupported compression level %q", c.Compression.Level)
	}

	if forBackup {
		if c.Retention.Daily < 0 || c.Retention.Weekly < 0 || c.Retention.Monthly < 0 {
			return fmt.Errorf("retention counts must not be negative (daily=%d weekly=%d monthly=%d)",
				c.Retention.Daily, c.Retention.Weekly, c.Retention.Monthly)
		}
	}
	return nil
}

// ExcludePatterns returns the parsed exclusion list: comma-separated entries,
// trimmed, with empty entries dropped.
func (c Config) ExcludePatterns() []string {
	return util.SplitCommaList(c.Exclude)
}

// PreHookCommands returns the parsed pre-backup hook command list.
func (c Config) PreHookCommands() []string {
	return util.SplitCommaList(c.Hooks.Pre)
}

// PostHookCommands returns the parsed post-backup hook command list.
func (c Config) PostHookCommands() []string {
	return util.SplitCommaList(c.Hooks.Post)
}

// LogFilePath resolves the event log location, defaulting into the target.
func (c Config) LogFilePath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.Target, "tarkeep.log")
}

// NotifyFilePath resolves the notification sink, defaulting into the target.
func (c Config) NotifyFilePath() string {
	if c.Notify.File != "" {
		return c.Notify.File
	}
	return filepath.Join(c.Target, "tarkeep.notifications.log")
}

// LogSummary writes the effective run configuration to the log.
func (c Config) LogSummary() {
	plog.Info("Run configuration",
		"target", c.Target,
		"retention", fmt.Sprintf("%dd/%dw/%dm", c.Retention.Daily, c.Retention.Weekly, c.Retention.Monthly),
		"format", c.Compression.Format,
		"excludes", len(c.ExcludePatterns()),
		"dryRun", c.DryRun,
	)
}
