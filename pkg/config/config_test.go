package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tarkeep.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "target: /backups\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Target != "/backups" {
		t.Errorf("Target = %q, want /backups", cfg.Target)
	}
	if cfg.Retention.Daily != 7 || cfg.Retention.Weekly != 4 || cfg.Retention.Monthly != 6 {
		t.Errorf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if cfg.Compression.Format != "tar.gz" {
		t.Errorf("Compression.Format = %q, want tar.gz", cfg.Compression.Format)
	}
	if !cfg.Space.Check {
		t.Error("Space.Check should default to true")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
target: /mnt/backups
exclude: "*.log, node_modules"
retention:
  daily: 3
  weekly: 2
compression:
  format: tar.zst
`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Retention.Daily != 3 || cfg.Retention.Weekly != 2 {
		t.Errorf("unexpected retention: %+v", cfg.Retention)
	}
	// Monthly untouched by the file, so the default survives.
	if cfg.Retention.Monthly != 6 {
		t.Errorf("Retention.Monthly = %d, want default 6", cfg.Retention.Monthly)
	}
	if cfg.Compression.Format != "tar.zst" {
		t.Errorf("Compression.Format = %q, want tar.zst", cfg.Compression.Format)
	}
	if want := []string{"*.log", "node_modules"}; !reflect.DeepEqual(cfg.ExcludePatterns(), want) {
		t.Errorf("ExcludePatterns() = %v, want %v", cfg.ExcludePatterns(), want)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TARKEEP_RETENTION_DAILY", "14")
	t.Setenv("TARKEEP_TARGET", "/env/backups")
	t.Setenv("TARKEEP_HOOKS_FAIL_FAST", "true")

	cfg, err := Load(writeConfigFile(t, "target: /file/backups\nretention:\n  daily: 3\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Target != "/env/backups" {
		t.Errorf("Target = %q, want env override /env/backups", cfg.Target)
	}
	if cfg.Retention.Daily != 14 {
		t.Errorf("Retention.Daily = %d, want env override 14", cfg.Retention.Daily)
	}
	if !cfg.Hooks.FailFast {
		t.Error("Hooks.FailFast should be set from TARKEEP_HOOKS_FAIL_FAST")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := defaultConfig()
	base.Target = "/backups"

	if err := base.Validate(true); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	noTarget := base
	noTarget.Target = "  "
	if err := noTarget.Validate(true); !errors.Is(err, ErrTargetMissing) {
		t.Errorf("expected ErrTargetMissing, got %v", err)
	}

	badFormat := base
	badFormat.Compression.Format = "rar"
	if err := badFormat.Validate(true); err == nil {
		t.Error("expected error for unsupported compression format")
	}

	negRetention := base
	negRetention.Retention.Daily = -1
	if err := negRetention.Validate(true); err == nil {
		t.Error("expected error for negative retention count")
	}
	// Retention only matters for backup runs.
	if err := negRetention.Validate(false); err != nil {
		t.Errorf("non-backup validation should skip retention: %v", err)
	}
}

func TestPathDefaultsResolveIntoTarget(t *testing.T) {
	cfg := Config{Target: "/backups"}
	if got := cfg.LogFilePath(); got != filepath.Join("/backups", "tarkeep.log") {
		t.Errorf("LogFilePath() = %q", got)
	}
	if got := cfg.NotifyFilePath(); got != filepath.Join("/backups", "tarkeep.notifications.log") {
		t.Errorf("NotifyFilePath() = %q", got)
	}

	cfg.Log.File = "/var/log/tarkeep.log"
	if got := cfg.LogFilePath(); got != "/var/log/tarkeep.log" {
		t.Errorf("LogFilePath() override = %q", got)
	}
}
