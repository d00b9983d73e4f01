package engine

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/tarkeep/tarkeep/pkg/archive"
	"github.com/tarkeep/tarkeep/pkg/config"
	"github.com/tarkeep/tarkeep/pkg/fingerprint"
	"github.com/tarkeep/tarkeep/pkg/lockfile"
	"github.com/tarkeep/tarkeep/pkg/notify"
	"github.com/tarkeep/tarkeep/pkg/snapshot"
)

func testConfig(target string) config.Config {
	return config.Config{
		Target:      target,
		Retention:   config.RetentionConfig{Daily: 7, Weekly: 4, Monthly: 6},
		Compression: config.CompressionConfig{Format: "tar.gz", Level: "fastest"},
		Space:       config.SpaceConfig{Check: false},
	}
}

func seedSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	for rel, content := range map[string]string{
		"notes.txt":    "alpha",
		"sub/data.bin": "bravo",
	} {
		path := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

func TestBackupLifecycleFullThenIncremental(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()
	recorder := notify.NewMemory()
	runner := New(testConfig(target), recorder)

	if err := runner.ExecuteBackup(context.Background(), src); err != nil {
		t.Fatalf("first backup failed: %v", err)
	}

	archives, err := archive.List(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 {
		t.Fatalf("destination holds %d archives after first run, want 1", len(archives))
	}
	first := archives[0]

	// Verified archive implies a matching fingerprint record.
	if err := fingerprint.Verify(first.Path); err != nil {
		t.Errorf("first archive fails verification: %v", err)
	}

	// Snapshot state must exist now, making the next run incremental.
	state, err := snapshot.Load(target)
	if err != nil || state == nil {
		t.Fatalf("snapshot state missing after first run: %v", err)
	}
	if len(state.Files) != 2 {
		t.Errorf("snapshot tracks %d files, want 2", len(state.Files))
	}

	// Lock must be gone.
	if _, err := os.Stat(filepath.Join(target, lockfile.LockFileName)); !os.IsNotExist(err) {
		t.Error("lock marker still present after a completed run")
	}

	events := recorder.Events()
	if len(events) != 1 || !events[0].Success {
		t.Fatalf("events after first run = %+v, want one success", events)
	}

	// Second run: one changed file, a minute later so the name differs.
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("alpha-2"), 0644); err != nil {
		t.Fatal(err)
	}
	// Archive names have minute granularity; retime the first one into the
	// past so the second run's name cannot collide.
	past := time.Now().Add(-2 * time.Minute)
	renamed := archive.NameForTime(past, archive.TarGz)
	if err := os.Rename(first.Path, filepath.Join(target, renamed)); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(fingerprint.RecordPath(first.Path),
		filepath.Join(target, renamed+fingerprint.RecordSuffix)); err != nil {
		t.Fatal(err)
	}

	if err := runner.ExecuteBackup(context.Background(), src); err != nil {
		t.Fatalf("second backup failed: %v", err)
	}

	archives, err = archive.List(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("destination holds %d archives after second run, want 2", len(archives))
	}
	// Newest first: the incremental archive carries only the changed file.
	entries := archiveEntries(t, archives[0].Path)
	if len(entries) != 1 || entries[0] != "notes.txt" {
		t.Errorf("incremental archive entries = %v, want [notes.txt]", entries)
	}
}

// archiveEntries reads back the entry names of a gzip tar archive.
func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, header.Name)
	}
	return names
}

func TestBackupFailsFastWhenDestinationLocked(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()

	// Plant a live lock marker from a fictitious concurrent run.
	marker, err := json.Marshal(lockfile.LockContent{
		PID:        99999,
		Hostname:   "elsewhere",
		LastUpdate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, lockfile.LockFileName), marker, 0644); err != nil {
		t.Fatal(err)
	}

	runner := New(testConfig(target), notify.NewMemory())
	err = runner.ExecuteBackup(context.Background(), src)

	var lockErr *lockfile.ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ErrLockActive, got %v", err)
	}

	// The blocked run must have no side effects: the destination still holds
	// exactly the foreign lock marker, nothing else (no archives, no
	// writability probe leftovers).
	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != lockfile.LockFileName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("blocked run touched the destination: %v", names)
	}
}

func TestChecksumMismatchSkipsRetentionAndKeepsEvidence(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()
	recorder := notify.NewMemory()

	// Plant an ancient archive that a retention pass under this policy would
	// certainly delete.
	oldTime := time.Now().Add(-90 * 24 * time.Hour)
	oldName := archive.NameForTime(oldTime, archive.TarGz)
	oldPath := filepath.Join(target, oldName)
	if err := os.WriteFile(oldPath, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(target)
	cfg.Retention = config.RetentionConfig{Daily: 1, Weekly: 0, Monthly: 0}
	runner := New(cfg, recorder)

	// Substitute the integrity check: persist the real record, then report a
	// diverged digest, as if the archive corrupted after the record was written.
	runner.verifyFn = func(info archive.Info) error {
		sum, err := fingerprint.Compute(info.Path)
		if err != nil {
			return err
		}
		if err := fingerprint.WriteRecord(info.Path, sum); err != nil {
			return err
		}
		return fmt.Errorf("%w: archive %s digest diverged", fingerprint.ErrMismatch, info.Name)
	}

	err := runner.ExecuteBackup(context.Background(), src)
	if !errors.Is(err, fingerprint.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	// Evidence stays: the suspect archive, its record, and every pre-existing
	// archive retention would otherwise have pruned.
	archives, listErr := archive.List(target)
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(archives) != 2 {
		t.Fatalf("destination holds %d archives after mismatch, want 2 (suspect + old)", len(archives))
	}
	if _, statErr := os.Stat(oldPath); statErr != nil {
		t.Errorf("retention ran despite the mismatch, old archive gone: %v", statErr)
	}
	if _, statErr := os.Stat(fingerprint.RecordPath(archives[0].Path)); statErr != nil {
		t.Errorf("fingerprint record of the suspect archive missing: %v", statErr)
	}

	// The mismatch aborts before the snapshot baseline is updated.
	state, loadErr := snapshot.Load(target)
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if state != nil {
		t.Error("snapshot state saved despite failed verification")
	}

	if _, statErr := os.Stat(filepath.Join(target, lockfile.LockFileName)); !os.IsNotExist(statErr) {
		t.Error("lock marker leaked after the failed run")
	}
	events := recorder.Events()
	if len(events) != 1 || events[0].Success {
		t.Fatalf("events = %+v, want one failure", events)
	}
}

func TestBackupMissingSourceNotifiesFailure(t *testing.T) {
	target := t.TempDir()
	recorder := notify.NewMemory()
	runner := New(testConfig(target), recorder)

	err := runner.ExecuteBackup(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected an error for a missing source")
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].Success {
		t.Fatalf("events = %+v, want one failure", events)
	}
}

func TestBackupPreHookFailureAbortsBeforeCreation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook command uses /bin/sh")
	}
	src := seedSource(t)
	target := t.TempDir()
	recorder := notify.NewMemory()

	cfg := testConfig(target)
	cfg.Hooks.Pre = "false"
	cfg.Hooks.FailFast = true
	runner := New(cfg, recorder)

	if err := runner.ExecuteBackup(context.Background(), src); err == nil {
		t.Fatal("expected the failing pre-hook to abort the run")
	}

	archives, _ := archive.List(target)
	if len(archives) != 0 {
		t.Errorf("aborted run still created archives: %v", archives)
	}
	if _, err := os.Stat(filepath.Join(target, lockfile.LockFileName)); !os.IsNotExist(err) {
		t.Error("lock marker leaked after an aborted run")
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].Success {
		t.Fatalf("events = %+v, want one failure", events)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()
	recorder := notify.NewMemory()

	cfg := testConfig(target)
	cfg.DryRun = true
	runner := New(cfg, recorder)

	if err := runner.ExecuteBackup(context.Background(), src); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run wrote to the destination: %v", entries)
	}
	if events := recorder.Events(); len(events) != 0 {
		t.Errorf("dry run emitted notifications: %+v", events)
	}
}

func TestRestoreRoundTripAndMissingArchive(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()
	runner := New(testConfig(target), notify.NewMemory())

	if err := runner.ExecuteBackup(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	archives, err := runner.ExecuteList()
	if err != nil || len(archives) != 1 {
		t.Fatalf("ExecuteList() = %v, %v", archives, err)
	}

	restoreDir := filepath.Join(t.TempDir(), "restored")
	if err := runner.ExecuteRestore(context.Background(), archives[0].Stem, restoreDir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(restoreDir, "notes.txt"))
	if err != nil || string(data) != "alpha" {
		t.Errorf("restored notes.txt = %q, %v", data, err)
	}

	// A missing archive name fails with ErrNotFound and creates nothing.
	missingTarget := filepath.Join(t.TempDir(), "never-created")
	err = runner.ExecuteRestore(context.Background(), "backup-1999-01-01-0000", missingTarget)
	if !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, statErr := os.Stat(missingTarget); !os.IsNotExist(statErr) {
		t.Error("failed restore created the target directory")
	}
}

func TestBackupRunsRetentionAfterVerification(t *testing.T) {
	src := seedSource(t)
	target := t.TempDir()

	// Plant an ancient archive that no tier will keep once the new run lands.
	oldName := archive.NameForTime(time.Now().Add(-90*24*time.Hour), archive.TarGz)
	oldPath := filepath.Join(target, oldName)
	if err := os.WriteFile(oldPath, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-90 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(target)
	cfg.Retention = config.RetentionConfig{Daily: 1, Weekly: 1, Monthly: 0}
	runner := New(cfg, notify.NewMemory())

	if err := runner.ExecuteBackup(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	archives, err := archive.List(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 {
		t.Fatalf("after rotation %d archives remain, want 1", len(archives))
	}
	if archives[0].Name == oldName {
		t.Error("rotation kept the ancient archive and deleted the new one")
	}
}
