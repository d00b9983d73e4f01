package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/tarkeep/tarkeep/pkg/archive"
	"github.com/tarkeep/tarkeep/pkg/fingerprint"
	"github.com/tarkeep/tarkeep/pkg/snapshot"
)

// plantArchive creates an archive file (plus fingerprint record) whose name
// and modification time place it the given number of days in the past.
func plantArchive(t *testing.T, dir string, ageDays int) string {
	t.Helper()
	ts := time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour)
	name := archive.NameForTime(ts, archive.TarGz)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fingerprint.RecordPath(path), []byte("record"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{path, fingerprint.RecordPath(path)} {
		if err := os.Chtimes(p, ts, ts); err != nil {
			t.Fatal(err)
		}
	}
	return name
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	archives, err := archive.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(archives))
	for _, a := range archives {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

func TestPlanTieredKeepSet(t *testing.T) {
	dir := t.TempDir()
	byAge := map[int]string{}
	for _, age := range []int{1, 10, 29, 40} {
		byAge[age] = plantArchive(t, dir, age)
	}

	archives, err := archive.List(dir)
	if err != nil {
		t.Fatal(err)
	}

	keep, discard := Plan(archives, Policy{Daily: 2, Weekly: 1, Monthly: 1}, time.Now())

	// Daily keeps the two newest; weekly keeps the newest under 28 days
	// (overlapping the daily pick); monthly keeps the newest at or past the
	// boundary. The 40-day archive falls out of every tier.
	for _, age := range []int{1, 10, 29} {
		if !keep[byAge[age]] {
			t.Errorf("archive aged %dd missing from keep set", age)
		}
	}
	if keep[byAge[40]] {
		t.Error("archive aged 40d must not be kept")
	}
	if len(discard) != 1 || discard[0].Name != byAge[40] {
		t.Errorf("discard = %v, want only the 40d archive", discard)
	}
}

func TestPlanToleratesSmallAndEmptySets(t *testing.T) {
	keep, discard := Plan(nil, Policy{Daily: 7, Weekly: 4, Monthly: 6}, time.Now())
	if len(keep) != 0 || len(discard) != 0 {
		t.Errorf("empty input produced keep=%v discard=%v", keep, discard)
	}

	dir := t.TempDir()
	plantArchive(t, dir, 1)
	archives, err := archive.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	keep, discard = Plan(archives, Policy{Daily: 7, Weekly: 4, Monthly: 6}, time.Now())
	if len(keep) != 1 || len(discard) != 0 {
		t.Errorf("single archive under generous policy: keep=%v discard=%v", keep, discard)
	}
}

func TestPlanZeroPolicyDiscardsEverything(t *testing.T) {
	dir := t.TempDir()
	plantArchive(t, dir, 1)
	plantArchive(t, dir, 40)

	archives, err := archive.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	keep, discard := Plan(archives, Policy{}, time.Now())
	if len(keep) != 0 {
		t.Errorf("zero policy kept %v", keep)
	}
	if len(discard) != 2 {
		t.Errorf("zero policy discarded %d archives, want 2", len(discard))
	}
}

func TestApplyDeletesArchiveAndRecord(t *testing.T) {
	dir := t.TempDir()
	kept := plantArchive(t, dir, 1)
	doomed := plantArchive(t, dir, 40)

	// The snapshot state is not an archive and must survive every pass.
	statePath := filepath.Join(dir, snapshot.StateFileName)
	if err := os.WriteFile(statePath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Apply(context.Background(), dir, Policy{Daily: 1}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if _, err := os.Stat(statePath); err != nil {
		t.Errorf("snapshot state deleted by retention: %v", err)
	}

	names := listNames(t, dir)
	if len(names) != 1 || names[0] != kept {
		t.Fatalf("surviving archives = %v, want only %s", names, kept)
	}

	recordPath := filepath.Join(dir, doomed+fingerprint.RecordSuffix)
	if _, err := os.Stat(recordPath); !os.IsNotExist(err) {
		t.Error("fingerprint record of deleted archive survived")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for _, age := range []int{1, 10, 29, 40} {
		plantArchive(t, dir, age)
	}

	policy := Policy{Daily: 2, Weekly: 1, Monthly: 1}
	if err := Apply(context.Background(), dir, policy); err != nil {
		t.Fatal(err)
	}
	afterFirst := listNames(t, dir)

	if err := Apply(context.Background(), dir, policy); err != nil {
		t.Fatal(err)
	}
	afterSecond := listNames(t, dir)

	if len(afterFirst) != len(afterSecond) {
		t.Fatalf("second pass changed the archive set: %v -> %v", afterFirst, afterSecond)
	}
	for i := range afterFirst {
		if afterFirst[i] != afterSecond[i] {
			t.Fatalf("second pass changed the archive set: %v -> %v", afterFirst, afterSecond)
		}
	}
}

func TestApplyMissingDestinationIsNoOp(t *testing.T) {
	if err := Apply(context.Background(), filepath.Join(t.TempDir(), "missing"), Policy{Daily: 1}); err != nil {
		t.Fatalf("Apply() on a missing destination failed: %v", err)
	}
}
