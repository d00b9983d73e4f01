package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckSourceAccessible(t *testing.T) {
	dir := t.TempDir()
	if err := CheckSourceAccessible(dir); err != nil {
		t.Fatalf("existing directory rejected: %v", err)
	}

	err := CheckSourceAccessible(filepath.Join(dir, "missing"))
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	err = CheckSourceAccessible(file)
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound for a plain file, got %v", err)
	}
}

func TestCheckTargetWritableCreatesDirectory(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "backups")
	if err := CheckTargetWritable(target); err != nil {
		t.Fatalf("CheckTargetWritable() failed: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		t.Fatalf("target not created as directory: %v", err)
	}

	// The write probe must not survive.
	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestSourceSize(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b"), make([]byte, 50), 0644); err != nil {
		t.Fatal(err)
	}

	size, err := SourceSize(src)
	if err != nil {
		t.Fatalf("SourceSize() failed: %v", err)
	}
	if size != 150 {
		t.Errorf("SourceSize() = %d, want 150", size)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	target := t.TempDir()

	// A zero requirement always passes.
	if err := CheckFreeSpace(target, 0); err != nil {
		t.Fatalf("zero-byte requirement rejected: %v", err)
	}

	// An absurd requirement must trip the sentinel.
	err := CheckFreeSpace(target, 1<<62)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}
