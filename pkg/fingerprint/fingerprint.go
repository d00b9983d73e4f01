// Package fingerprint computes and verifies SHA-256 records for archives.
//
// Each archive owns a sibling record file, <archive>.sha256, written in the
// sha256sum format ("<hex>  <name>"). The record exists if and only if the
// archive passed creation; an archive whose recomputed digest diverges from
// its record is corrupt.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tarkeep/tarkeep/pkg/util"
)

// RecordSuffix is appended to the archive file name to form the record name.
const RecordSuffix = ".sha256"

// ErrRecordWrite is returned when the fingerprint record cannot be persisted.
// Verification is never attempted against a record that failed to write.
var ErrRecordWrite = errors.New("failed to write fingerprint record")

// ErrMismatch is returned when an archive's recomputed digest diverges from
// its stored record.
var ErrMismatch = errors.New("fingerprint mismatch")

// RecordPath returns the record file path for an archive path.
func RecordPath(archivePath string) string {
	return archivePath + RecordSuffix
}

// IsRecord reports whether name looks like a fingerprint record file.
func IsRecord(name string) bool {
	return strings.HasSuffix(name, RecordSuffix)
}

// Compute streams the file at path through SHA-256 and returns the hex digest.
func Compute(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteRecord persists the digest for archivePath atomically. Failures are
// wrapped in ErrRecordWrite so callers can map them to the right exit path.
func WriteRecord(archivePath, sum string) error {
	recordPath := RecordPath(archivePath)
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(archivePath))

	dir := filepath.Dir(recordPath)
	tmpF, err := os.CreateTemp(dir, filepath.Base(recordPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	tmpPath := tmpF.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmpF.WriteString(line); err != nil {
		tmpF.Close()
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	if err := os.Rename(tmpPath, recordPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	if err := os.Chmod(recordPath, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	return nil
}

// ReadRecord parses the stored digest for archivePath.
func ReadRecord(archivePath string) (string, error) {
	recordPath := RecordPath(archivePath)
	data, err := os.ReadFile(recordPath)
	if err != nil {
		return "", fmt.Errorf("read fingerprint record %s: %w", recordPath, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 1 || len(fields[0]) != sha256.Size*2 {
		return "", fmt.Errorf("malformed fingerprint record %s", recordPath)
	}
	return strings.ToLower(fields[0]), nil
}

// Verify independently recomputes the archive's digest and compares it to the
// stored record. This second pass exists to catch write-path corruption
// (truncated writes, silent I/O errors) that a single computation cannot see.
func Verify(archivePath string) error {
	want, err := ReadRecord(archivePath)
	if err != nil {
		return err
	}

	got, err := Compute(archivePath)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: archive %s has digest %s, record says %s",
			ErrMismatch, filepath.Base(archivePath), got, want)
	}
	return nil
}
