// Package preflight runs the validation pass before a backup touches the
// filesystem. The checks are ordered cheapest-first and, except for target
// directory creation, change no state.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// ErrSourceNotFound is returned when the configured source directory does not
// exist or is not a directory.
var ErrSourceNotFound = errors.New("backup source not found")

// ErrInsufficientSpace is returned when the destination volume reports less
// free space than the source tree occupies.
var ErrInsufficientSpace = errors.New("insufficient free space at destination")

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, srcPath)
	}
	return nil
}

// CheckTargetWritable ensures the destination directory exists and is writable
// by creating it if needed and probing with a temporary file.
func CheckTargetWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	probe := filepath.Join(targetPath, ".tarkeep-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// SourceSize walks the source tree and sums the regular file sizes. The sum is
// a conservative bound for the space check: compression only shrinks it, and
// exclusions only remove from it.
func SourceSize(srcPath string) (int64, error) {
	var total int64
	err := filepath.WalkDir(srcPath, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to size source tree %s: %w", srcPath, err)
	}
	return total, nil
}

// CheckFreeSpace compares the destination volume's available space against
// requiredBytes. When the platform cannot report free space the check degrades
// to a warning instead of blocking the backup.
func CheckFreeSpace(targetPath string, requiredBytes int64) error {
	free, err := freeSpace(targetPath)
	if err != nil {
		plog.Warn("Could not determine free space at destination, skipping check",
			"target", targetPath, "error", err)
		return nil
	}

	if free < uint64(requiredBytes) {
		return fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientSpace, util.FormatBytes(requiredBytes), util.FormatBytes(int64(free)))
	}

	plog.Debug("Free space check passed",
		"required", util.FormatBytes(requiredBytes), "available", util.FormatBytes(int64(free)))
	return nil
}
