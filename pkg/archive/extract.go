package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// Extract unpacks the archive described by info into targetDir, creating the
// directory if needed. Extraction is best-effort: on failure the partially
// written target is left in place for inspection, and the error is wrapped in
// ErrExtractFailed.
func Extract(ctx context.Context, info Info, targetDir string) error {
	if err := extract(ctx, info, targetDir); err != nil {
		return fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	return nil
}

func extract(ctx context.Context, info Info, targetDir string) error {
	if err := os.MkdirAll(targetDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create restore target %s: %w", targetDir, err)
	}

	srcF, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", info.Path, err)
	}
	defer srcF.Close()

	bufReader := bufio.NewReaderSize(srcF, ioBufferSize)

	var decompressedReader io.Reader
	switch info.Format {
	case TarZst:
		zr, err := zstd.NewReader(bufReader)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		decompressedReader = zr
	case TarGz:
		gz, err := pgzip.NewReader(bufReader)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		decompressedReader = gz
	default:
		return fmt.Errorf("unsupported archive format %q", info.Format)
	}

	tr := tar.NewReader(decompressedReader)
	copyBuf := make([]byte, ioBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		absTarget, err := safeJoin(targetDir, header.Name)
		if err != nil {
			return err
		}

		if err := writeEntry(tr, header, absTarget, copyBuf); err != nil {
			return err
		}
	}
}

// safeJoin resolves an entry name under targetDir and rejects anything that
// would escape it (zip-slip).
func safeJoin(targetDir, name string) (string, error) {
	cleanTarget := filepath.Clean(targetDir)
	absTarget := filepath.Join(cleanTarget, util.DenormalizePath(name))
	if absTarget != cleanTarget && !strings.HasPrefix(absTarget, cleanTarget+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal entry path %q escapes restore target", name)
	}
	return absTarget, nil
}

func writeEntry(tr *tar.Reader, header *tar.Header, absTarget string, copyBuf []byte) error {
	// Archives never carry SUID/SGID bits into a restore.
	mode := header.FileInfo().Mode() & ^(os.ModeSetuid | os.ModeSetgid)

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(absTarget, mode.Perm()|0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", absTarget, err)
		}
		return nil

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create parent for %s: %w", absTarget, err)
		}
		// Replace whatever is there so a pre-existing entry can't redirect
		// the restore.
		if err := os.Remove(absTarget); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", absTarget, err)
		}
		if err := os.Symlink(header.Linkname, absTarget); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", absTarget, err)
		}
		return nil

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create parent for %s: %w", absTarget, err)
		}
		// Remove first so an existing symlink at this path cannot intercept
		// the write and smuggle content outside the target.
		if err := os.Remove(absTarget); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", absTarget, err)
		}
		f, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", absTarget, err)
		}
		if _, err := io.CopyBuffer(f, tr, copyBuf); err != nil {
			f.Close()
			return fmt.Errorf("failed to write file %s: %w", absTarget, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close file %s: %w", absTarget, err)
		}
		if err := os.Chtimes(absTarget, header.AccessTime, header.ModTime); err != nil {
			plog.Warn("Failed to restore file times", "file", absTarget, "error", err)
		}
		return nil

	default:
		plog.Warn("Skipping unsupported tar entry type", "file", header.Name, "type", header.Typeflag)
		return nil
	}
}
