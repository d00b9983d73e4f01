package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/snapshot"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// ioBufferSize is the write buffer in front of the compressor.
const ioBufferSize = 256 * 1024

// CreateOptions configures one archive creation.
type CreateOptions struct {
	Format  Format
	Level   Level
	Exclude []string
}

// CreateResult reports what a successful creation produced.
type CreateResult struct {
	Info       Info
	Full       bool // true when no snapshot state existed and a full archive was made
	FilesAdded int
	FilesSeen  int
	// State is the refreshed snapshot state covering every file seen in this
	// run. The caller persists it after verification.
	State *snapshot.State
}

// Create produces exactly one archive of srcPath in destDir, named from ts at
// minute granularity. When prevState is nil the archive is full and a fresh
// state is built; otherwise only files that changed against prevState are
// included. The archive is streamed into a temp file and renamed into place,
// so a failed creation never leaves a partial archive at the final name.
//
// Create does not persist the snapshot state; the refreshed state is handed
// back so the orchestrator can defer the write until after verification.
func Create(ctx context.Context, srcPath, destDir string, ts time.Time, prevState *snapshot.State, opts CreateOptions) (CreateResult, error) {
	res, err := create(ctx, srcPath, destDir, ts, prevState, opts)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return res, nil
}

func create(ctx context.Context, srcPath, destDir string, ts time.Time, prevState *snapshot.State, opts CreateOptions) (_ CreateResult, retErr error) {
	full := prevState == nil
	excludes := newExclusionSet(opts.Exclude)
	nextState := snapshot.NewState()

	name := NameForTime(ts, opts.Format)
	finalPath := filepath.Join(destDir, name)

	trgF, err := os.CreateTemp(destDir, "tarkeep-*.tmp")
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempPath := trgF.Name()
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempPath)
		}
	}()

	seen, added, err := writeArchive(ctx, trgF, srcPath, full, prevState, nextState, excludes, opts)
	if err != nil {
		return CreateResult{}, err
	}

	if err := trgF.Sync(); err != nil {
		return CreateResult{}, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := trgF.Close(); err != nil {
		return CreateResult{}, fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return CreateResult{}, fmt.Errorf("failed to rename temp archive into place: %w", err)
	}
	if err := os.Chmod(finalPath, util.UserWritableFilePerms); err != nil {
		return CreateResult{}, err
	}

	stat, err := os.Stat(finalPath)
	if err != nil {
		return CreateResult{}, err
	}
	stem, format, parsedTime, _ := parseName(name)

	return CreateResult{
		Info: Info{
			Name:    name,
			Stem:    stem,
			Path:    finalPath,
			Format:  format,
			Time:    parsedTime,
			Size:    stat.Size(),
			ModTime: stat.ModTime(),
		},
		Full:       full,
		FilesAdded: added,
		FilesSeen:  seen,
		State:      nextState,
	}, nil
}

// writeArchive streams the selected source files as a compressed tar into w.
func writeArchive(ctx context.Context, w io.Writer, srcPath string, full bool, prevState, nextState *snapshot.State, excludes exclusionSet, opts CreateOptions) (seen, added int, retErr error) {
	bufWriter := bufio.NewWriterSize(w, ioBufferSize)

	var compressedWriter io.WriteCloser
	if opts.Format == TarZst {
		zw, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(opts.Level.zstdLevel()))
		if err != nil {
			return 0, 0, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	} else {
		gz, err := pgzip.NewWriterLevel(bufWriter, opts.Level.pgzipLevel())
		if err != nil {
			return 0, 0, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = gz
	}

	tw := tar.NewWriter(compressedWriter)
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	copyBuf := make([]byte, ioBufferSize)

	walkErr := filepath.WalkDir(srcPath, func(absPath string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			return walkErr
		}
		if absPath == srcPath {
			return nil
		}

		relPath, err := filepath.Rel(srcPath, absPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absPath, err)
		}
		relPathKey := util.NormalizePath(relPath)

		if d.IsDir() {
			if excludes.matches(relPathKey) {
				plog.Notice("SKIP", "dir", relPathKey)
				return filepath.SkipDir
			}
			return nil
		}
		if excludes.matches(relPathKey) {
			plog.Notice("SKIP", "file", relPathKey)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absPath, err)
		}
		seen++
		nextState.Capture(relPathKey, info)

		if !full && !prevState.Changed(relPathKey, info) {
			return nil
		}

		plog.Notice("ADD", "file", relPathKey)
		if info.Mode()&os.ModeSymlink != 0 {
			if err := writeSymlink(tw, absPath, relPathKey, info); err != nil {
				return err
			}
		} else if info.Mode().IsRegular() {
			if err := writeFile(tw, absPath, relPathKey, info, copyBuf); err != nil {
				return err
			}
		} else {
			// Sockets, devices and the like don't belong in a backup archive.
			plog.Warn("Skipping unsupported file type", "file", relPathKey, "mode", info.Mode().String())
		}
		added++
		return nil
	})
	if walkErr != nil {
		return seen, added, walkErr
	}
	return seen, added, nil
}

func writeSymlink(tw *tar.Writer, absPath, relPathKey string, info os.FileInfo) error {
	linkTarget, err := os.Readlink(absPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", absPath, err)
	}
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", relPathKey, err)
	}
	header.Name = relPathKey
	return tw.WriteHeader(header)
}

func writeFile(tw *tar.Writer, absPath, relPathKey string, info os.FileInfo, copyBuf []byte) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absPath, err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", relPathKey, err)
	}
	header.Name = relPathKey

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", relPathKey, err)
	}
	if _, err := io.CopyBuffer(tw, f, copyBuf); err != nil {
		return fmt.Errorf("failed to write file %s: %w", relPathKey, err)
	}
	return nil
}
