// Package archive is the codec for tarkeep's point-in-time archives: it
// creates compressed tar archives of a source tree (full or incremental
// against a snapshot state), extracts them, and enumerates the archives at a
// destination.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// NamePrefix starts every archive file name.
const NamePrefix = "backup-"

// nameTimeLayout is the minute-granularity timestamp embedded in archive
// names. Lexicographic order of names equals temporal order.
const nameTimeLayout = "2006-01-02-1504"

// Format selects the compression codec.
type Format string

const (
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case string(TarGz):
		return TarGz, nil
	case string(TarZst):
		return TarZst, nil
	default:
		return "", fmt.Errorf("unsupported archive format %q", s)
	}
}

// Level selects the compression effort.
type Level string

const (
	Fastest Level = "fastest"
	Default Level = "default"
	Better  Level = "better"
	Best    Level = "best"
)

// ParseLevel maps a configuration string to a Level; empty means Default.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "":
		return Default, nil
	case string(Fastest), string(Default), string(Better), string(Best):
		return Level(s), nil
	default:
		return "", fmt.Errorf("unsupported compression level %q", s)
	}
}

func (l Level) pgzipLevel() int {
	switch l {
	case Fastest:
		return pgzip.BestSpeed
	case Better:
		return 6 // Good balance
	case Best:
		return pgzip.BestCompression
	default:
		return pgzip.DefaultCompression
	}
}

func (l Level) zstdLevel() zstd.EncoderLevel {
	switch l {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// ErrCreateFailed is returned when archive creation does not complete. No
// partial archive is ever left at the final path.
var ErrCreateFailed = errors.New("archive creation failed")

// ErrNotFound is returned when a named archive does not exist at the destination.
var ErrNotFound = errors.New("backup archive not found")

// ErrExtractFailed is returned when extraction does not complete cleanly.
// Extraction is best-effort: the partially written target is left as-is.
var ErrExtractFailed = errors.New("archive extraction failed")

// Info describes one archive found at the destination.
type Info struct {
	Name    string    // file name, e.g. backup-2024-01-01-1200.tar.gz
	Stem    string    // name without the format extension
	Path    string    // absolute location
	Format  Format    // codec derived from the extension
	Time    time.Time // creation time parsed from the name
	Size    int64     // archive size in bytes
	ModTime time.Time // filesystem modification time
}

// NameForTime builds the archive file name for a run timestamp.
func NameForTime(ts time.Time, format Format) string {
	return NamePrefix + ts.Format(nameTimeLayout) + "." + string(format)
}

// parseName splits an archive file name into stem, format and embedded time.
// It returns false for anything that is not a well-formed archive name.
func parseName(name string) (stem string, format Format, ts time.Time, ok bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return "", "", time.Time{}, false
	}

	for _, f := range []Format{TarGz, TarZst} {
		suffix := "." + string(f)
		if strings.HasSuffix(name, suffix) {
			stem = strings.TrimSuffix(name, suffix)
			ts, err := time.ParseInLocation(nameTimeLayout, strings.TrimPrefix(stem, NamePrefix), time.Local)
			if err != nil {
				return "", "", time.Time{}, false
			}
			return stem, f, ts, true
		}
	}
	return "", "", time.Time{}, false
}

// List enumerates the well-formed archives at dirPath, newest first by
// embedded timestamp (name order breaks ties). Fingerprint records, the
// snapshot state, logs and the lock marker are not archives and are skipped.
// A missing destination yields an empty list, not an error.
func List(dirPath string) ([]Info, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read destination %s: %w", dirPath, err)
	}

	var archives []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem, format, ts, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, Info{
			Name:    entry.Name(),
			Stem:    stem,
			Path:    filepath.Join(dirPath, entry.Name()),
			Format:  format,
			Time:    ts,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if !archives[i].Time.Equal(archives[j].Time) {
			return archives[i].Time.After(archives[j].Time)
		}
		return archives[i].Name > archives[j].Name
	})
	return archives, nil
}

// Find resolves an archive by name at the destination. The name may be given
// with or without the format extension. It returns ErrNotFound when no
// archive matches.
func Find(dirPath, name string) (Info, error) {
	archives, err := List(dirPath)
	if err != nil {
		return Info{}, err
	}
	for _, a := range archives {
		if a.Name == name || a.Stem == name {
			return a, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s in %s", ErrNotFound, name, dirPath)
}
