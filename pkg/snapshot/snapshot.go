// Package snapshot persists the incremental-backup state of a destination.
//
// The state file records, per source file, the size and modification time
// captured by the last successful backup. Its absence forces the next run to
// produce a full archive (and create the state as a side effect); its
// presence makes the next run incremental. Retention never deletes it.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tarkeep/tarkeep/pkg/util"
)

// StateFileName is the name of the snapshot state file at the destination.
const StateFileName = "tarkeep.snapshot.json"

// stateVersion guards the on-disk format.
const stateVersion = "1"

// FileState is the captured state of one source file.
type FileState struct {
	Size       int64     `json:"size"`
	ModTimeUTC time.Time `json:"modTimeUTC"`
}

// State maps normalized relative paths to their captured file state.
type State struct {
	Version    string               `json:"version"`
	UpdatedUTC time.Time            `json:"updatedUTC"`
	Files      map[string]FileState `json:"files"`
}

// NewState returns an empty state, used for the first run per destination.
func NewState() *State {
	return &State{
		Version: stateVersion,
		Files:   make(map[string]FileState),
	}
}

// Changed reports whether the file at relPathKey differs from the captured
// state (or was never captured). A changed size or a modification time
// outside a one-second window counts as changed; the window absorbs
// filesystems with coarse mtime resolution.
func (s *State) Changed(relPathKey string, info os.FileInfo) bool {
	prev, ok := s.Files[relPathKey]
	if !ok {
		return true
	}
	if prev.Size != info.Size() {
		return true
	}
	delta := info.ModTime().UTC().Sub(prev.ModTimeUTC)
	if delta < 0 {
		delta = -delta
	}
	return delta > time.Second
}

// Capture records the current state of the file at relPathKey.
func (s *State) Capture(relPathKey string, info os.FileInfo) {
	s.Files[relPathKey] = FileState{
		Size:       info.Size(),
		ModTimeUTC: info.ModTime().UTC(),
	}
}

// Load reads the snapshot state from the destination directory.
// A missing state file returns (nil, nil): the caller degrades to a full run.
func Load(dirPath string) (*State, error) {
	path := filepath.Join(dirPath, StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read snapshot state %s: %w", path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse snapshot state %s: %w. It may be corrupt", path, err)
	}
	if s.Files == nil {
		s.Files = make(map[string]FileState)
	}
	return &s, nil
}

// Save writes the state atomically (temp file + rename) into the destination
// directory, so a crash mid-write never leaves a truncated state behind.
func Save(dirPath string, s *State) error {
	s.Version = stateVersion
	s.UpdatedUTC = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal snapshot state: %w", err)
	}

	tmpF, err := os.CreateTemp(dirPath, StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp snapshot state: %w", err)
	}
	tmpPath := tmpF.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmpF.Write(data); err != nil {
		tmpF.Close()
		return fmt.Errorf("could not write snapshot state: %w", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dirPath, StateFileName)); err != nil {
		return fmt.Errorf("could not replace snapshot state: %w", err)
	}
	if err := os.Chmod(filepath.Join(dirPath, StateFileName), util.UserWritableFilePerms); err != nil {
		return err
	}
	return nil
}
