// Package lockfile enforces single-writer discipline over a backup
// destination. The lock is an advisory marker file: its presence means a run
// is active, and a second run fails immediately instead of queuing.
//
// A marker left behind by a crashed run is recovered through a staleness
// check: while a run is active a background heartbeat refreshes the marker's
// timestamp, and an acquirer finding a marker older than the stale timeout
// takes it over atomically.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// LockFileName is the name of the lock marker created in the destination
// directory. The '~' prefix marks it as transient.
const LockFileName = ".~tarkeep.lock"

// LockContent is the JSON body of the marker, identifying the holder.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Used for takeover race resolution
}

// ErrLockActive is returned when the destination is locked by a live run.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("another backup run is active: held by PID %d on host '%s', last updated %s ago",
		e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when a stale-marker takeover is won by another process.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the marker on disk is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock represents a held destination lock.
type Lock struct {
	path    string
	content LockContent
	// ctx/cancel stop the background heartbeat goroutine; done is closed
	// when it has exited.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	held   bool // guards against double release
}

// Vars so tests can shrink the timing.
var (
	heartbeatInterval = 30 * time.Second
	// staleTimeout is a multiple of the heartbeat so a paused but live run
	// is not mistaken for a dead one.
	staleTimeout = 6 * heartbeatInterval
)

// Acquire attempts to lock the destination directory.
// It returns (nil, *ErrLockActive) when another run holds the lock, and never
// blocks waiting for release.
func Acquire(ctx context.Context, dirPath string) (*Lock, error) {
	absLockPath := filepath.Join(dirPath, LockFileName)
	// Retry a few times to ride out takeover races.
	const maxAttempts = 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Fast path: atomic exclusive creation.
		lock, err := tryAcquire(absLockPath)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// Marker exists. Decide live vs stale.
		content, readErr := readContentSafely(absLockPath)
		if readErr != nil {
			if !errors.Is(readErr, ErrCorruptLockFile) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			plog.Warn("Found corrupt lock file, treating as stale", "path", absLockPath)
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed.Truncate(time.Second))
		}

		lock, takeoverErr := takeoverStaleLock(absLockPath)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Lock takeover failed, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// tryAcquire creates the marker with O_EXCL, guaranteeing a single creator.
func tryAcquire(absLockPath string) (*Lock, error) {
	f, err := os.OpenFile(absLockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent()
	if err != nil {
		return nil, err
	}

	l := newLock(absLockPath, content)
	if err := writeContent(f, content); err != nil {
		// Don't leave the empty marker behind.
		l.removeMarker()
		return nil, err
	}
	return l, nil
}

func newContent() (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
	}, nil
}

func newLock(absLockPath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockPath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		held:    true,
	}
}

// Release stops the heartbeat and removes the marker. It is idempotent and
// must run on every exit path, including failures.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	// Wait for the heartbeat to exit before removing the marker, so an
	// in-flight refresh cannot rename a fresh marker back into place.
	<-l.done
	l.removeMarker()
	l.held = false
}

// takeoverStaleLock seizes a stale or corrupt marker with an atomic rename,
// then reads it back to verify this process actually won.
func takeoverStaleLock(absLockPath string) (*Lock, error) {
	content, err := newContent()
	if err != nil {
		return nil, err
	}

	if err := updateMarkerAtomic(absLockPath, content); err != nil {
		return nil, err
	}

	readback, err := readContentSafely(absLockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID == content.PID && readback.Nonce == content.Nonce {
		plog.Debug("Successfully took over stale lock")
		return newLock(absLockPath, content), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) removeMarker() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateMarkerAtomic(l.path, l.content); err != nil {
				// Try again next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateMarkerAtomic writes content to a temp file in the same directory and
// renames it over the marker, so the marker is never observed empty.
func updateMarkerAtomic(absLockPath string, content LockContent) error {
	dir := filepath.Dir(absLockPath)
	tmpF, err := os.CreateTemp(dir, filepath.Base(absLockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Expected to fail with not-exist after a successful rename.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), absLockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func writeContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readContentSafely reads the marker, retrying through the transient empty or
// partial states that occur mid-update.
func readContentSafely(absLockPath string) (LockContent, error) {
	var lastErr error
	var lastCorruptErr error

	for range 3 {
		data, err := os.ReadFile(absLockPath)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if lastCorruptErr = json.Unmarshal(data, &content); lastCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
