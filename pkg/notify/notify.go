// Package notify records run outcomes on a notification channel.
//
// The channel is deliberately a stub: events are appended to a local file so
// an operator (or a wrapper script) can tail it. Notification failures are
// logged but never fail the run that produced them.
package notify

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tarkeep/tarkeep/pkg/plog"
)

// Event is a single success or failure notification.
type Event struct {
	Time    time.Time
	Success bool
	Subject string
	Detail  string
}

// Line renders the event in the append-only sink format.
func (e Event) Line() string {
	status := "OK"
	if !e.Success {
		status = "FAIL"
	}
	return fmt.Sprintf("%s %s %s: %s\n", e.Time.UTC().Format(time.RFC3339), status, e.Subject, e.Detail)
}

// Notifier receives success/failure events from the orchestrator.
type Notifier interface {
	Success(subject, detail string)
	Failure(subject, detail string)
}

// FileNotifier appends events to a notification file.
type FileNotifier struct {
	path string
	mu   sync.Mutex
}

// Statically assert that *FileNotifier implements the Notifier interface.
var _ Notifier = (*FileNotifier)(nil)

// NewFileNotifier creates a notifier appending to the given path.
func NewFileNotifier(path string) *FileNotifier {
	return &FileNotifier{path: path}
}

// Success records a success event.
func (n *FileNotifier) Success(subject, detail string) {
	n.append(Event{Time: time.Now(), Success: true, Subject: subject, Detail: detail})
}

// Failure records a failure event.
func (n *FileNotifier) Failure(subject, detail string) {
	n.append(Event{Time: time.Now(), Success: false, Subject: subject, Detail: detail})
}

func (n *FileNotifier) append(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		plog.Warn("Failed to open notification sink", "path", n.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(e.Line()); err != nil {
		plog.Warn("Failed to append notification", "path", n.path, "error", err)
	}
}

// Memory records events in memory. It is the Notifier used by tests and by
// dry runs, where nothing may touch the filesystem.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

var _ Notifier = (*Memory)(nil)

// NewMemory creates an in-memory event recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Success records a success event.
func (m *Memory) Success(subject, detail string) {
	m.record(Event{Time: time.Now(), Success: true, Subject: subject, Detail: detail})
}

// Failure records a failure event.
func (m *Memory) Failure(subject, detail string) {
	m.record(Event{Time: time.Now(), Success: false, Subject: subject, Detail: detail})
}

func (m *Memory) record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events in order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
