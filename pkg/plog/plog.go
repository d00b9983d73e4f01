// Package plog provides the global, leveled logger for tarkeep.
//
// It wraps log/slog with a custom NOTICE level (between DEBUG and INFO) used
// for per-file progress output, dispatches records by severity (INFO and below
// to stdout, WARN and above to stderr), and can tee every record into an
// append-only event log file at the backup destination.
package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LevelNotice sits between DEBUG and INFO. It carries verbose operational
// detail (per-file adds, per-archive deletes) that is suppressed by default.
const LevelNotice = slog.Level(-2)

var levelNames = map[slog.Leveler]string{
	LevelNotice: "NOTICE",
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// teeHandler fans a record out to the console handler and, when configured,
// the event log file handler. A file sink failure must never fail the run,
// so file handler errors are swallowed.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.console.Enabled(ctx, level) {
		return true
	}
	return h.file != nil && h.file.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	// Quiet mode silences the console below WARN, but never the event log:
	// a quiet run must still leave its audit trail.
	if h.console.Enabled(ctx, r.Level) && !(quietMode.Load() && r.Level < slog.LevelWarn) {
		err = h.console.Handle(ctx, r.Clone())
	}
	if h.file != nil && h.file.Enabled(ctx, r.Level) {
		_ = h.file.Handle(ctx, r.Clone())
	}
	return err
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	t := &teeHandler{console: h.console.WithAttrs(attrs)}
	if h.file != nil {
		t.file = h.file.WithAttrs(attrs)
	}
	return t
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	t := &teeHandler{console: h.console.WithGroup(name)}
	if h.file != nil {
		t.file = h.file.WithGroup(name)
	}
	return t
}

var (
	mu            sync.Mutex
	defaultLogger atomic.Pointer[slog.Logger]
	levelVar      = new(slog.LevelVar) // console level, runtime adjustable
	fileSink      *os.File
	quietMode     atomic.Bool // Use an atomic bool for safe concurrent reads.
)

func init() {
	levelVar.Set(slog.LevelInfo)
	rebuild()
}

// handlerOptions renames the custom NOTICE level so records don't print as "INFO-2".
func handlerOptions(level slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := a.Value.Any().(slog.Level)
				if name, ok := levelNames[lvl]; ok {
					a.Value = slog.StringValue(name)
				}
			}
			return a
		},
	}
}

// rebuild reconstructs the logger from the current sink state. Callers hold mu.
func rebuild() {
	console := &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(os.Stdout, handlerOptions(levelVar)),
		stderrHandler: slog.NewTextHandler(os.Stderr, handlerOptions(slog.LevelWarn)),
	}

	tee := &teeHandler{console: console}
	if fileSink != nil {
		// The event log always records INFO and above, independent of the
		// console level, so a quiet console still leaves an audit trail.
		tee.file = slog.NewTextHandler(fileSink, handlerOptions(slog.LevelInfo))
	}
	defaultLogger.Store(slog.New(tee))
}

// SetLevel adjusts the console log level at runtime.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// LevelFromString maps a configuration string to a slog level.
// Unknown values fall back to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return LevelNotice
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetFileSink opens path in append-only mode and tees all INFO+ records into
// it. Passing an empty path removes the sink. The previous sink, if any, is
// closed.
func SetFileSink(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
	}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open event log %s: %w", path, err)
		}
		fileSink = f
	}

	rebuild()
	return nil
}

// CloseFileSink flushes and detaches the event log file.
func CloseFileSink() {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
		rebuild()
	}
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	defaultLogger.Store(slog.New(&teeHandler{
		console: slog.NewTextHandler(w, handlerOptions(levelVar)),
	}))
}

// SetQuiet enables or disables quiet mode. In quiet mode console records
// below WARN are suppressed; the event log file sink is unaffected.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Load().Debug(msg, args...)
}

// Notice logs verbose operational detail at the NOTICE level.
func Notice(msg string, args ...any) {
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Load().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
