// Package plog is the structured logger used throughout pglb. It wraps
// log/slog with a fifth level (NOTICE, between DEBUG and INFO) for
// noteworthy lifecycle events, and splits output across two streams:
// INFO and below to stdout, WARN and above to stderr.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Custom slog levels. slog predefines Debug(-4), Info(0), Warn(4), Error(8);
// Notice sits between Debug and Info: a run's lifecycle events (file
// copied, run started, destination pruned) stay visible even when the
// logger is quieted down from Info, without paying Debug's full verbosity.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

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

var defaultLogger *slog.Logger
var minLevel atomic.Int64 // holds a slog.Level, guards every log call

// replaceLevelName renders our custom NOTICE level with its name instead of
// slog's default "DEBUG+2".
func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

func newHandlers(w io.Writer) (stdout, stderr slog.Handler) {
	opts := &slog.HandlerOptions{Level: LevelDebug, ReplaceAttr: replaceLevelName}
	if w != nil {
		h := slog.NewTextHandler(w, opts)
		return h, h
	}
	return slog.NewTextHandler(os.Stdout, opts), slog.NewTextHandler(os.Stderr, opts)
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// It resets the minimum level to Info, matching a freshly started process.
func SetOutput(w io.Writer) {
	minLevel.Store(int64(LevelInfo))
	stdout, stderr := newHandlers(w)
	defaultLogger = slog.New(&LevelDispatchHandler{stdoutHandler: stdout, stderrHandler: stderr})
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, only WARN and above are emitted.
func SetQuiet(quiet bool) {
	if quiet {
		minLevel.Store(int64(LevelWarn))
		return
	}
	minLevel.Store(int64(LevelInfo))
}

// IsQuiet returns true if the global logger is currently suppressing
// INFO-and-below output.
func IsQuiet() bool {
	return slog.Level(minLevel.Load()) >= LevelWarn
}

// SetLevel configures the minimum level the logger will emit. Accepts either
// one of the Level constants or the config file's log-level name: "debug",
// "notice", "info", "warn", or "error".
func SetLevel(level any) {
	switch v := level.(type) {
	case slog.Level:
		minLevel.Store(int64(v))
	case string:
		switch v {
		case "debug":
			minLevel.Store(int64(LevelDebug))
		case "notice":
			minLevel.Store(int64(LevelNotice))
		case "warn":
			minLevel.Store(int64(LevelWarn))
		case "error":
			minLevel.Store(int64(LevelError))
		default:
			minLevel.Store(int64(LevelInfo))
		}
	}
}

func init() {
	SetOutput(nil)
}

func enabled(level slog.Level) bool {
	return level >= slog.Level(minLevel.Load())
}

// Debug logs a debug message. Suppressed unless the level is Debug.
func Debug(msg string, args ...any) {
	if !enabled(LevelDebug) {
		return
	}
	defaultLogger.Log(context.Background(), LevelDebug, msg, args...)
}

// Notice logs a noteworthy lifecycle event (file copied, run started, a
// destination pruned). Sits between Debug and Info.
func Notice(msg string, args ...any) {
	if !enabled(LevelNotice) {
		return
	}
	defaultLogger.Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if !enabled(LevelInfo) {
		return
	}
	defaultLogger.Log(context.Background(), LevelInfo, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	if !enabled(LevelWarn) {
		return
	}
	defaultLogger.Log(context.Background(), LevelWarn, msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	if !enabled(LevelError) {
		return
	}
	defaultLogger.Log(context.Background(), LevelError, msg, args...)
}
