// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// LevelTrace sits below slog.LevelDebug for very chatty diagnostics
// (per-event streaming, SQL timing).
const LevelTrace = slog.LevelDebug - 4

// LevelFatal sits above slog.LevelError; used for unrecoverable startup errors.
const LevelFatal = slog.LevelError + 4

// Setup installs the default slog logger for the given level name.
// Unknown names fall back to info. "silent" discards all output.
func Setup(level string) {
	if level == "silent" {
		slog.SetDefault(slog.New(discardHandler{}))
		return
	}

	var lvl slog.Level
	switch level {
	case "trace":
		lvl = LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "fatal":
		lvl = LevelFatal
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
