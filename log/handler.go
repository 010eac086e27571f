package log

import (
	"context"
	"io"
	"log/slog"
)

const moduleKey = "module"

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// replaceLevel renders the custom trace/crit levels by name instead of DEBUG-4/ERROR+4.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok {
		a.Value = slog.StringValue(LevelAlignedString(lvl))
	}
	return a
}

// NewTerminalHandlerWithLevel returns a human readable handler writing to wr.
// Source locations are included when addSource is set.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, addSource bool) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: replaceLevel,
	})
}

// NewJSONHandlerWithLevel returns a handler emitting one JSON object per record.
func NewJSONHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(wr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	})
}
