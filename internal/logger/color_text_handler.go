package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler to prefix messages with an
// ANSI-colored level tag. Suited for interactive terminals; use the
// text or json formats when piping output elsewhere.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is
// false the time attribute is stripped from each record.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	if !showTime {
		merged := slog.HandlerOptions{}
		if opts != nil {
			merged = *opts
		}
		prev := merged.ReplaceAttr
		merged.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if prev != nil {
				return prev(groups, a)
			}
			return a
		}
		opts = &merged
	}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch r.Level {
	case slog.LevelDebug:
		colorCode = "\033[36m" // Cyan
	case slog.LevelInfo:
		colorCode = "\033[32m" // Green
	case slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case slog.LevelError:
		colorCode = "\033[31m" // Red
	default:
		colorCode = "\033[0m" // Reset/default
	}

	r.Message = colorCode + r.Level.String() + "\033[0m  " + r.Message

	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler without losing the color wrapper.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if th, ok := h.TextHandler.WithAttrs(attrs).(*slog.TextHandler); ok {
		return &ColorTextHandler{TextHandler: th, showTime: h.showTime}
	}
	return h.TextHandler.WithAttrs(attrs)
}

// WithGroup implements slog.Handler without losing the color wrapper.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if th, ok := h.TextHandler.WithGroup(name).(*slog.TextHandler); ok {
		return &ColorTextHandler{TextHandler: th, showTime: h.showTime}
	}
	return h.TextHandler.WithGroup(name)
}
