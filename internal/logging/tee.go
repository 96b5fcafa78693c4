package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// Entry is the copy of a log record handed to a tee callback.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Group   string            `json:"group,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// EntryCallback is invoked for each record at or above the tee threshold.
type EntryCallback func(Entry)

// TeeHandler wraps a base [slog.Handler] and tees records at or above minLevel
// to a callback. All records are forwarded to the base handler regardless of
// level; only the callback invocation is gated by minLevel.
type TeeHandler struct {
	base     slog.Handler
	callback EntryCallback
	minLevel slog.Level
	group    string      // accumulated dot-separated slog group name
	attrs    []slog.Attr // attributes bound with WithAttrs, copied into each Entry
}

// NewTeeHandler creates a TeeHandler that delegates to base and invokes callback
// for every record whose level is >= minLevel.
//
// Passing a nil callback is safe; the handler then only delegates to base.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{
		base:     base,
		callback: callback,
		minLevel: minLevel,
	}
}

// Enabled defers to the base handler. The tee threshold does not affect visibility.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record to the base handler, then invokes the callback if
// the record's level meets minLevel. The callback runs even when the base
// handler fails, and a panicking callback never breaks logging.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.callback != nil && record.Level >= h.minLevel {
		entry := Entry{
			Time:    record.Time,
			Level:   record.Level.String(),
			Message: record.Message,
			Group:   h.group,
		}
		if n := len(h.attrs) + record.NumAttrs(); n > 0 {
			entry.Attrs = make(map[string]string, n)
			for _, a := range h.attrs {
				entry.Attrs[a.Key] = a.Value.String()
			}
			record.Attrs(func(a slog.Attr) bool {
				entry.Attrs[a.Key] = a.Value.String()
				return true
			})
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Written to stderr, not slog, to avoid re-entering this handler.
					fmt.Fprintf(os.Stderr, "[logging] tee callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			h.callback(entry)
		}()
	}

	return err
}

// WithAttrs returns a TeeHandler whose base handler carries attrs.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TeeHandler{
		base:     h.base.WithAttrs(attrs),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    h.group,
		attrs:    merged,
	}
}

// WithGroup returns a TeeHandler whose base handler is wrapped with name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h // slog.Handler contract: empty group name returns the receiver.
	}
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &TeeHandler{
		base:     h.base.WithGroup(name),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    newGroup,
		attrs:    h.attrs,
	}
}
