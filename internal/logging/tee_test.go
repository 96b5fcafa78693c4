package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// newTestCallback returns a callback that records entries and an accessor.
func newTestCallback() (EntryCallback, func() []Entry) {
	var mu sync.Mutex
	var entries []Entry
	cb := func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		entries = append(entries, e)
	}
	get := func() []Entry {
		mu.Lock()
		defer mu.Unlock()
		copied := make([]Entry, len(entries))
		copy(copied, entries)
		return copied
	}
	return cb, get
}

func TestTeeHandlerThreshold(t *testing.T) {
	var buf bytes.Buffer
	cb, get := newTestCallback()
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewTeeHandler(base, slog.LevelWarn, cb))

	logger.Info("[scheduler] worker connected", "worker", "w-1")
	logger.Warn("[scheduler] waiting queue full", "size", 3)
	logger.Error("[dispatch] body size overflow")

	entries := get()
	if len(entries) != 2 {
		t.Fatalf("callback invoked %d times, want 2", len(entries))
	}
	if entries[0].Message != "[scheduler] waiting queue full" || entries[0].Attrs["size"] != "3" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Level != "ERROR" {
		t.Errorf("entries[1].Level = %q, want ERROR", entries[1].Level)
	}
	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Errorf("base handler wrote %d lines, want 3", got)
	}
}

func TestTeeHandlerGroupsAndAttrs(t *testing.T) {
	cb, get := newTestCallback()
	base := slog.NewTextHandler(&bytes.Buffer{}, nil)
	logger := slog.New(NewTeeHandler(base, slog.LevelInfo, cb)).
		With("component", "pool").
		WithGroup("slot").
		WithGroup("proc")

	logger.Info("started", "pid", 42)

	entries := get()
	if len(entries) != 1 {
		t.Fatalf("callback invoked %d times, want 1", len(entries))
	}
	if entries[0].Group != "slot.proc" {
		t.Errorf("Group = %q, want slot.proc", entries[0].Group)
	}
	if entries[0].Attrs["component"] != "pool" || entries[0].Attrs["pid"] != "42" {
		t.Errorf("Attrs = %v", entries[0].Attrs)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestTeeHandlerCallbackRunsWhenBaseFails(t *testing.T) {
	cb, get := newTestCallback()
	h := NewTeeHandler(failingHandler{slog.NewTextHandler(&bytes.Buffer{}, nil)}, slog.LevelWarn, cb)

	rec := slog.NewRecord(testTime, slog.LevelError, "boom", 0)
	if err := h.Handle(context.Background(), rec); err == nil {
		t.Fatal("Handle() error = nil, want base error")
	}
	if len(get()) != 1 {
		t.Fatal("callback not invoked after base failure")
	}
}

func TestTeeHandlerCallbackPanicIsContained(t *testing.T) {
	h := NewTeeHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), slog.LevelInfo, func(Entry) {
		panic("callback exploded")
	})
	rec := slog.NewRecord(testTime, slog.LevelWarn, "still logged", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestTeeHandlerNilCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(&buf, nil), slog.LevelInfo, nil))
	logger.Warn("no tee")
	if !strings.Contains(buf.String(), "no tee") {
		t.Fatalf("base output = %q", buf.String())
	}
}
