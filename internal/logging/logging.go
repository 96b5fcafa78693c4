// Package logging installs the process-wide slog logger.
//
// The level lives in a slog.LevelVar so the config watcher can change it
// without rebuilding handlers, and an optional tee forwards warnings to the
// monitor's live event stream.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gtcpd/internal/config"
)

var (
	levelVar slog.LevelVar

	teeMu    sync.RWMutex
	teeSink  EntryCallback
	teeLevel = slog.LevelWarn
)

// Setup installs the default logger described by cfg. The returned closer
// releases the log file, if any.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	levelVar.Set(level)

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, openErr := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if openErr != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.File, openErr)
		}
		out = f
		closer = f
	}

	opts := &slog.HandlerOptions{Level: &levelVar}
	var base slog.Handler
	if cfg.Format == "json" {
		base = slog.NewJSONHandler(out, opts)
	} else {
		base = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(NewTeeHandler(base, teeLevel, dispatchTee)))
	return closer, nil
}

// SetLevel changes the level of the installed logger.
func SetLevel(name string) error {
	level, err := config.ParseLevel(name)
	if err != nil {
		return err
	}
	if levelVar.Level() != level {
		levelVar.Set(level)
		slog.Info("[logging] level changed", "level", level)
	}
	return nil
}

// Level returns the current level.
func Level() slog.Level { return levelVar.Level() }

// SetTee routes records at or above WARN to sink. A nil sink disables the tee.
func SetTee(sink EntryCallback) {
	teeMu.Lock()
	teeSink = sink
	teeMu.Unlock()
}

func dispatchTee(e Entry) {
	teeMu.RLock()
	sink := teeSink
	teeMu.RUnlock()
	if sink != nil {
		sink(e)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
