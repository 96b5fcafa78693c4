package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit for one save
// (truncate + write + chmod, or rename-over).
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and passes each valid
// result to onChange. Invalid files are logged and skipped. The parent
// directory is watched so atomic rename-over saves are observed.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("config watch: add %s: %w", filepath.Dir(absPath), err)
	}
	slog.Debug("[config] watching for changes", "path", absPath)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != absPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("[config] watcher error", "error", werr)
		case <-fire:
			fire = nil
			cfg, loadErr := Load(absPath)
			if loadErr != nil {
				slog.Warn("[config] reload rejected", "path", absPath, "error", loadErr)
				continue
			}
			slog.Info("[config] reloaded", "path", absPath)
			onChange(cfg)
		}
	}
}
