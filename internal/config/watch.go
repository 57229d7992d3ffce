package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors produce when saving
// (truncate+write, or write-to-temp-then-rename).
const reloadDebounce = 250 * time.Millisecond

// Watch re-loads the Holder's config file whenever it changes on disk and
// posts each validated snapshot to the returned channel. Consumers apply
// changes from that single channel; nothing mutates running state from the
// watcher goroutine itself. A reload that fails to parse or validate is
// logged and ignored, keeping the previous snapshot active.
//
// The parent directory is watched rather than the file, so atomic
// save-and-rename and delete-then-recreate both keep working. The channel
// closes when ctx ends.
func Watch(ctx context.Context, holder *Holder, logger *slog.Logger) (<-chan *Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}

	dir := filepath.Dir(holder.Path())
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}

	updates := make(chan *Config, 1)

	go func() {
		defer watcher.Close()
		defer close(updates)

		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !eventTouchesConfig(ev, holder.Path()) {
					continue
				}

				// Restart the debounce window on every hit.
				pending = time.After(reloadDebounce)

			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("Config watcher error", "error", werr)

			case <-pending:
				pending = nil

				cfg, err := Load(holder.Path())
				if err != nil {
					logger.Error("Ignoring config reload that failed validation",
						"path", holder.Path(), "error", err)
					continue
				}

				holder.Update(cfg)

				// Keep only the latest snapshot queued; the single
				// producer makes the drain-then-send race free.
				select {
				case <-updates:
				default:
				}
				updates <- cfg

				logger.Info("Configuration reloaded", "path", holder.Path())
			}
		}
	}()

	return updates, nil
}

// eventTouchesConfig reports whether the event affects the config file with
// an operation that can change its contents. Chmod is ignored; Remove waits
// for the recreate that follows.
func eventTouchesConfig(ev fsnotify.Event, path string) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(path) {
		return false
	}

	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
