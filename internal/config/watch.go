package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events that editors
// emit when saving (write, chmod, rename-replace) into a single reload.
const reloadDebounce = 250 * time.Millisecond

// Watch monitors the config file for changes and delivers validated
// snapshots on the returned channel. A reload that fails to parse or
// validate is logged and dropped, keeping the previous config in effect.
// The channel is closed when ctx is cancelled.
//
// The watch is placed on the file's directory rather than the file itself
// so that rename-replace saves (the common editor pattern) keep working.
func Watch(ctx context.Context, path string, logger *slog.Logger) (<-chan *Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()

		return nil, fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	out := make(chan *Config, 1)

	go watchLoop(ctx, watcher, path, out, logger)

	return out, nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, out chan *Config, logger *slog.Logger) {
	defer watcher.Close()
	defer close(out)

	var reload *time.Timer

	var reloadC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if reload == nil {
				reload = time.NewTimer(reloadDebounce)
				reloadC = reload.C
			} else {
				if !reload.Stop() {
					select {
					case <-reload.C:
					default:
					}
				}

				reload.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			logger.Warn("config watcher error", slog.Any("error", err))

		case <-reloadC:
			reload = nil
			reloadC = nil

			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", path),
					slog.Any("error", err),
				)

				continue
			}

			// Replace any undelivered snapshot so a slow consumer always
			// sees the newest config. We are the only sender, so the send
			// after the drain cannot block.
			select {
			case <-out:
			default:
			}
			out <- cfg

			logger.Info("config reloaded", slog.String("path", path))
		}
	}
}
