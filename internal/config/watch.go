package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the bursts of writes editors produce when saving.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and calls
// onChange with the freshly loaded config. It blocks until the context is
// canceled. The parent directory is watched, not the file itself: editors
// replace files on save, which drops a file-level watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Info("watching config file", slog.String("path", path))

	var debounce *time.Timer

	reload := func() {
		cfg, loadErr := Load(path)
		if loadErr != nil {
			logger.Warn("ignoring invalid config change", slog.String("error", loadErr.Error()))
			return
		}

		logger.Info("config reloaded", slog.String("path", path))
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(debounceWindow, reload)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
