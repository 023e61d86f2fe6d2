package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dynamo-dm/dynamo/internal/logger"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 250 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and passes
// each valid result to onChange. Edits that fail to load are logged and
// skipped. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, since editors and
// config management tools usually replace the file by renaming over it.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", logger.KeyPath, path, logger.Err(err))
				continue
			}
			logger.Info("Configuration reloaded", logger.KeyPath, path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", logger.Err(err))
		}
	}
}
