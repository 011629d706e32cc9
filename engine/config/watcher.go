package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce groups the bursts of events editors produce on save.
var ReloadDebounce = 1 * time.Second

// setupWatcher creates and configures the file system watcher
func setupWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir := filepath.Dir(path)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %v", err)
	}

	return watcher, nil
}

// WatchConfig re-reads path whenever it changes and hands every valid result
// to onReload. Invalid edits are logged and the previous config stays in use.
// The watcher stops when ctx is done.
func WatchConfig(ctx context.Context, path string, onReload func(*ConfigSettings)) error {
	watcher, err := setupWatcher(path)
	if err != nil {
		return err
	}
	target := filepath.Clean(path)

	reload := func() {
		conf := &ConfigSettings{}
		if err := conf.SetConfig(path); err != nil {
			slog.Error("Config reload rejected", "path", path, "error", err)
			return
		}
		slog.Info("Config reloaded", "path", path, "services", len(conf.Service), "teams", len(conf.Team))
		onReload(conf)
	}

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(ReloadDebounce, reload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	return nil
}
