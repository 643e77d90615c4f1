package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/logger"
)

// OnChange is invoked with the freshly reloaded config whenever the
// watched file changes. Handlers should be cheap; Watch does not retry a
// failing handler.
type OnChange func(cfg *Config)

// Watch reloads path whenever its directory reports a write, create or
// rename event on that filename, pushing the new Config to onChange. Grounded on
// am/watcher.go's fsnotify-driven reload loop, repointed at the feature
// flag/policy config file rather than an agent manifest.
func Watch(ctx context.Context, path string, onChange OnChange) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: create fsnotify watcher")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.Wrap(err, "config: watch config directory")
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				Reset()
				cfg, err := LoadFromFile(path)
				if err != nil {
					logger.Logger.Warnw("config: reload failed, keeping previous config", "path", path, "error", err.Error())
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Logger.Warnw("config: fsnotify error", "error", err.Error())
			}
		}
	}()

	return nil
}
