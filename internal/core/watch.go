package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 200 * time.Millisecond

// WatchConfig calls onChange with the reloaded configuration whenever the
// file at path is written, until ctx is done. The directory is watched so
// editors that replace the file are noticed too. A file that fails to
// parse is logged and skipped.
func WatchConfig(ctx context.Context, path string, onChange func(Config)) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				debounce.Reset(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-debounce.C:
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("ignoring invalid config change")
					continue
				}
				log.Info().Str("path", path).Msg("config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
