package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchRuntime reloads the runtime YAML file on change or SIGHUP and calls
// onChange with the new value. It blocks until ctx is cancelled. Reload
// failures keep the previous runtime configuration live.
func WatchRuntime(ctx context.Context, path string, logger zerolog.Logger, onChange func(Runtime)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace the file, which would orphan a
	// direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var debounce *time.Timer
	reload := func(trigger string) {
		rt, err := NewLoader(path).Load()
		if err != nil {
			logger.Error().Err(err).
				Str("event", "config.reload_failed").
				Str("trigger", trigger).
				Msg("keeping previous runtime configuration")
			return
		}
		logger.Info().
			Str("event", "config.reloaded").
			Str("trigger", trigger).
			Msg("runtime configuration reloaded")
		onChange(rt)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			reload("sighup")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors emit several events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() { reload("fsnotify") })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}
