package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked whenever the watched config file changes.
type ReloadFunc func()

// Watch watches path for writes/renames and calls reload after each
// one settles. It retries fsnotify setup on failure rather than giving
// up, the same "log, sleep, retry" shape as a reconnect loop.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload ReloadFunc) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)

	for {
		if err := watchOnce(ctx, dir, name, logger, reload); err != nil {
			logger.Warn("config watch failed, retrying", slog.String("error", err.Error()))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func watchOnce(ctx context.Context, dir, name string, logger *slog.Logger, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	// Debounce: editors often emit several events per save.
	var debounce *time.Timer
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
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				logger.Info("config file changed, reloading", slog.String("path", filepath.Join(dir, name)))
				reload()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
