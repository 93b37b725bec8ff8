package apis

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls apply with the freshly loaded definitions every time the file
// at path changes, until ctx is done. The parent directory is watched so
// editors that replace the file by rename are followed. Invalid documents
// are logged and skipped; the previous set stays deployed.
func Watch(ctx context.Context, path string, apply func([]Definition), log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "apis.watch.error", slog.String("err", err.Error()))
			case <-fire:
				fire = nil
				defs, err := Load(abs)
				if err != nil {
					log.ErrorContext(ctx, "apis.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
					continue
				}
				log.InfoContext(ctx, "apis.reload", slog.String("path", abs), slog.Int("apis", len(defs)))
				apply(defs)
			}
		}
	}()
	return nil
}
