package observer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/cardex/internal/storage"
)

// Watch starts an fsnotify watcher on the vault root and reconciles
// documents as they change until ctx is cancelled. It calls cb (if non-nil)
// after each document is applied or forgotten.
//
// New directories created at runtime are added to the watch list. A rename
// forgets the old path at once and schedules a sweep, debounced by
// debounce, that picks up documents not yet in the index.
func (o *Observer) Watch(ctx context.Context, root string, debounce time.Duration, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	o.logger.Info("watcher: started", slog.String("root", root))

	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	var sweepTimer *time.Timer
	var sweepCh <-chan time.Time
	scheduleSweep := func() {
		if sweepTimer == nil {
			sweepTimer = time.NewTimer(debounce)
			sweepCh = sweepTimer.C
		} else {
			sweepTimer.Reset(debounce)
		}
	}

	notify := func(ch Change) {
		if cb != nil {
			cb(ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if sweepTimer != nil {
				sweepTimer.Stop()
			}
			o.logger.Info("watcher: stopped")
			return nil

		case <-sweepCh:
			o.sweep(ctx, notify)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
					if hidden(filepath.Base(abs)) {
						continue
					}
					if addErr := addDirsRecursive(w, abs); addErr != nil {
						o.logger.Warn("watcher: add new dir failed",
							slog.String("path", abs),
							slog.String("error", addErr.Error()))
					} else {
						o.logger.Debug("watcher: watching new dir", slog.String("path", abs))
					}
					o.observeDir(ctx, root, abs, notify)
					continue
				}
			}

			rel, ok := relPath(root, abs)
			if !ok || !storage.IsMarkdown(rel) {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				ch, applyErr := o.ObservePath(ctx, rel)
				if applyErr != nil {
					o.logger.Warn("watcher: apply failed", slog.String("path", rel), slog.String("error", applyErr.Error()))
				}
				o.logger.Debug("watcher: applied", slog.String("path", rel), slog.String("op", ev.Op.String()))
				notify(ch)

			case ev.Op&fsnotify.Remove != 0:
				ch, forgetErr := o.ForgetDocument(ctx, rel)
				if forgetErr != nil {
					o.logger.Warn("watcher: forget failed", slog.String("path", rel), slog.String("error", forgetErr.Error()))
					continue
				}
				o.logger.Debug("watcher: forgot", slog.String("path", rel))
				notify(ch)

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify reports the old path only; the new one arrives
				// as a Create when it stays inside a watched directory.
				ch, forgetErr := o.ForgetDocument(ctx, rel)
				if forgetErr != nil {
					o.logger.Warn("watcher: rename forget failed", slog.String("path", rel), slog.String("error", forgetErr.Error()))
				} else {
					notify(ch)
				}
				scheduleSweep()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// sweep forgets indexed documents that are gone and observes documents the
// index has never seen.
func (o *Observer) sweep(ctx context.Context, notify Callback) {
	paths, err := o.docs.ListDocuments(ctx)
	if err != nil {
		o.logger.Warn("sweep: list failed", slog.String("error", err.Error()))
		return
	}
	disk := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		disk[p] = struct{}{}
	}

	indexed := make(map[string]struct{})
	for _, rec := range o.index.GetAllRecords(ctx) {
		for _, l := range rec.Locations {
			indexed[l.Path] = struct{}{}
		}
	}

	for p := range indexed {
		if _, ok := disk[p]; ok {
			continue
		}
		if ch, err := o.ForgetDocument(ctx, p); err == nil {
			o.logger.Debug("sweep: forgot stale", slog.String("path", p))
			notify(ch)
		}
	}
	for _, p := range paths {
		if _, ok := indexed[p]; ok {
			continue
		}
		ch, err := o.ObservePath(ctx, p)
		if err != nil {
			o.logger.Warn("sweep: apply failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		if len(ch.Results) > 0 {
			o.logger.Debug("sweep: observed", slog.String("path", p))
			notify(ch)
		}
	}
}

// observeDir applies every document already inside a new directory.
func (o *Observer) observeDir(ctx context.Context, root, dir string, notify Callback) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			o.logger.Warn("watcher: walk new dir entry failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if d.IsDir() {
			if path != dir && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := relPath(root, path)
		if !ok || !storage.IsMarkdown(rel) {
			return nil
		}
		ch, applyErr := o.ObservePath(ctx, rel)
		if applyErr != nil {
			o.logger.Warn("watcher: apply failed", slog.String("path", rel), slog.String("error", applyErr.Error()))
			return nil
		}
		o.logger.Debug("watcher: applied from new dir", slog.String("path", rel))
		notify(ch)
		return nil
	})
	if err != nil {
		o.logger.Warn("watcher: walk new dir failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

// addDirsRecursive adds root and all its visible subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func relPath(root, abs string) (string, bool) {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
