// Package reload reruns a job whenever files under a set of directories
// change.
package reload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes such as a bundler rebuild.
const DefaultDebounce = 300 * time.Millisecond

// Options configures Loop.
type Options struct {
	// Dirs are watched recursively.
	Dirs []string
	// Skip lists paths whose changes never trigger a rerun, typically the
	// job's own output directories.
	Skip []string
	// Debounce is the quiet period after the last change before rerunning.
	Debounce time.Duration
}

// Loop runs job once, then again after each burst of changes, until ctx is
// done. Job errors are logged and do not stop the loop.
func Loop(ctx context.Context, opts Options, job func(context.Context) error) error {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	skip := make([]string, 0, len(opts.Skip))
	for _, p := range opts.Skip {
		if abs, err := filepath.Abs(p); err == nil {
			skip = append(skip, abs)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	defer w.Close()

	for _, dir := range opts.Dirs {
		if err := addTree(w, dir, skip); err != nil {
			return err
		}
	}

	runJob := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Rerun failed", "error", err)
		}
		slog.Info("Watching for changes", "dirs", opts.Dirs)
	}
	runJob()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if skipped(ev.Name, skip) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := addTree(w, ev.Name, skip); err != nil {
					slog.Debug("reload: watch new path failed", "path", ev.Name, "error", err)
				}
			}
			slog.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "error", err)
		case <-timer.C:
			runJob()
		}
	}
}

// addTree watches root and every directory below it. A root that is a
// plain file is ignored since its parent is already watched.
func addTree(w *fsnotify.Watcher, root string, skip []string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipped(path, skip) || (path != root && strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("reload: watch %s: %w", path, err)
		}
		return nil
	})
}

func skipped(path string, skip []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, s := range skip {
		if abs == s || strings.HasPrefix(abs, s+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
