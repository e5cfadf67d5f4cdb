// Package watch re-runs an install whenever the project's manifest or a
// workspace member's manifest changes on disk, backing the install command's
// --watch flag. Each rerun reuses the previous graph, so an unchanged
// specifier costs no network round trip.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pesde-go/pesde/pkg/manifest"
)

// debounce coalesces editor write bursts (truncate + write + chmod) into one
// rerun.
const debounce = 250 * time.Millisecond

// Run watches projectRoot's pesde.toml plus every workspace member's, and
// calls rerun after each settled change. It returns when ctx is canceled.
func Run(ctx context.Context, projectRoot string, m *manifest.Manifest, rerun func(ctx context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch directories, not files: most editors replace the file on save,
	// which drops a file-level watch.
	if err := watcher.Add(projectRoot); err != nil {
		return err
	}
	members, err := m.WorkspaceMembers(projectRoot)
	if err != nil {
		return err
	}
	for _, dir := range members {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != "pesde.toml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			slog.Info("manifest changed, reinstalling")
			if err := rerun(ctx); err != nil {
				slog.Error("reinstall failed", "error", err)
			}
		}
	}
}
