package topology

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the topology file whenever it changes and passes each valid
// result to apply. Invalid edits are logged and ignored; the last good
// topology stays in effect. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(Topology)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("topology: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("topology: watch %s: %w", dir, err)
	}
	name := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case <-pending:
			pending = nil
			t, err := Load(path)
			if err != nil {
				logger.Warn("topology: reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("topology: reloaded", "path", path, "crews", len(t.Crews), "providers", len(t.Providers))
			apply(t)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("topology: watcher error", "error", err)
		}
	}
}
