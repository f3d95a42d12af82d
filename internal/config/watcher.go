package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a snapshot reload when any of the config files change on
// disk. Editors and config-management tools write via rename, so events are
// debounced before reloading.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Snapshot)
}

// NewWatcher creates a config file watcher. onReload may be nil.
func NewWatcher(store *Store, logger *slog.Logger, onReload func(*Snapshot)) *Watcher {
	return &Watcher{
		store:    store,
		logger:   logger.With("component", "config_watcher"),
		debounce: 500 * time.Millisecond,
		onReload: onReload,
	}
}

// Run watches the config files until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	snap := w.store.Load()
	dirs := map[string]struct{}{}
	for _, f := range []string{w.store.settingsPath, snap.Settings.Files.Inventory, snap.Settings.Files.Playbooks} {
		if f == "" {
			continue
		}
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch config directory", "dir", dir, "error", err)
		}
	}

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.isConfigFile(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-timerCh:
			timer = nil
			timerCh = nil
			newSnap, err := w.store.Reload()
			if err != nil {
				w.logger.Error("Config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			w.logger.Info("Config reloaded from file change",
				"inventory_assets", newSnap.Inventory.AssetCount(),
				"loaded_at", newSnap.LoadedAt,
			)
			if w.onReload != nil {
				w.onReload(newSnap)
			}
		}
	}
}

func (w *Watcher) isConfigFile(name string) bool {
	snap := w.store.Load()
	for _, f := range []string{w.store.settingsPath, snap.Settings.Files.Inventory, snap.Settings.Files.Playbooks} {
		if f != "" && filepath.Clean(name) == filepath.Clean(f) {
			return true
		}
	}
	return false
}
