package catalog

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
)

// Watch reloads the catalog whenever its file is written or replaced, until
// ctx is done. The parent directory is watched so editors that save by
// rename are picked up.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	name := filepath.Clean(m.path)
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
				if filepath.Clean(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := m.Reload(); err != nil {
					metrics.CatalogReloads.WithLabelValues("error").Inc()
					logging.Error().Err(err).Str("path", m.path).Msg("catalog reload failed")
					continue
				}
				metrics.CatalogReloads.WithLabelValues("success").Inc()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("catalog watcher error")
			}
		}
	}()
	return nil
}
