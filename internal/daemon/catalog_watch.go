package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/events"
)

// reloadCatalog replaces the catalog content with the configured export.
// Without an export file the backend's current content is kept.
func (d *Daemon) reloadCatalog(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	path := d.config.Catalog.ExportFile
	if path != "" {
		loader, ok := d.backend.catalog.(catalog.Loader)
		if !ok {
			return fmt.Errorf("store driver %s cannot load a catalog export", d.driver())
		}
		locations, stats, err := catalog.ReadExportFile(path, d.config.Catalog.ExportEncoding)
		if err != nil {
			return fmt.Errorf("read catalog export: %w", err)
		}
		if len(locations) == 0 {
			return fmt.Errorf("catalog export %s has no usable rows", path)
		}
		if err := loader.Replace(ctx, locations); err != nil {
			return fmt.Errorf("replace catalog: %w", err)
		}
		d.logger.Infof("catalog_reload file=%s rows=%d accepted=%d skipped=%d",
			path, stats.Rows, stats.Accepted, stats.Skipped)
	}

	n, err := d.backend.catalog.Count(ctx)
	if err != nil {
		return fmt.Errorf("count catalog: %w", err)
	}
	d.metrics.CatalogSize(n)
	if n == 0 {
		d.logger.Warnf("catalog is empty, zone requests will fail until it is loaded")
	}
	if path != "" {
		d.bus.Publish(events.EventCatalogReloaded, map[string]any{"file": path, "locations": n})
	}
	return nil
}

// startWatcher watches the export file's directory so replacing the file by
// rename is seen too.
func (d *Daemon) startWatcher() error {
	path := d.config.Catalog.ExportFile
	if path == "" || !d.config.Catalog.Watch {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.watchLoop(filepath.Clean(path))
	return nil
}

func (d *Daemon) watchLoop(path string) {
	defer d.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(d.reloadDelay)
			} else {
				timer.Reset(d.reloadDelay)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := d.reloadCatalog(d.ctx); err != nil {
				d.logger.Errorf("catalog reload failed, keeping previous content: %v", err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}
