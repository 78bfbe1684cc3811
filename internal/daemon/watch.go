package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// gateReloadDebounce absorbs the burst of events an editor produces when
// saving a gate file.
const gateReloadDebounce = 200 * time.Millisecond

func (d *Daemon) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(d.stateDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", d.stateDir, err)
	}
	if dir := d.trainer.GatesDir(); dir != "" {
		if err := w.Add(dir); err != nil {
			// The gate directory is optional; gates stay as loaded.
			d.log.Warnf("watch gates dir %s: %v", dir, err)
		}
	}
	return w, nil
}

// watchLoop turns filesystem activity into run triggers and gate reloads.
func (d *Daemon) watchLoop(ctx context.Context, w *fsnotify.Watcher) error {
	dbBase := filepath.Base(model.ResolvePath(d.stateDir, d.cfg.Queue.Database))
	gatesDir := filepath.Clean(d.trainer.GatesDir())
	triggerPath := filepath.Join(d.stateDir, TriggerFile)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warnf("watcher error: %v", err)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Name == triggerPath && ev.Has(fsnotify.Create|fsnotify.Write):
				d.log.Debugf("trigger file touched")
				if err := os.Remove(triggerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					d.log.Warnf("remove trigger file: %v", err)
				}
				d.sched.trigger("trigger_file", nil)

			case gatesDir != "." && filepath.Dir(ev.Name) == gatesDir && isYAML(ev.Name):
				reload = time.After(gateReloadDebounce)

			case strings.HasPrefix(filepath.Base(ev.Name), dbBase) && ev.Has(fsnotify.Write|fsnotify.Create):
				d.onQueueWrite(ctx)
			}

		case <-reload:
			reload = nil
			if err := d.trainer.ReloadGates(); err != nil {
				d.log.Errorf("reload quality gates, keeping previous set: %v", err)
			}
		}
	}
}

// onQueueWrite schedules a run when the queue gained pending entries since
// the last run finished. Writes made by the run itself never grow the
// pending count past that mark, so they do not retrigger.
func (d *Daemon) onQueueWrite(ctx context.Context) {
	if d.running.Load() {
		return
	}
	n, err := d.store.CountPending(ctx)
	if err != nil {
		d.log.Debugf("count pending: %v", err)
		return
	}
	if n > 0 && int64(n) > d.lastPending.Load() {
		d.lastPending.Store(int64(n))
		d.sched.trigger("queue_changed", nil)
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
