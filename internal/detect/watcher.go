package detect

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/starford/snaparchive/internal/models"
)

// Callback receives the full candidate list after a debounced change.
type Callback func(sets []models.ExportSet)

// Watch starts an fsnotify watcher on the scan roots and re-runs detection
// whenever entries appear, disappear or are renamed under them, until ctx is
// cancelled. Bursts of events (a multi-gigabyte zip being written) collapse
// into one detection pass debounce after the last event.
//
// Roots that do not exist are skipped with a warning. Only the roots
// themselves are watched: exports live directly under a scan root.
func (d *Detector) Watch(ctx context.Context, roots []string, debounce time.Duration, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := 0
	for _, root := range roots {
		if fi, statErr := os.Stat(root); statErr != nil || !fi.IsDir() {
			d.logger.Warn("watcher: scan root unavailable", slog.String("root", root))
			continue
		}
		if addErr := w.Add(root); addErr != nil {
			d.logger.Warn("watcher: add root failed", slog.String("root", root), slog.String("error", addErr.Error()))
			continue
		}
		watched++
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	d.logger.Info("watcher: started", slog.Int("roots", watched))

	// rescanTimer debounces bursts of events into a single detection pass.
	var rescanTimer *time.Timer
	var rescanCh <-chan time.Time

	scheduleRescan := func() {
		if rescanTimer == nil {
			rescanTimer = time.NewTimer(debounce)
			rescanCh = rescanTimer.C
		} else {
			rescanTimer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if rescanTimer != nil {
				rescanTimer.Stop()
			}
			d.logger.Info("watcher: stopped")
			return nil

		case <-rescanCh:
			sets := d.DetectAll(ctx, roots)
			d.logger.Debug("watcher: rescanned", slog.Int("candidates", len(sets)))
			if cb != nil {
				cb(sets)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Debug("watcher: change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			scheduleRescan()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
