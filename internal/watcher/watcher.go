package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/fsutil"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
)

const (
	// settleProbes caps how many settle windows a still-growing file gets
	// before it is dropped as unstable.
	settleProbes = 5

	// rewatchDelay is the pause before the single re-watch attempt after
	// the fsnotify stream dies.
	rewatchDelay = 2 * time.Second
)

// FileArrived is one settled subband capture file, ready for assembly.
type FileArrived struct {
	GroupID    string
	SubbandIdx int
	Path       string
	Size       int64
	ModTime    time.Time
}

// Watcher turns filesystem activity in the input directory into FileArrived
// values on a bounded channel. A startup scan covers files that landed
// while the daemon was down; fsnotify covers everything after. Files are
// debounced per path and size-settled before emission, so partially written
// captures are never handed downstream.
//
// Watch tuning (directory, debounce, settle, buffer) is read once at
// construction; these keys only change with a daemon restart.
type Watcher struct {
	inputDir  string
	recursive bool
	settle    time.Duration
	debounce  time.Duration
	buffer    int

	bus     *event.Bus
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	failure string
	cancel  context.CancelFunc
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer

	out      chan FileArrived
	wg       sync.WaitGroup
	emitters sync.WaitGroup
}

// New builds a watcher from the current config snapshot.
func New(rt *config.Runtime, bus *event.Bus, log *logging.Logger, m *metrics.Metrics) *Watcher {
	snap := rt.Snapshot()
	return &Watcher{
		inputDir:  snap.InputDir,
		recursive: snap.WatchRecursive,
		settle:    snap.WatchSettle(),
		debounce:  snap.WatchDebounce(),
		buffer:    snap.EventBuffer,
		bus:       bus,
		log:       log.WithComponent("watcher"),
		metrics:   m,
		timers:    map[string]*time.Timer{},
	}
}

// Start verifies the input directory, subscribes to filesystem events, and
// launches the scan/watch loop. The returned channel closes when the
// watcher stops or fails for good.
func (w *Watcher) Start(ctx context.Context) (<-chan FileArrived, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, errors.Wrap(errors.ErrAlreadyInState, "watcher already started")
	}

	fi, err := os.Stat(w.inputDir)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrWatchFailed, "input directory %s: %v", w.inputDir, err)
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(errors.ErrWatchFailed, "input path %s is not a directory", w.inputDir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrWatchFailed, "creating watcher: %v", err)
	}
	if err := fsw.Add(w.inputDir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(errors.ErrWatchFailed, "watching %s: %v", w.inputDir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.started = true
	w.out = make(chan FileArrived, w.buffer)

	w.wg.Go(func() { w.run(runCtx) })

	w.log.Info("watching for subband files",
		"dir", w.inputDir,
		"recursive", w.recursive,
		"settle", w.settle,
		"debounce", w.debounce)
	return w.out, nil
}

// Stop cancels the watch loop and blocks until the output channel is
// closed. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.log.Info("watcher stopped")
}

// Status reports whether the watcher is healthy and, when it is not, why.
func (w *Watcher) Status() (ok bool, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.failure != "":
		return false, w.failure
	case w.stopped:
		return false, "stopped"
	case !w.started:
		return false, "not started"
	}
	return true, ""
}

// run owns the watcher lifecycle: startup scan, watch loop, one re-watch
// attempt, and the drain/close sequence on the way out.
func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.stopTimers()
		w.emitters.Wait()
		close(w.out)
		w.currentWatcher().Close()
	}()

	w.scan(ctx)

	retried := false
	for {
		reason := w.loop(ctx)
		if reason == "" || ctx.Err() != nil {
			return
		}
		if retried {
			w.fail(reason)
			return
		}
		retried = true

		w.log.Warn("watch stream died, rewatching", "reason", reason)
		select {
		case <-time.After(rewatchDelay):
		case <-ctx.Done():
			return
		}
		if err := w.rewatch(); err != nil {
			w.fail(fmt.Sprintf("rewatch failed: %v", err))
			return
		}
		// Catch anything that landed while the watch was down.
		w.scan(ctx)
	}
}

// loop consumes fsnotify traffic until the context ends (reason "") or the
// stream dies (reason describes how).
func (w *Watcher) loop(ctx context.Context) string {
	fsw := w.currentWatcher()
	for {
		select {
		case <-ctx.Done():
			return ""
		case ev, ok := <-fsw.Events:
			if !ok {
				return "event stream closed"
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.observe(ctx, ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return "error stream closed"
			}
			return fmt.Sprintf("watch error: %v", err)
		}
	}
}

// scan walks the input directory and feeds every current entry through the
// same observe path live events take. Duplicate delivery is harmless; the
// assembler upserts.
func (w *Watcher) scan(ctx context.Context) {
	if !w.recursive {
		entries, err := os.ReadDir(w.inputDir)
		if err != nil {
			w.log.Warn("startup scan failed", "error", err)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			w.observe(ctx, filepath.Join(w.inputDir, e.Name()))
		}
		return
	}

	err := filepath.WalkDir(w.inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("scan skipping path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != w.inputDir {
				if err := w.currentWatcher().Add(path); err != nil {
					w.log.Warn("watching subdirectory failed", "dir", path, "error", err)
				}
			}
			return nil
		}
		w.observe(ctx, path)
		return nil
	})
	if err != nil {
		w.log.Warn("startup scan incomplete", "error", err)
	}
}

// observe debounces one path. The timer resets while events for the path
// keep arriving; once they go quiet the settle probe takes over.
func (w *Watcher) observe(ctx context.Context, path string) {
	if w.recursive {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := w.currentWatcher().Add(path); err != nil {
				w.log.Warn("watching subdirectory failed", "dir", path, "error", err)
			}
			w.scanDir(ctx, path)
			return
		}
	}
	if _, _, ok := ParseFilename(filepath.Base(path)); !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.emitters.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.emitters.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.emit(ctx, path)
	})
}

// scanDir feeds the entries of a newly appeared subdirectory.
func (w *Watcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Warn("scanning new directory failed", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.observe(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

// emit size-settles one debounced path and sends it downstream, blocking
// for backpressure when the channel is full.
func (w *Watcher) emit(ctx context.Context, path string) {
	size, err := fsutil.Settle(ctx, path, w.settle, settleProbes)
	if err != nil {
		if errors.Is(err, fsutil.ErrStillGrowing) {
			// Only stable files go downstream. A later rename or the next
			// startup scan re-observes the path once the writer finishes.
			w.log.Warn("dropping file that never stopped growing",
				"path", path,
				"last_size", size)
			return
		}
		// The file vanished mid-probe (moved away, deleted) or we are
		// shutting down; either way there is nothing to deliver.
		w.log.Debug("dropping unsettled file", "path", path, "error", err)
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		w.log.Debug("dropping vanished file", "path", path, "error", err)
		return
	}

	groupID, subband, ok := ParseFilename(filepath.Base(path))
	if !ok {
		return
	}

	w.metrics.FilesSeen.Inc()
	arrived := FileArrived{
		GroupID:    groupID,
		SubbandIdx: subband,
		Path:       path,
		Size:       size,
		ModTime:    fi.ModTime(),
	}

	select {
	case w.out <- arrived:
		w.metrics.ChannelDepth.Set(float64(len(w.out)))
		w.log.Info("subband file observed",
			"group_id", groupID,
			"subband", subband,
			"size", size)
	case <-ctx.Done():
	}
}

// rewatch swaps in a fresh fsnotify subscription after the old one died.
func (w *Watcher) rewatch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.inputDir); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	old := w.fsw
	w.fsw = fsw
	w.mu.Unlock()
	old.Close()
	return nil
}

func (w *Watcher) currentWatcher() *fsnotify.Watcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw
}

// stopTimers cancels pending debounce timers; emitters whose timer had
// already fired finish on their own and are waited for separately.
func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		if t.Stop() {
			w.emitters.Done()
		}
		delete(w.timers, path)
	}
}

// fail marks the watcher permanently unhealthy and tells the world.
func (w *Watcher) fail(reason string) {
	w.mu.Lock()
	w.failure = reason
	w.mu.Unlock()

	w.log.Error("watcher failed", "reason", reason)
	w.bus.Publish(event.NewWatcherFailedEvent(reason))
}
