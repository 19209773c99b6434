// Package app assembles the Meridian daemon: the queue and registry stores,
// the watcher, assembler, scheduler, and control plane, wired over a shared
// event bus and torn down in dependency order.
package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-obs/meridian/internal/assembler"
	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/control"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
	"github.com/meridian-obs/meridian/internal/mslock"
	"github.com/meridian-obs/meridian/internal/registry"
	"github.com/meridian-obs/meridian/internal/scheduler"
	"github.com/meridian-obs/meridian/internal/stage"
	"github.com/meridian-obs/meridian/internal/watcher"
)

const (
	// stopGrace is how long in-flight stages get to finish before the
	// shutdown chain cancels them.
	stopGrace = 30 * time.Second

	// shutdownTimeout bounds the whole shutdown chain, grace included.
	shutdownTimeout = stopGrace + 15*time.Second

	// statsTimeout bounds the queue query behind a metrics scrape.
	statsTimeout = 2 * time.Second
)

// App is one assembled daemon instance.
type App struct {
	rt  *config.Runtime
	log *logging.Logger
	bus *event.Bus

	metrics *metrics.Metrics
	bridge  *metrics.Bridge

	store *groupqueue.Store
	reg   *registry.Registry
	locks *mslock.Table

	watcher   *watcher.Watcher
	assembler *assembler.Assembler
	scheduler *scheduler.Scheduler
	control   *control.Server

	stopOnce sync.Once
}

// New validates the configuration, creates the storage tiers, and wires
// every component. The returned App owns the stores; Run (or Close, if Run
// is never reached) releases them.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*App, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	for _, st := range config.ValidStages() {
		if st == config.StagePublish {
			continue
		}
		if len(cfg.StageCmd[st]) == 0 {
			return nil, errors.NewValidationError("stage has no command configured").
				WithField("stage_cmd." + st)
		}
	}

	dirs := []string{
		cfg.InputDir,
		cfg.StagingDir,
		cfg.PublishedDir,
		filepath.Dir(cfg.QueueDBPath),
		filepath.Dir(cfg.RegistryDBPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}

	rt := config.NewRuntime(cfg)
	bus := event.NewBus()
	m := metrics.New()

	store, err := groupqueue.Open(ctx, cfg.QueueDBPath, log)
	if err != nil {
		return nil, err
	}
	m.RegisterQueueStats(func() map[string]int {
		sctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		stats, err := store.Stats(sctx)
		if err != nil {
			log.Warn("queue stats scrape failed", "error", err)
			return nil
		}
		out := make(map[string]int, len(stats))
		for state, n := range stats {
			out[string(state)] = n
		}
		return out
	})

	reg, err := registry.Open(ctx, cfg.RegistryDBPath, cfg.PublishedDir, rt, log, bus)
	if err != nil {
		store.Close()
		return nil, err
	}

	locks := mslock.NewTable(rt, log)

	runners := make(map[string]stage.Runner, len(config.ValidStages()))
	for _, st := range config.ValidStages() {
		if st == config.StagePublish {
			runners[st] = stage.NewPublishRunner(reg, log)
			continue
		}
		runners[st] = stage.NewExecRunner(st, cfg.StageCmd[st], 0, log)
	}

	sched := scheduler.New(store, reg, locks, runners, bus, rt, log, m)
	watch := watcher.New(rt, bus, log, m)
	asm := assembler.New(store, bus, rt, log, m)
	ctrl := control.NewServer(store, reg, sched, watch, bus, rt, log, m)

	return &App{
		rt:        rt,
		log:       log,
		bus:       bus,
		metrics:   m,
		bridge:    metrics.NewBridge(bus, m),
		store:     store,
		reg:       reg,
		locks:     locks,
		watcher:   watch,
		assembler: asm,
		scheduler: sched,
		control:   ctrl,
	}, nil
}

// Run starts every component and blocks until the context is canceled or a
// component fails. A canceled context is a clean stop and returns nil. The
// stores are closed before Run returns either way.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStores()

	a.bridge.Start()

	g, gctx := errgroup.WithContext(ctx)

	files, err := a.watcher.Start(gctx)
	if err != nil {
		a.bridge.Stop()
		return err
	}
	if err := a.scheduler.Start(); err != nil {
		a.watcher.Stop()
		a.bridge.Stop()
		return err
	}

	snap := a.rt.Snapshot()
	a.log.Info("meridian started",
		"input_dir", snap.InputDir,
		"listen_addr", snap.ListenAddr,
		"workers", snap.Workers())

	g.Go(func() error {
		// A closed channel without a canceled context means the watcher
		// died permanently; ingestion stops but the daemon keeps serving.
		return a.assembler.Run(gctx, files)
	})
	g.Go(func() error {
		return a.control.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown runs the ordered teardown: stop accepting control requests, drain
// the scheduler, stop ingestion, detach the metrics bridge. Idempotent; the
// stores stay open until Run returns so late queries cannot hit a closed
// database.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.control.Shutdown(ctx); err != nil {
			a.log.Warn("control plane shutdown failed", "error", err)
		}
		if inFlight, err := a.scheduler.Stop(ctx, stopGrace); err != nil {
			a.log.Warn("scheduler stop incomplete", "in_flight", inFlight, "error", err)
		}
		a.watcher.Stop()
		a.bridge.Stop()
	})
}

// Close releases the stores without running the component shutdown chain.
// For the New-succeeded-but-Run-never-called path; Run closes them itself.
func (a *App) Close() {
	a.closeStores()
}

func (a *App) closeStores() {
	if err := a.reg.Close(); err != nil {
		a.log.Warn("closing registry database failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing queue database failed", "error", err)
	}
}
