package assembler

import (
	"context"
	"time"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
	"github.com/meridian-obs/meridian/internal/scheduler"
	"github.com/meridian-obs/meridian/internal/watcher"
)

// writePolicy retries queue writes through transient sqlite contention
// (SQLITE_BUSY under WAL checkpointing, mostly). Transition refusals are
// races, not storage faults, so they stop the retry loop immediately.
var writePolicy = scheduler.RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Classify: func(err error) bool {
		return !errors.Is(err, errors.ErrInvalidTransition) &&
			!errors.Is(err, errors.ErrAlreadyInState) &&
			!errors.IsNotFound(err) &&
			!errors.IsValidation(err)
	},
}

// Assembler folds subband arrivals into observation groups and decides when
// a group has enough data to process. Completeness is reached either by
// count (all expected subbands present) or by the periodic sweep promoting
// groups that stalled short of expected but above the minimum.
type Assembler struct {
	store   *groupqueue.Store
	bus     *event.Bus
	rt      *config.Runtime
	log     *logging.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// New builds an assembler. Completeness thresholds are read from the
// runtime config at each decision point, so live updates apply to groups
// still collecting.
func New(store *groupqueue.Store, bus *event.Bus, rt *config.Runtime, log *logging.Logger, m *metrics.Metrics) *Assembler {
	return &Assembler{
		store:   store,
		bus:     bus,
		rt:      rt,
		log:     log.WithComponent("assembler"),
		metrics: m,
		now:     time.Now,
	}
}

// Run consumes arrivals until the channel closes or ctx ends, sweeping for
// stalled groups on the side. A closed channel is a normal return: the
// watcher closes it on stop or failure, and the daemon decides what that
// means.
func (a *Assembler) Run(ctx context.Context, files <-chan watcher.FileArrived) error {
	interval := a.rt.Snapshot().SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.log.Info("assembling groups", "sweep_interval", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-files:
			if !ok {
				a.log.Info("arrival stream closed")
				return nil
			}
			a.metrics.ChannelDepth.Set(float64(len(files)))
			a.handle(ctx, f)
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// handle records one arrival and promotes the group when it is complete.
func (a *Assembler) handle(ctx context.Context, f watcher.FileArrived) {
	log := a.log.WithGroup(f.GroupID)
	expected := a.rt.Snapshot().ExpectedSubbands

	var created bool
	err := writePolicy.Do(ctx, func() error {
		var err error
		created, err = a.store.CreateOrTouch(ctx, f.GroupID, expected)
		return err
	})
	if err != nil {
		a.giveUp(ctx, f.GroupID, log, "creating group", err)
		return
	}
	if created {
		log.Info("group created", "expected_subbands", expected)
		a.bus.Publish(event.NewGroupCreatedEvent(f.GroupID, expected))
	}

	err = writePolicy.Do(ctx, func() error {
		return a.store.AddSubband(ctx, f.GroupID, f.SubbandIdx, f.Path, f.Size)
	})
	if err != nil {
		// An index outside [0, expected) is a stray capture, not a group
		// fault: ignore the file and let the real subbands decide readiness.
		if errors.IsValidation(err) {
			log.Warn("ignoring subband outside expected range",
				"subband", f.SubbandIdx,
				"path", f.Path,
				"error", err)
			return
		}
		a.giveUp(ctx, f.GroupID, log, "recording subband", err)
		return
	}
	log.Debug("subband recorded", "subband", f.SubbandIdx, "size", f.Size)

	var count int
	err = writePolicy.Do(ctx, func() error {
		var err error
		count, err = a.store.CountSubbands(ctx, f.GroupID)
		return err
	})
	if err != nil {
		a.giveUp(ctx, f.GroupID, log, "counting subbands", err)
		return
	}

	if count >= expected {
		a.promote(ctx, f.GroupID, count, event.ReadyComplete, log)
	}
}

// sweep promotes or fails groups that have been collecting longer than the
// completeness timeout. Enough subbands (>= min) means the observation is
// usable with reduced sensitivity; fewer means it never will be.
func (a *Assembler) sweep(ctx context.Context) {
	snap := a.rt.Snapshot()
	cutoff := a.now().Add(-snap.CompletenessTimeout())

	stale, err := a.store.ListCollectingOlderThan(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("completeness sweep failed", "error", err)
		}
		return
	}

	for _, g := range stale {
		log := a.log.WithGroup(g.GroupID)
		count, err := a.store.CountSubbands(ctx, g.GroupID)
		if err != nil {
			log.Error("counting subbands during sweep", "error", err)
			continue
		}

		if count >= snap.MinSubbands {
			log.Info("promoting incomplete group on timeout",
				"subbands", count,
				"expected", g.ExpectedSubbands,
				"min", snap.MinSubbands)
			a.promote(ctx, g.GroupID, count, event.ReadyTimeout, log)
			continue
		}

		if _, err := a.store.SetState(ctx, g.GroupID, groupqueue.StateFailed, "insufficient subbands"); err != nil {
			if transitionRace(err) {
				continue
			}
			log.Error("failing incomplete group", "error", err)
			continue
		}
		log.Warn("group failed, insufficient subbands",
			"subbands", count,
			"min", snap.MinSubbands)
		a.bus.Publish(event.NewGroupFailedEvent(g.GroupID, "", "insufficient subbands"))
	}
}

// promote moves a group to pending and announces it. Losing the transition
// race to a concurrent promoter is fine; the group is already on its way.
func (a *Assembler) promote(ctx context.Context, groupID string, count int, reason string, log *logging.Logger) {
	err := writePolicy.Do(ctx, func() error {
		_, err := a.store.SetState(ctx, groupID, groupqueue.StatePending, "")
		return err
	})
	if err != nil {
		if transitionRace(err) {
			log.Debug("group already promoted", "error", err)
			return
		}
		a.giveUp(ctx, groupID, log, "promoting group", err)
		return
	}

	log.Info("group ready", "subbands", count, "reason", reason)
	a.bus.Publish(event.NewGroupReadyEvent(groupID, count, reason))
}

// giveUp records a storage failure on the group itself, best effort. When
// the context is gone this is a shutdown, not a failure, and the group is
// left alone for the next startup scan.
func (a *Assembler) giveUp(ctx context.Context, groupID string, log *logging.Logger, op string, cause error) {
	if ctx.Err() != nil {
		return
	}
	log.Error(op+" failed, retries exhausted", "error", cause)
	if _, err := a.store.SetState(ctx, groupID, groupqueue.StateFailed, op+": "+cause.Error()); err != nil {
		log.Warn("recording group failure", "error", err)
		return
	}
	a.bus.Publish(event.NewGroupFailedEvent(groupID, "", op+": "+cause.Error()))
}

func transitionRace(err error) bool {
	return errors.Is(err, errors.ErrInvalidTransition) || errors.Is(err, errors.ErrAlreadyInState)
}
