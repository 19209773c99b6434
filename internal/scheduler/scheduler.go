package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
	"github.com/meridian-obs/meridian/internal/mslock"
	"github.com/meridian-obs/meridian/internal/registry"
	"github.com/meridian-obs/meridian/internal/stage"
)

// reapInterval paces the stale-claim reaper between passes.
const reapInterval = time.Minute

// ProductRegistry is the registry surface the scheduler needs to record
// stage artifacts.
type ProductRegistry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (string, error)
	Finalize(ctx context.Context, dataID, qaStatus, validationStatus string) (*registry.Product, error)
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running     bool
	Paused      bool
	PauseReason string
	Busy        int
	Idle        int
	Uptime      time.Duration
}

// Scheduler drives ready groups through the stage pipeline with a fixed
// worker pool. Claims are kicked by group.ready events and a poll ticker;
// failures retry with exponential backoff; stale in-progress claims are
// reaped periodically.
type Scheduler struct {
	store   *groupqueue.Store
	reg     ProductRegistry
	locks   *mslock.Table
	runners map[string]stage.Runner
	bus     *event.Bus
	rt      *config.Runtime
	log     *logging.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	running     bool
	paused      bool
	pauseReason string
	startedAt   time.Time
	claimCancel context.CancelFunc
	stageCancel context.CancelFunc
	wg          *sync.WaitGroup // fresh per Start, so a restart never reuses a draining group
	subID       string

	busy atomic.Int32
	kick chan struct{}
	now  func() time.Time
}

// New assembles a scheduler. Runners maps stage name to implementation;
// stages without a runner fail fatally when reached.
func New(store *groupqueue.Store, reg ProductRegistry, locks *mslock.Table, runners map[string]stage.Runner, bus *event.Bus, rt *config.Runtime, log *logging.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		reg:     reg,
		locks:   locks,
		runners: runners,
		bus:     bus,
		rt:      rt,
		log:     log.WithComponent("scheduler"),
		metrics: m,
		kick:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// retryPolicy derives the group retry policy from the live config.
func (s *Scheduler) retryPolicy() RetryPolicy {
	snap := s.rt.Snapshot()
	return RetryPolicy{
		MaxAttempts: snap.MaxGroupRetries,
		BaseDelay:   snap.BaseBackoff(),
		MaxDelay:    snap.MaxBackoff(),
	}
}

// Start launches the worker pool and the reaper. Starting a running
// scheduler returns ErrAlreadyInState.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.Wrap(errors.ErrAlreadyInState, "scheduler already running")
	}

	claimCtx, claimCancel := context.WithCancel(context.Background())
	stageCtx, stageCancel := context.WithCancel(context.Background())
	s.claimCancel = claimCancel
	s.stageCancel = stageCancel
	s.running = true
	s.paused = false
	s.pauseReason = ""
	s.startedAt = s.now()
	s.wg = &sync.WaitGroup{}

	s.subID = s.bus.Subscribe(event.TypeGroupReady, func(event.Event) {
		s.kickWorkers()
	})

	workers := s.rt.Snapshot().Workers()
	for i := range workers {
		s.wg.Go(func() {
			s.worker(claimCtx, stageCtx, i)
		})
	}
	s.wg.Go(func() {
		s.reaper(claimCtx)
	})

	s.log.Info("scheduler started", "workers", workers)
	return nil
}

// Stop ceases claiming immediately, lets in-flight stages run for grace,
// then cancels them and waits for the workers. It returns the number of
// groups in flight when the stop was signaled. Stopping a stopped scheduler
// is a no-op.
func (s *Scheduler) Stop(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = false
	inFlight := int(s.busy.Load())
	claimCancel, stageCancel := s.claimCancel, s.stageCancel
	subID := s.subID
	wg := s.wg
	s.mu.Unlock()

	s.bus.Unsubscribe(subID)
	claimCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	defer stageCancel()

	select {
	case <-done:
		s.log.Info("scheduler stopped", "in_flight_at_signal", inFlight)
		return inFlight, nil
	case <-graceTimer.C:
		s.log.Warn("grace expired, canceling in-flight stages", "in_flight", inFlight)
		stageCancel()
	case <-ctx.Done():
		stageCancel()
		return inFlight, ctx.Err()
	}

	select {
	case <-done:
		s.log.Info("scheduler stopped", "in_flight_at_signal", inFlight)
		return inFlight, nil
	case <-ctx.Done():
		return inFlight, ctx.Err()
	}
}

// Restart stops the pool (waiting out the grace period) and starts a fresh
// one.
func (s *Scheduler) Restart(ctx context.Context, grace time.Duration) error {
	if _, err := s.Stop(ctx, grace); err != nil {
		return err
	}
	return s.Start()
}

// Pause suspends claiming; in-flight groups continue. Pausing a paused
// scheduler returns ErrAlreadyInState.
func (s *Scheduler) Pause(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return errors.Wrap(errors.ErrAlreadyInState, "scheduler already paused")
	}
	s.paused = true
	s.pauseReason = reason
	s.log.Info("scheduler paused", "reason", reason)
	return nil
}

// Resume lifts a pause. Resuming an unpaused scheduler returns
// ErrAlreadyInState.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyInState, "scheduler not paused")
	}
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()

	s.log.Info("scheduler resumed")
	s.kickWorkers()
	return nil
}

// SubmitManual queues a group directly, bypassing the assembler: the group
// row is created if absent and moved to pending. Submitting a group that is
// already pending is a no-op; a group currently being worked on is refused.
func (s *Scheduler) SubmitManual(ctx context.Context, groupID string) error {
	if _, err := s.store.CreateOrTouch(ctx, groupID, s.rt.Snapshot().ExpectedSubbands); err != nil {
		return err
	}
	g, err := s.store.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.State == groupqueue.StateInProgress {
		return errors.NewConflictError("group", groupID, "a worker is processing it")
	}
	if _, err := s.store.SetState(ctx, groupID, groupqueue.StatePending, ""); err != nil {
		if errors.Is(err, errors.ErrAlreadyInState) {
			s.kickWorkers()
			return nil
		}
		return err
	}

	s.log.Info("group submitted manually", "group_id", groupID)
	s.kickWorkers()
	return nil
}

// Snapshot reports the current pool state.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running,
		Paused:      s.paused,
		PauseReason: s.pauseReason,
		Busy:        int(s.busy.Load()),
	}
	if s.running {
		st.Idle = max(s.rt.Snapshot().Workers()-st.Busy, 0)
		st.Uptime = s.now().Sub(s.startedAt)
	}
	return st
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) kickWorkers() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// worker loops claim→run until the claim context ends. claimCtx gates
// waiting and claiming; stageCtx covers stage execution so a graceful stop
// can drain in-flight work before cutting it off.
func (s *Scheduler) worker(claimCtx, stageCtx context.Context, id int) {
	log := s.log.With("worker", id)
	for {
		if claimCtx.Err() != nil {
			return
		}
		if s.isPaused() {
			if !s.waitForWork(claimCtx) {
				return
			}
			continue
		}

		g, err := s.store.ClaimOneReady(claimCtx)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			if !errors.Is(err, errors.ErrQueueEmpty) {
				log.Error("claiming group failed", "error", err)
			}
			if !s.waitForWork(claimCtx) {
				return
			}
			continue
		}

		s.busy.Add(1)
		s.metrics.WorkersBusy.Inc()
		s.runGroup(stageCtx, g)
		s.metrics.WorkersBusy.Dec()
		s.busy.Add(-1)
	}
}

// waitForWork blocks for a kick or the next poll tick. False means the
// context ended.
func (s *Scheduler) waitForWork(ctx context.Context) bool {
	poll := time.NewTimer(s.rt.Snapshot().ClaimPollInterval())
	defer poll.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.kick:
		return true
	case <-poll.C:
		return true
	}
}

// reaper periodically resets in-progress groups whose workers died without
// finishing (crash, kill -9) so their claims are not lost forever.
func (s *Scheduler) reaper(ctx context.Context) {
	if s.rt.Snapshot().ReapOnStart {
		s.reapOnce(ctx)
	}

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	snap := s.rt.Snapshot()
	requeued, failed, err := s.store.ReapStale(ctx, snap.ClaimReaperAge(), snap.MaxGroupRetries)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("reaping stale groups failed", "error", err)
		}
		return
	}

	for _, id := range failed {
		s.bus.Publish(event.NewGroupFailedEvent(id, "", groupqueue.ReapExhaustedMessage))
	}
	if len(failed) > 0 {
		s.log.Error("orphaned claims out of retries", "count", len(failed), "group_ids", failed)
	}

	if len(requeued) == 0 {
		return
	}
	s.log.Warn("reaped orphaned claims", "count", len(requeued), "group_ids", requeued)
	s.metrics.ReapedGroups.Add(float64(len(requeued)))
	s.kickWorkers()
}
