package groupqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), logging.NopLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// makePending creates a group and walks it to pending.
func makePending(t *testing.T, store *Store, groupID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateOrTouch(ctx, groupID, 16); err != nil {
		t.Fatalf("CreateOrTouch(%s) failed: %v", groupID, err)
	}
	if _, err := store.SetState(ctx, groupID, StatePending, ""); err != nil {
		t.Fatalf("SetState(%s, pending) failed: %v", groupID, err)
	}
}

// makeInProgress creates a group and claims it.
func makeInProgress(t *testing.T, store *Store, groupID string) {
	t.Helper()
	makePending(t, store, groupID)
	g, err := store.ClaimOneReady(context.Background())
	if err != nil {
		t.Fatalf("ClaimOneReady failed: %v", err)
	}
	if g.GroupID != groupID {
		t.Fatalf("Claimed %s, want %s", g.GroupID, groupID)
	}
}

func TestCreateOrTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateOrTouch(ctx, "2025-01-15T10:30:00", 16)
	if err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	if !created {
		t.Error("Expected first call to create")
	}

	created, err = store.CreateOrTouch(ctx, "2025-01-15T10:30:00", 16)
	if err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	if created {
		t.Error("Expected second call to report existing")
	}

	g, err := store.Get(ctx, "2025-01-15T10:30:00")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StateCollecting {
		t.Errorf("Expected collecting state, got %s", g.State)
	}
	if g.ProcessingStage != LabelCollecting {
		t.Errorf("Expected collecting label, got %s", g.ProcessingStage)
	}
	if g.ExpectedSubbands != 16 {
		t.Errorf("Expected 16 subbands, got %d", g.ExpectedSubbands)
	}
}

func TestCreateOrTouch_ConcurrentSingleCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	createdCount := 0

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			created, err := store.CreateOrTouch(ctx, "2025-01-15T10:30:00", 16)
			if err != nil {
				t.Errorf("CreateOrTouch failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creator, got %d", createdCount)
	}
}

func TestAddSubband_ReplaceAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	groupID := "2025-01-15T10:30:00"

	if _, err := store.CreateOrTouch(ctx, groupID, 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	if err := store.AddSubband(ctx, groupID, 0, "/input/a_sb00.hdf5", 100); err != nil {
		t.Fatalf("AddSubband failed: %v", err)
	}
	if err := store.AddSubband(ctx, groupID, 1, "/input/a_sb01.hdf5", 100); err != nil {
		t.Fatalf("AddSubband failed: %v", err)
	}
	// Re-delivered index: replace, not duplicate.
	if err := store.AddSubband(ctx, groupID, 0, "/input/redelivered_sb00.hdf5", 120); err != nil {
		t.Fatalf("AddSubband replace failed: %v", err)
	}

	n, err := store.CountSubbands(ctx, groupID)
	if err != nil {
		t.Fatalf("CountSubbands failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 subbands after replacement, got %d", n)
	}

	files, err := store.Subbands(ctx, groupID)
	if err != nil {
		t.Fatalf("Subbands failed: %v", err)
	}
	if files[0].Path != "/input/redelivered_sb00.hdf5" {
		t.Errorf("Expected replaced path, got %s", files[0].Path)
	}
	if files[0].Size != 120 {
		t.Errorf("Expected replaced size 120, got %d", files[0].Size)
	}
}

func TestAddSubband_RejectsOutOfRangeIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	groupID := "2025-01-15T10:30:00"

	if _, err := store.CreateOrTouch(ctx, groupID, 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	if err := store.AddSubband(ctx, groupID, 17, "/input/a_sb17.hdf5", 100); !errors.IsValidation(err) {
		t.Fatalf("Expected validation error for index 17 with 16 expected, got %v", err)
	}
	if err := store.AddSubband(ctx, groupID, 16, "/input/a_sb16.hdf5", 100); !errors.IsValidation(err) {
		t.Fatalf("Expected validation error for index 16 with 16 expected, got %v", err)
	}
	if err := store.AddSubband(ctx, groupID, -1, "/input/a_sb-1.hdf5", 100); !errors.IsValidation(err) {
		t.Fatalf("Expected validation error for negative index, got %v", err)
	}

	// Rejected indexes must not count toward completeness.
	n, err := store.CountSubbands(ctx, groupID)
	if err != nil {
		t.Fatalf("CountSubbands failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 subbands after rejections, got %d", n)
	}

	if err := store.AddSubband(ctx, groupID, 15, "/input/a_sb15.hdf5", 100); err != nil {
		t.Fatalf("AddSubband at top of range failed: %v", err)
	}

	if err := store.AddSubband(ctx, "missing", 0, "/input/b_sb00.hdf5", 100); !errors.IsNotFound(err) {
		t.Errorf("Expected not-found for unknown group, got %v", err)
	}
}

func TestSetState_Transitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateOrTouch(ctx, "g1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	prev, err := store.SetState(ctx, "g1", StatePending, "")
	if err != nil {
		t.Fatalf("SetState to pending failed: %v", err)
	}
	if prev != StateCollecting {
		t.Errorf("Expected previous collecting, got %s", prev)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.ProcessingStage != LabelQueued {
		t.Errorf("Expected queued label after pending, got %s", g.ProcessingStage)
	}
}

func TestSetState_Illegal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateOrTouch(ctx, "g1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	if _, err := store.SetState(ctx, "g1", StateCompleted, ""); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestSetState_AlreadyInState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makePending(t, store, "g1")

	_, err := store.SetState(ctx, "g1", StatePending, "")
	if !errors.Is(err, errors.ErrAlreadyInState) {
		t.Errorf("Expected ErrAlreadyInState, got %v", err)
	}
}

func TestSetState_UnknownGroup(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SetState(context.Background(), "missing", StatePending, "")
	if !errors.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestSetState_FailedRecordsMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateOrTouch(ctx, "g1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	if _, err := store.SetState(ctx, "g1", StateFailed, "insufficient subbands"); err != nil {
		t.Fatalf("SetState to failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.ErrorMessage == nil || *g.ErrorMessage != "insufficient subbands" {
		t.Errorf("Expected error message recorded, got %v", g.ErrorMessage)
	}
}

func TestClaimOneReady_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	makePending(t, store, "older")
	clock = base.Add(time.Minute)
	makePending(t, store, "newer")

	g, err := store.ClaimOneReady(ctx)
	if err != nil {
		t.Fatalf("ClaimOneReady failed: %v", err)
	}
	if g.GroupID != "older" {
		t.Errorf("Expected oldest group first, got %s", g.GroupID)
	}
	if g.State != StateInProgress {
		t.Errorf("Expected claimed group in_progress, got %s", g.State)
	}
	if g.StartedAt == nil {
		t.Error("Expected started_at stamped on claim")
	}
}

func TestClaimOneReady_Empty(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.ClaimOneReady(context.Background()); !errors.Is(err, errors.ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
}

func TestClaimOneReady_HonorsBackoffGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	makeInProgress(t, store, "g1")

	failed, err := store.FinishFailure(ctx, "g1", "converter crashed", 10*time.Minute, 3)
	if err != nil {
		t.Fatalf("FinishFailure failed: %v", err)
	}
	if failed {
		t.Fatal("Expected retry, not permanent failure")
	}

	// Gate still closed.
	if _, err := store.ClaimOneReady(ctx); !errors.Is(err, errors.ErrQueueEmpty) {
		t.Fatalf("Expected ErrQueueEmpty while gated, got %v", err)
	}

	// Gate open.
	clock = base.Add(11 * time.Minute)
	g, err := store.ClaimOneReady(ctx)
	if err != nil {
		t.Fatalf("ClaimOneReady after gate failed: %v", err)
	}
	if g.GroupID != "g1" {
		t.Errorf("Expected g1 reclaimed, got %s", g.GroupID)
	}
	if g.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", g.RetryCount)
	}
}

func TestClaimOneReady_ConcurrentClaimsAreExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 8
	for i := range n {
		makePending(t, store, time.Date(2025, 1, 15, 10, i, 0, 0, time.UTC).Format("2006-01-02T15:04:05"))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			for {
				g, err := store.ClaimOneReady(ctx)
				if errors.Is(err, errors.ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Errorf("ClaimOneReady failed: %v", err)
					return
				}
				mu.Lock()
				claimed[g.GroupID]++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("Expected %d distinct claims, got %d", n, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("Group %s claimed %d times", id, count)
		}
	}
}

func TestFinishSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeInProgress(t, store, "g1")

	if err := store.FinishSuccess(ctx, "g1"); err != nil {
		t.Fatalf("FinishSuccess failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StateCompleted {
		t.Errorf("Expected completed, got %s", g.State)
	}
	if g.CompletedAt == nil {
		t.Error("Expected completed_at stamped")
	}
	if g.ProcessingStage != LabelDone {
		t.Errorf("Expected done label, got %s", g.ProcessingStage)
	}

	// Completed is terminal for FinishSuccess.
	if err := store.FinishSuccess(ctx, "g1"); !errors.Is(err, errors.ErrAlreadyInState) {
		t.Errorf("Expected ErrAlreadyInState on double finish, got %v", err)
	}
}

func TestFinishFailure_ExhaustsToFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeInProgress(t, store, "g1")

	const maxRetries = 2
	for attempt := 1; ; attempt++ {
		failed, err := store.FinishFailure(ctx, "g1", "flagger crashed", 0, maxRetries)
		if err != nil {
			t.Fatalf("FinishFailure attempt %d failed: %v", attempt, err)
		}
		if failed {
			if attempt != maxRetries+1 {
				t.Errorf("Expected exhaustion on attempt %d, got %d", maxRetries+1, attempt)
			}
			break
		}
		if attempt > maxRetries {
			t.Fatal("Expected exhaustion, still retrying")
		}
		if _, err := store.ClaimOneReady(ctx); err != nil {
			t.Fatalf("Reclaim failed: %v", err)
		}
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StateFailed {
		t.Errorf("Expected failed after exhaustion, got %s", g.State)
	}
	// The counter stays capped even though exhaustion was on attempt max+1.
	if g.RetryCount != maxRetries {
		t.Errorf("Expected retry count capped at %d, got %d", maxRetries, g.RetryCount)
	}
}

func TestFinishFatal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeInProgress(t, store, "g1")

	if err := store.FinishFatal(ctx, "g1", "source files missing"); err != nil {
		t.Fatalf("FinishFatal failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StateFailed {
		t.Errorf("Expected failed, got %s", g.State)
	}
	if g.RetryCount != 0 {
		t.Errorf("Expected no retries consumed, got %d", g.RetryCount)
	}
	if g.ErrorMessage == nil || *g.ErrorMessage != "source files missing" {
		t.Errorf("Expected cause recorded, got %v", g.ErrorMessage)
	}
}

func TestResetFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeInProgress(t, store, "g1")
	if err := store.FinishFatal(ctx, "g1", "boom"); err != nil {
		t.Fatalf("FinishFatal failed: %v", err)
	}

	if err := store.ResetFailed(ctx, "g1"); err != nil {
		t.Fatalf("ResetFailed failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StatePending {
		t.Errorf("Expected pending after reset, got %s", g.State)
	}
	if g.RetryCount != 0 {
		t.Errorf("Expected retry count reset, got %d", g.RetryCount)
	}
	if g.ErrorMessage != nil {
		t.Errorf("Expected error cleared, got %v", *g.ErrorMessage)
	}
	if g.NotBefore != nil {
		t.Error("Expected backoff gate lifted")
	}
}

func TestResetFailed_OnlyFailedGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makePending(t, store, "g1")

	if err := store.ResetFailed(ctx, "g1"); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for pending group, got %v", err)
	}
	if err := store.ResetFailed(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

func TestReapStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	makeInProgress(t, store, "stale")
	clock = base.Add(2 * time.Hour)
	makeInProgress(t, store, "fresh")

	requeued, failed, err := store.ReapStale(ctx, time.Hour, 3)
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "stale" {
		t.Fatalf("Expected requeued [stale], got %v", requeued)
	}
	if len(failed) != 0 {
		t.Fatalf("Expected no exhausted groups, got %v", failed)
	}

	g, err := store.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StatePending {
		t.Errorf("Expected reaped group pending, got %s", g.State)
	}
	if g.RetryCount != 1 {
		t.Errorf("Expected retry count 1 after reap, got %d", g.RetryCount)
	}

	fresh, err := store.Get(ctx, "fresh")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.State != StateInProgress {
		t.Errorf("Expected fresh group untouched, got %s", fresh.State)
	}
}

func TestReapStale_FailsAtRetryCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	const maxRetries = 2
	makeInProgress(t, store, "g1")

	// A worker that keeps dying: each cycle the claim goes stale, the
	// reaper requeues it, and a new claim is taken. Requeues stop at the
	// retry cap.
	for cycle := 1; ; cycle++ {
		clock = clock.Add(2 * time.Hour)
		requeued, failed, err := store.ReapStale(ctx, time.Hour, maxRetries)
		if err != nil {
			t.Fatalf("ReapStale cycle %d failed: %v", cycle, err)
		}
		if len(failed) > 0 {
			if cycle != maxRetries+1 {
				t.Errorf("Expected exhaustion on cycle %d, got %d", maxRetries+1, cycle)
			}
			if len(failed) != 1 || failed[0] != "g1" {
				t.Errorf("Expected failed [g1], got %v", failed)
			}
			if len(requeued) != 0 {
				t.Errorf("Expected no requeues on exhaustion, got %v", requeued)
			}
			break
		}
		if cycle > maxRetries {
			t.Fatal("Expected exhaustion, reaper still requeueing")
		}
		if len(requeued) != 1 || requeued[0] != "g1" {
			t.Fatalf("Expected requeued [g1] on cycle %d, got %v", cycle, requeued)
		}
		if _, err := store.ClaimOneReady(ctx); err != nil {
			t.Fatalf("Reclaim on cycle %d failed: %v", cycle, err)
		}
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.State != StateFailed {
		t.Errorf("Expected failed after exhaustion, got %s", g.State)
	}
	if g.RetryCount != maxRetries {
		t.Errorf("Expected retry count capped at %d, got %d", maxRetries, g.RetryCount)
	}
	if g.ErrorMessage == nil || *g.ErrorMessage != ReapExhaustedMessage {
		t.Errorf("Expected exhaustion message recorded, got %v", g.ErrorMessage)
	}

	// Failed is terminal for the reaper.
	clock = clock.Add(2 * time.Hour)
	requeued, failed, err := store.ReapStale(ctx, time.Hour, maxRetries)
	if err != nil {
		t.Fatalf("ReapStale after exhaustion failed: %v", err)
	}
	if len(requeued) != 0 || len(failed) != 0 {
		t.Errorf("Expected failed group left alone, got requeued=%v failed=%v", requeued, failed)
	}
}

func TestCheckpointAndMarkStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeInProgress(t, store, "g1")

	if err := store.MarkStage(ctx, "g1", LabelConverting); err != nil {
		t.Fatalf("MarkStage failed: %v", err)
	}
	if err := store.SetCheckpoint(ctx, "g1", "convert", "/stage/g1.ms"); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.ProcessingStage != LabelConverting {
		t.Errorf("Expected converting label, got %s", g.ProcessingStage)
	}
	if g.CheckpointStage == nil || *g.CheckpointStage != "convert" {
		t.Errorf("Expected checkpoint stage convert, got %v", g.CheckpointStage)
	}
	if g.CheckpointPath == nil || *g.CheckpointPath != "/stage/g1.ms" {
		t.Errorf("Expected checkpoint path recorded, got %v", g.CheckpointPath)
	}

	if err := store.MarkStage(ctx, "missing", LabelImaging); !errors.IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

func TestSetCalibrators(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateOrTouch(ctx, "g1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	if err := store.SetCalibrators(ctx, "g1", true, []string{"CasA", "CygA"}); err != nil {
		t.Fatalf("SetCalibrators failed: %v", err)
	}

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.HasCalibrator == nil || !*g.HasCalibrator {
		t.Error("Expected has_calibrator true")
	}
	if g.Calibrators == nil || *g.Calibrators != `["CasA","CygA"]` {
		t.Errorf("Expected calibrators JSON, got %v", g.Calibrators)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateOrTouch(ctx, "c1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	makePending(t, store, "p1")
	makePending(t, store, "p2")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[StateCollecting] != 1 {
		t.Errorf("Expected 1 collecting, got %d", stats[StateCollecting])
	}
	if stats[StatePending] != 2 {
		t.Errorf("Expected 2 pending, got %d", stats[StatePending])
	}
	if stats[StateCompleted] != 0 {
		t.Errorf("Expected 0 completed, got %d", stats[StateCompleted])
	}
	if len(stats) != len(States()) {
		t.Errorf("Expected all %d states present, got %d", len(States()), len(stats))
	}
}

func TestListByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	for i, id := range []string{"a", "b", "c"} {
		clock = base.Add(time.Duration(i) * time.Minute)
		makePending(t, store, id)
	}

	groups, err := store.ListByState(ctx, StatePending, 2, 0)
	if err != nil {
		t.Fatalf("ListByState failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	if groups[0].GroupID != "a" || groups[1].GroupID != "b" {
		t.Errorf("Expected oldest-first [a b], got [%s %s]", groups[0].GroupID, groups[1].GroupID)
	}

	groups, err = store.ListByState(ctx, StatePending, 2, 2)
	if err != nil {
		t.Fatalf("ListByState with offset failed: %v", err)
	}
	if len(groups) != 1 || groups[0].GroupID != "c" {
		t.Errorf("Expected [c] at offset 2, got %v", groups)
	}
}

func TestListCollectingOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	if _, err := store.CreateOrTouch(ctx, "old", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	clock = base.Add(5 * time.Minute)
	if _, err := store.CreateOrTouch(ctx, "young", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}

	groups, err := store.ListCollectingOlderThan(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ListCollectingOlderThan failed: %v", err)
	}
	if len(groups) != 1 || groups[0].GroupID != "old" {
		t.Errorf("Expected [old], got %v", groups)
	}
}

func TestPointing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := store.AddPointing(ctx, PointingSample{
			TS:     base.Add(time.Duration(i) * time.Minute),
			RADeg:  float64(10 * i),
			DecDeg: float64(-5 * i),
		})
		if err != nil {
			t.Fatalf("AddPointing failed: %v", err)
		}
	}

	// Same timestamp updates in place.
	if err := store.AddPointing(ctx, PointingSample{TS: base, RADeg: 99, DecDeg: 1}); err != nil {
		t.Fatalf("AddPointing update failed: %v", err)
	}

	samples, err := store.PointingRange(ctx, base, base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("PointingRange failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[0].RADeg != 99 {
		t.Errorf("Expected updated RA 99, got %v", samples[0].RADeg)
	}

	limited, err := store.PointingRange(ctx, base, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("PointingRange limited failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 limited samples, got %d", len(limited))
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	store, err := Open(ctx, path, logging.NopLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := store.CreateOrTouch(ctx, "g1", 16); err != nil {
		t.Fatalf("CreateOrTouch failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: migrations are idempotent, data survives.
	store, err = Open(ctx, path, logging.NopLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()

	g, err := store.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if g.GroupID != "g1" {
		t.Errorf("Expected persisted group, got %s", g.GroupID)
	}
}
