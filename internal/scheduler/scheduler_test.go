package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
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

// fakeRunner records every request and answers with fn, or plain success
// when fn is nil.
type fakeRunner struct {
	name string
	fn   func(ctx context.Context, req stage.Request) (*stage.Result, error)

	mu    sync.Mutex
	calls []stage.Request
}

func (r *fakeRunner) Name() string { return r.name }

func (r *fakeRunner) Run(ctx context.Context, req stage.Request) (*stage.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, req)
	}
	return &stage.Result{OK: true}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) lastCall() stage.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return stage.Request{}
	}
	return r.calls[len(r.calls)-1]
}

func artifactResult(artifacts ...stage.Artifact) func(context.Context, stage.Request) (*stage.Result, error) {
	return func(context.Context, stage.Request) (*stage.Result, error) {
		return &stage.Result{OK: true, Produced: artifacts}, nil
	}
}

type finalizeCall struct {
	dataID     string
	qa         string
	validation string
}

// fakeRegistry satisfies ProductRegistry and records the calls.
type fakeRegistry struct {
	mu          sync.Mutex
	requests    []registry.RegisterRequest
	finalized   []finalizeCall
	registerErr error
}

func (f *fakeRegistry) Register(_ context.Context, req registry.RegisterRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	f.requests = append(f.requests, req)
	return req.StagePath, nil
}

func (f *fakeRegistry) Finalize(_ context.Context, dataID, qa, validation string) (*registry.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, finalizeCall{dataID: dataID, qa: qa, validation: validation})
	return &registry.Product{DataID: dataID, FinalizationStatus: registry.FinalizationFinalized}, nil
}

func (f *fakeRegistry) registeredTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, string(r.DataType))
	}
	return out
}

// eventLog collects bus traffic for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) add(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(eventType string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, ev := range l.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	t       *testing.T
	store   *groupqueue.Store
	reg     *fakeRegistry
	locks   *mslock.Table
	bus     *event.Bus
	rt      *config.Runtime
	sched   *Scheduler
	runners map[string]*fakeRunner
	staging string
	input   string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.InputDir = filepath.Join(dir, "incoming")
	cfg.StagingDir = filepath.Join(dir, "staging")
	cfg.PublishedDir = filepath.Join(dir, "published")
	cfg.NWorkers = 2
	cfg.ExpectedSubbands = 2
	cfg.MaxGroupRetries = 2
	cfg.BaseBackoffS = 0
	cfg.MaxBackoffS = 0
	cfg.ClaimPollIntervalS = 1
	cfg.ReapOnStart = false
	if mutate != nil {
		mutate(cfg)
	}
	for _, d := range []string{cfg.InputDir, cfg.StagingDir, cfg.PublishedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	store, err := groupqueue.Open(context.Background(), filepath.Join(dir, "queue.db"), logging.NopLogger())
	if err != nil {
		t.Fatalf("opening queue store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rt := config.NewRuntime(cfg)
	env := &testEnv{
		t:       t,
		store:   store,
		reg:     &fakeRegistry{},
		locks:   mslock.NewTable(rt, logging.NopLogger()),
		bus:     event.NewBus(),
		rt:      rt,
		runners: map[string]*fakeRunner{},
		staging: cfg.StagingDir,
		input:   cfg.InputDir,
	}

	runners := map[string]stage.Runner{}
	for _, d := range stage.Pipeline() {
		fr := &fakeRunner{name: d.Name}
		env.runners[d.Name] = fr
		runners[d.Name] = fr
	}

	env.sched = New(store, env.reg, env.locks, runners, env.bus, rt, logging.NopLogger(), metrics.New())
	return env
}

func (env *testEnv) start() {
	env.t.Helper()
	if err := env.sched.Start(); err != nil {
		env.t.Fatalf("starting scheduler: %v", err)
	}
	env.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.sched.Stop(ctx, 100*time.Millisecond)
	})
}

// seedGroup creates a pending group with n subband files on disk.
func (env *testEnv) seedGroup(id string, n int) {
	env.t.Helper()
	ctx := context.Background()
	if _, err := env.store.CreateOrTouch(ctx, id, n); err != nil {
		env.t.Fatalf("creating group: %v", err)
	}
	for i := range n {
		p := filepath.Join(env.input, fmt.Sprintf("%s_sb%02d.hdf5", id, i))
		if err := os.WriteFile(p, []byte("subband"), 0o644); err != nil {
			env.t.Fatalf("writing subband file: %v", err)
		}
		if err := env.store.AddSubband(ctx, id, i, p, 7); err != nil {
			env.t.Fatalf("adding subband: %v", err)
		}
	}
	if _, err := env.store.SetState(ctx, id, groupqueue.StatePending, ""); err != nil {
		env.t.Fatalf("queueing group: %v", err)
	}
}

func (env *testEnv) recordEvents() *eventLog {
	l := &eventLog{}
	id := env.bus.SubscribeAll(l.add)
	env.t.Cleanup(func() { env.bus.Unsubscribe(id) })
	return l
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func (env *testEnv) waitGroupState(id string, want groupqueue.State, timeout time.Duration) *groupqueue.Group {
	env.t.Helper()
	var g *groupqueue.Group
	waitFor(env.t, timeout, fmt.Sprintf("group %s to reach %s", id, want), func() bool {
		var err error
		g, err = env.store.Get(context.Background(), id)
		return err == nil && g.State == want
	})
	return g
}

func TestScheduler_StartStopLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	if env.sched.Snapshot().Running {
		t.Error("running before Start")
	}

	if err := env.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.sched.Start(); !errors.Is(err, errors.ErrAlreadyInState) {
		t.Errorf("second Start error = %v, want ErrAlreadyInState", err)
	}

	st := env.sched.Snapshot()
	if !st.Running {
		t.Error("not running after Start")
	}
	if st.Busy != 0 || st.Idle != 2 {
		t.Errorf("Busy/Idle = %d/%d, want 0/2", st.Busy, st.Idle)
	}

	inFlight, err := env.sched.Stop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if inFlight != 0 {
		t.Errorf("inFlight = %d, want 0", inFlight)
	}
	if env.sched.Snapshot().Running {
		t.Error("running after Stop")
	}

	// Stopping a stopped scheduler is a no-op.
	if _, err := env.sched.Stop(context.Background(), time.Second); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	// A stopped scheduler can start again.
	if err := env.sched.Start(); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if _, err := env.sched.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

func TestScheduler_RunsGroupToCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	log := env.recordEvents()

	const id = "2026-08-25T01:02:03"
	env.runners[config.StageConvert].fn = func(_ context.Context, req stage.Request) (*stage.Result, error) {
		return &stage.Result{OK: true, Produced: []stage.Artifact{{
			DataType:  "ms",
			StagePath: req.MSPath,
			Metadata:  map[string]any{"has_calibrator": true, "calibrators": []any{"3C295"}},
		}}}, nil
	}
	env.runners[config.StageCalibrate].fn = artifactResult(stage.Artifact{
		DataType:  "caltable",
		StagePath: filepath.Join(env.staging, id+".cal"),
	})
	env.runners[config.StageImage].fn = artifactResult(stage.Artifact{
		DataType:  "image",
		StagePath: filepath.Join(env.staging, id+".img"),
		Metadata:  map[string]any{"qa_status": "pass"},
	})

	env.seedGroup(id, 2)
	env.start()

	g := env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)

	if g.ProcessingStage != groupqueue.LabelDone {
		t.Errorf("ProcessingStage = %q, want %q", g.ProcessingStage, groupqueue.LabelDone)
	}
	if g.CheckpointStage == nil || *g.CheckpointStage != config.StagePublish {
		t.Errorf("CheckpointStage = %v, want publish", g.CheckpointStage)
	}
	if g.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", g.RetryCount)
	}
	if g.HasCalibrator == nil || !*g.HasCalibrator {
		t.Error("calibrator flag not recorded on the group")
	}
	if g.Calibrators == nil || !strings.Contains(*g.Calibrators, "3C295") {
		t.Errorf("Calibrators = %v, want to contain 3C295", g.Calibrators)
	}

	for _, name := range config.ValidStages() {
		if got := env.runners[name].count(); got != 1 {
			t.Errorf("stage %s ran %d times, want 1", name, got)
		}
	}

	msPath := filepath.Join(env.staging, id+".ms")
	imgReq := env.runners[config.StageImage].lastCall()
	if imgReq.MSPath != msPath {
		t.Errorf("image MSPath = %q, want %q", imgReq.MSPath, msPath)
	}
	if imgReq.Inputs["ms"] != msPath {
		t.Errorf(`image Inputs["ms"] = %q, want %q`, imgReq.Inputs["ms"], msPath)
	}
	if got := imgReq.Inputs["caltable"]; got != filepath.Join(env.staging, id+".cal") {
		t.Errorf(`image Inputs["caltable"] = %q, want the calibrate artifact`, got)
	}

	// Calibrator context reaches later stage requests.
	calReq := env.runners[config.StageCalibrate].lastCall()
	if hc, ok := calReq.Metadata["has_calibrator"].(bool); !ok || !hc {
		t.Errorf("calibrate Metadata has_calibrator = %v, want true", calReq.Metadata["has_calibrator"])
	}
	if len(calReq.Subbands) != 2 {
		t.Errorf("calibrate saw %d subbands, want 2", len(calReq.Subbands))
	}

	// Artifacts registered in production order, QA verdict carried through.
	wantTypes := []string{"ms", "caltable", "image"}
	gotTypes := env.reg.registeredTypes()
	if len(gotTypes) != len(wantTypes) {
		t.Fatalf("registered %d artifacts (%v), want %v", len(gotTypes), gotTypes, wantTypes)
	}
	for i, want := range wantTypes {
		if gotTypes[i] != want {
			t.Errorf("artifact[%d] type = %q, want %q", i, gotTypes[i], want)
		}
	}
	env.reg.mu.Lock()
	lastFinalize := env.reg.finalized[len(env.reg.finalized)-1]
	env.reg.mu.Unlock()
	if lastFinalize.qa != "pass" {
		t.Errorf("image finalized with qa = %q, want pass", lastFinalize.qa)
	}

	if n := len(log.ofType(event.TypeStageStarted)); n != 7 {
		t.Errorf("stage.started events = %d, want 7", n)
	}
	if n := len(log.ofType(event.TypeStageCompleted)); n != 7 {
		t.Errorf("stage.completed events = %d, want 7", n)
	}
	if n := len(log.ofType(event.TypeGroupCompleted)); n != 1 {
		t.Errorf("group.completed events = %d, want 1", n)
	}
	if n := len(log.ofType(event.TypeGroupFailed)); n != 0 {
		t.Errorf("group.failed events = %d, want 0", n)
	}
}

func TestScheduler_TransientFailureResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-25T04:05:06"
	var calibrateCalls atomic.Int32
	env.runners[config.StageCalibrate].fn = func(context.Context, stage.Request) (*stage.Result, error) {
		if calibrateCalls.Add(1) == 1 {
			return &stage.Result{OK: false, Error: "solver diverged"}, nil
		}
		return &stage.Result{OK: true}, nil
	}

	env.seedGroup(id, 2)
	env.start()

	g := env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)
	if g.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", g.RetryCount)
	}
	if got := calibrateCalls.Load(); got != 2 {
		t.Errorf("calibrate ran %d times, want 2", got)
	}
	// The retry resumed from the flag checkpoint instead of starting over.
	if got := env.runners[config.StageConvert].count(); got != 1 {
		t.Errorf("convert ran %d times, want 1", got)
	}
	if got := env.runners[config.StageFlag].count(); got != 1 {
		t.Errorf("flag ran %d times, want 1", got)
	}
	// The retry attempt is visible to the stage worker.
	if got := env.runners[config.StageCalibrate].lastCall().Metadata["attempt"]; got != 2 {
		t.Errorf("second calibrate attempt metadata = %v, want 2", got)
	}
}

func TestScheduler_FatalFailureStopsGroup(t *testing.T) {
	env := newTestEnv(t, nil)
	log := env.recordEvents()

	const id = "2026-08-25T07:08:09"
	env.runners[config.StageConvert].fn = func(context.Context, stage.Request) (*stage.Result, error) {
		return &stage.Result{OK: false, Error: "subband header corrupt", Fatal: true}, nil
	}

	env.seedGroup(id, 2)
	env.start()

	g := env.waitGroupState(id, groupqueue.StateFailed, 5*time.Second)
	if g.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (fatal skips retries)", g.RetryCount)
	}
	if g.ErrorMessage == nil || !strings.Contains(*g.ErrorMessage, "corrupt") {
		t.Errorf("ErrorMessage = %v, want the stage error", g.ErrorMessage)
	}
	if got := env.runners[config.StageConvert].count(); got != 1 {
		t.Errorf("convert ran %d times, want 1", got)
	}
	if got := env.runners[config.StageFlag].count(); got != 0 {
		t.Errorf("flag ran %d times, want 0", got)
	}

	failed := log.ofType(event.TypeGroupFailed)
	if len(failed) != 1 {
		t.Fatalf("group.failed events = %d, want 1", len(failed))
	}
	fe := failed[0].(event.GroupFailedEvent)
	if fe.Stage != config.StageConvert {
		t.Errorf("failed event stage = %q, want convert", fe.Stage)
	}
}

func TestScheduler_ExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxGroupRetries = 1 })
	log := env.recordEvents()

	const id = "2026-08-25T10:11:12"
	env.runners[config.StageConvert].fn = func(context.Context, stage.Request) (*stage.Result, error) {
		return nil, errors.NewStageError("io timeout", nil)
	}

	env.seedGroup(id, 2)
	env.start()

	g := env.waitGroupState(id, groupqueue.StateFailed, 10*time.Second)
	if g.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", g.RetryCount)
	}
	if got := env.runners[config.StageConvert].count(); got != 2 {
		t.Errorf("convert ran %d times, want 2", got)
	}
	// group.failed fires only on exhaustion, not per attempt.
	if n := len(log.ofType(event.TypeGroupFailed)); n != 1 {
		t.Errorf("group.failed events = %d, want 1", n)
	}
}

func TestScheduler_MissingSubbandFileIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-25T13:14:15"
	env.seedGroup(id, 2)

	subs, err := env.store.Subbands(context.Background(), id)
	if err != nil {
		t.Fatalf("listing subbands: %v", err)
	}
	if err := os.Remove(subs[0].Path); err != nil {
		t.Fatalf("removing subband file: %v", err)
	}

	env.start()

	g := env.waitGroupState(id, groupqueue.StateFailed, 5*time.Second)
	if g.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", g.RetryCount)
	}
	if g.ErrorMessage == nil || !strings.Contains(*g.ErrorMessage, "subband") {
		t.Errorf("ErrorMessage = %v, want a missing-subband message", g.ErrorMessage)
	}
	if got := env.runners[config.StageConvert].count(); got != 0 {
		t.Errorf("convert ran %d times, want 0", got)
	}
}

func TestScheduler_MissingRunnerIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	delete(env.sched.runners, config.StageFlag)

	const id = "2026-08-25T16:17:18"
	env.seedGroup(id, 2)
	env.start()

	g := env.waitGroupState(id, groupqueue.StateFailed, 5*time.Second)
	if g.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", g.RetryCount)
	}
	if g.ErrorMessage == nil || !strings.Contains(*g.ErrorMessage, "no runner") {
		t.Errorf("ErrorMessage = %v, want a no-runner message", g.ErrorMessage)
	}
}

func TestScheduler_ForwardSkipHint(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-25T19:20:21"
	env.runners[config.StageConvert].fn = func(context.Context, stage.Request) (*stage.Result, error) {
		return &stage.Result{OK: true, NextStageHint: config.StageImage}, nil
	}
	// A backward hint must be ignored, or retries could loop forever.
	env.runners[config.StageMosaic].fn = func(context.Context, stage.Request) (*stage.Result, error) {
		return &stage.Result{OK: true, NextStageHint: config.StageFlag}, nil
	}

	env.seedGroup(id, 2)
	env.start()

	env.waitGroupState(id, groupqueue.StateCompleted, 5*time.Second)
	for _, name := range []string{config.StageFlag, config.StageCalibrate, config.StageApply} {
		if got := env.runners[name].count(); got != 0 {
			t.Errorf("stage %s ran %d times, want 0 (skipped)", name, got)
		}
	}
	for _, name := range []string{config.StageImage, config.StageMosaic, config.StagePublish} {
		if got := env.runners[name].count(); got != 1 {
			t.Errorf("stage %s ran %d times, want 1", name, got)
		}
	}
}

func TestScheduler_ResumePastFinalStageCompletes(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-25T22:23:24"
	env.seedGroup(id, 2)
	if err := env.store.SetCheckpoint(context.Background(), id, config.StagePublish, ""); err != nil {
		t.Fatalf("setting checkpoint: %v", err)
	}

	env.start()

	env.waitGroupState(id, groupqueue.StateCompleted, 5*time.Second)
	for _, name := range config.ValidStages() {
		if got := env.runners[name].count(); got != 0 {
			t.Errorf("stage %s ran %d times, want 0", name, got)
		}
	}
}

func TestScheduler_PauseHoldsClaims(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	if err := env.sched.Pause("maintenance"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := env.sched.Pause("again"); !errors.Is(err, errors.ErrAlreadyInState) {
		t.Errorf("second Pause error = %v, want ErrAlreadyInState", err)
	}

	st := env.sched.Snapshot()
	if !st.Paused || st.PauseReason != "maintenance" {
		t.Errorf("Snapshot = %+v, want paused with reason", st)
	}

	const id = "2026-08-26T01:02:03"
	env.seedGroup(id, 2)

	time.Sleep(300 * time.Millisecond)
	g, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.State != groupqueue.StatePending {
		t.Fatalf("paused scheduler touched the group: state %s", g.State)
	}

	if err := env.sched.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)

	if err := env.sched.Resume(); !errors.Is(err, errors.ErrAlreadyInState) {
		t.Errorf("Resume when not paused error = %v, want ErrAlreadyInState", err)
	}
}

func TestScheduler_SubmitManual(t *testing.T) {
	env := newTestEnv(t, nil)
	log := env.recordEvents()
	env.start()

	const id = "2026-08-26T04:05:06"
	if err := env.sched.SubmitManual(context.Background(), id); err != nil {
		t.Fatalf("SubmitManual: %v", err)
	}

	env.waitGroupState(id, groupqueue.StateCompleted, 5*time.Second)

	// Manual submission bypasses the assembler, so no group.ready is faked.
	if n := len(log.ofType(event.TypeGroupReady)); n != 0 {
		t.Errorf("group.ready events = %d, want 0", n)
	}

	// A completed group cannot be resubmitted.
	err := env.sched.SubmitManual(context.Background(), id)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("resubmit error = %v, want ErrInvalidTransition", err)
	}
}

func TestScheduler_SubmitManualRefusesInProgress(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-26T07:08:09"
	env.seedGroup(id, 2)
	if _, err := env.store.SetState(context.Background(), id, groupqueue.StateInProgress, ""); err != nil {
		t.Fatalf("claiming group: %v", err)
	}

	err := env.sched.SubmitManual(context.Background(), id)
	if !errors.IsConflict(err) {
		t.Errorf("SubmitManual on in-progress group = %v, want conflict", err)
	}
}

func TestScheduler_StopRequeuesInFlight(t *testing.T) {
	env := newTestEnv(t, nil)

	const id = "2026-08-26T10:11:12"
	started := make(chan struct{})
	env.runners[config.StageConvert].fn = func(ctx context.Context, _ stage.Request) (*stage.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	env.seedGroup(id, 2)
	env.start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("convert never started")
	}

	inFlight, err := env.sched.Stop(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if inFlight != 1 {
		t.Errorf("inFlight = %d, want 1", inFlight)
	}

	g, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.State != groupqueue.StatePending {
		t.Errorf("state after stop = %s, want pending (requeued)", g.State)
	}
	if g.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (shutdown is not a failure)", g.RetryCount)
	}
}

func TestScheduler_ReapsOrphanedClaims(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.ReapOnStart = true
		cfg.ClaimReaperAgeS = 0
	})

	const id = "2026-08-26T13:14:15"
	env.seedGroup(id, 2)
	// Simulate a worker that died mid-claim.
	if _, err := env.store.SetState(context.Background(), id, groupqueue.StateInProgress, ""); err != nil {
		t.Fatalf("claiming group: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the claim age past the zero cutoff

	env.start()

	env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)
}

func TestScheduler_ReaperFailsClaimOutOfRetries(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.ReapOnStart = true
		cfg.ClaimReaperAgeS = 0
	})
	ctx := context.Background()

	const id = "2026-08-26T14:15:16"
	env.seedGroup(id, 2)

	// Burn the retry budget (MaxGroupRetries = 2), then die mid-claim once
	// more with the counter at the cap.
	for range 2 {
		if _, err := env.store.ClaimOneReady(ctx); err != nil {
			t.Fatalf("claiming group: %v", err)
		}
		if _, err := env.store.FinishFailure(ctx, id, "converter crashed", 0, 5); err != nil {
			t.Fatalf("failing group: %v", err)
		}
	}
	if _, err := env.store.ClaimOneReady(ctx); err != nil {
		t.Fatalf("claiming group: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the claim age past the zero cutoff

	log := env.recordEvents()
	env.start()

	g := env.waitGroupState(id, groupqueue.StateFailed, 10*time.Second)
	if g.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", g.RetryCount)
	}
	if g.ErrorMessage == nil || *g.ErrorMessage != groupqueue.ReapExhaustedMessage {
		t.Errorf("error message = %v, want %q", g.ErrorMessage, groupqueue.ReapExhaustedMessage)
	}

	waitFor(t, 5*time.Second, "group.failed event", func() bool {
		return len(log.ofType(event.TypeGroupFailed)) > 0
	})
	fe := log.ofType(event.TypeGroupFailed)[0].(event.GroupFailedEvent)
	if fe.GroupID != id || fe.Reason != groupqueue.ReapExhaustedMessage {
		t.Errorf("group.failed = %+v, want group %s out of retries", fe, id)
	}

	if got := env.runners[config.StageConvert].count(); got != 0 {
		t.Errorf("convert ran %d times for an exhausted group", got)
	}
}

func TestScheduler_WaitsForMSLock(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MSLockTimeoutS = 5 })

	const id = "2026-08-26T16:17:18"
	msPath := filepath.Join(env.staging, id+".ms")
	lease, err := env.locks.Acquire(context.Background(), msPath)
	if err != nil {
		t.Fatalf("acquiring ms lock: %v", err)
	}

	env.seedGroup(id, 2)
	env.start()

	time.Sleep(200 * time.Millisecond)
	if got := env.runners[config.StageConvert].count(); got != 0 {
		t.Fatalf("convert started %d times while the ms lock was held", got)
	}

	lease.Release()
	env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)
}

func TestScheduler_Restart(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	if err := env.sched.Restart(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !env.sched.Snapshot().Running {
		t.Fatal("not running after Restart")
	}

	const id = "2026-08-26T19:20:21"
	env.seedGroup(id, 2)
	env.waitGroupState(id, groupqueue.StateCompleted, 10*time.Second)
}
