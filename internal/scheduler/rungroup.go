package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/fsutil"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
	"github.com/meridian-obs/meridian/internal/registry"
	"github.com/meridian-obs/meridian/internal/stage"
)

// bookkeepingTimeout bounds detached store writes made while the group
// context is already dead (shutdown requeue, panic accounting).
const bookkeepingTimeout = 5 * time.Second

// groupRun carries the state of one claimed group across pipeline stages.
type groupRun struct {
	s           *Scheduler
	g           *groupqueue.Group
	log         *logging.Logger
	msPath      string
	subbands    []groupqueue.SubbandFile
	inputs      map[string]string
	hasCal      *bool
	calibrators []string
}

// runGroup drives one claimed group through the remaining pipeline stages.
func (s *Scheduler) runGroup(ctx context.Context, g *groupqueue.Group) {
	r := &groupRun{
		s:      s,
		g:      g,
		log:    s.log.WithGroup(g.GroupID),
		inputs: map[string]string{},
	}
	r.msPath = filepath.Join(s.rt.Snapshot().StagingDir, g.GroupID+".ms")
	r.inputs["ms"] = r.msPath
	r.hasCal = g.HasCalibrator
	if g.Calibrators != nil {
		// Opaque JSON array from the queue row; a decode failure just means
		// the convert stage gets no calibrator context on resume.
		var cals []string
		if err := json.Unmarshal([]byte(*g.Calibrators), &cals); err == nil {
			r.calibrators = cals
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic while running group",
				"panic", rec,
				"stack", string(debug.Stack()))
			bg, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
			defer cancel()
			r.fail(bg, g.ProcessingStage, fmt.Errorf("internal panic: %v", rec))
		}
	}()

	r.run(ctx)
}

func (r *groupRun) run(ctx context.Context) {
	g := r.g

	pipeline := stage.Pipeline()
	start := 0
	if g.CheckpointStage != nil {
		if idx := stage.IndexOf(*g.CheckpointStage); idx >= 0 {
			start = idx + 1
		}
	}
	if start >= len(pipeline) {
		// Checkpointed past the last stage: a crash between the final stage
		// and the completion write. Close the group out.
		r.finish(ctx)
		return
	}

	var err error
	r.subbands, err = r.s.store.Subbands(ctx, g.GroupID)
	if err != nil {
		r.fail(ctx, pipeline[start].Name, err)
		return
	}
	for _, sb := range r.subbands {
		if !fsutil.Exists(sb.Path) {
			r.fail(ctx, pipeline[start].Name,
				errors.Wrapf(errors.ErrSourceMissing, "subband %02d at %s", sb.SubbandIdx, sb.Path))
			return
		}
	}

	r.log.Info("group claimed",
		"resume_from", pipeline[start].Name,
		"attempt", g.RetryCount+1,
		"subbands", len(r.subbands))

	for i := start; i < len(pipeline); i++ {
		d := pipeline[i]
		res, err := r.runStage(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				r.requeue(d.Name)
				return
			}
			r.fail(ctx, d.Name, err)
			return
		}
		if hint := res.NextStageHint; hint != "" {
			if target := stage.IndexOf(hint); target > i {
				r.log.Info("stage requested skip", "from", d.Name, "to", hint)
				i = target - 1
			}
		}
	}

	r.finish(ctx)
}

// runStage executes one stage: label, lock, run, record artifacts,
// checkpoint. A nil error means the stage succeeded and its products are
// registered.
func (r *groupRun) runStage(ctx context.Context, d stage.Descriptor) (*stage.Result, error) {
	s, g := r.s, r.g

	runner, ok := s.runners[d.Name]
	if !ok {
		return nil, errors.NewStageError("no runner configured", nil).
			WithGroupID(g.GroupID).
			WithStage(d.Name).
			WithKind(errors.KindFatal)
	}

	if d.Label != "" {
		if err := s.store.MarkStage(ctx, g.GroupID, d.Label); err != nil {
			r.log.Warn("recording stage label failed", "stage", d.Name, "error", err)
		}
	}
	s.bus.Publish(event.NewStageStartedEvent(g.GroupID, d.Name, g.RetryCount+1))

	if d.MutatesMS {
		lease, err := s.locks.Acquire(ctx, r.msPath)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
	}

	runCtx, cancel := context.WithTimeout(ctx, s.rt.Snapshot().StageTimeout(d.Name))
	defer cancel()

	req := stage.Request{
		GroupID:  g.GroupID,
		Stage:    d.Name,
		MSPath:   r.msPath,
		Inputs:   maps.Clone(r.inputs),
		Subbands: r.subbands,
		Metadata: r.requestMetadata(),
	}

	started := time.Now()
	res, err := runner.Run(runCtx, req)
	elapsed := time.Since(started)

	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
	case !res.OK:
		outcome = metrics.OutcomeFailure
	}
	if ctx.Err() == nil {
		// Shutdown cancellations are not stage outcomes.
		s.metrics.StageRuns.WithLabelValues(d.Name, outcome).Inc()
		s.metrics.StageDuration.WithLabelValues(d.Name).Observe(elapsed.Seconds())
	}

	if err != nil {
		return nil, err
	}
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "stage reported failure"
		}
		serr := errors.NewStageError(msg, nil).WithGroupID(g.GroupID).WithStage(d.Name)
		if res.Fatal {
			serr = serr.WithKind(errors.KindFatal)
		}
		return nil, serr
	}

	if err := r.recordArtifacts(ctx, d, res.Produced); err != nil {
		return nil, err
	}

	checkpointPath := r.msPath
	if n := len(res.Produced); n > 0 {
		checkpointPath = res.Produced[n-1].StagePath
	}
	if err := s.store.SetCheckpoint(ctx, g.GroupID, d.Name, checkpointPath); err != nil {
		// A stale checkpoint only costs a redundant re-run on resume.
		r.log.Warn("recording checkpoint failed", "stage", d.Name, "error", err)
	}

	s.bus.Publish(event.NewStageCompletedEvent(g.GroupID, d.Name, elapsed, len(res.Produced)))
	r.log.Info("stage completed",
		"stage", d.Name,
		"duration", elapsed.Round(time.Millisecond),
		"produced", len(res.Produced))
	return res, nil
}

// requestMetadata builds the per-run context handed to stage workers.
func (r *groupRun) requestMetadata() map[string]any {
	meta := map[string]any{"attempt": r.g.RetryCount + 1}
	if r.hasCal != nil {
		meta["has_calibrator"] = *r.hasCal
		if len(r.calibrators) > 0 {
			meta["calibrators"] = r.calibrators
		}
	}
	return meta
}

// recordArtifacts registers and finalizes everything a stage produced, in
// production order, and folds the new paths into the inputs for later
// stages.
func (r *groupRun) recordArtifacts(ctx context.Context, d stage.Descriptor, produced []stage.Artifact) error {
	s := r.s
	auto := s.rt.Snapshot().AutoPublish
	for _, a := range produced {
		dataID, err := s.reg.Register(ctx, registry.RegisterRequest{
			DataType:    registry.DataType(a.DataType),
			StagePath:   a.StagePath,
			GroupID:     r.g.GroupID,
			Metadata:    a.Metadata,
			AutoPublish: auto,
		})
		if err != nil {
			return errors.Wrapf(err, "registering %s artifact", a.DataType)
		}
		qa, validation := artifactStatus(a.Metadata)
		if _, err := s.reg.Finalize(ctx, dataID, qa, validation); err != nil {
			return errors.Wrapf(err, "finalizing %s artifact", a.DataType)
		}
		r.inputs[a.DataType] = a.StagePath
	}
	r.inputs["ms"] = r.msPath

	if d.Name == config.StageConvert {
		r.noteCalibrators(ctx, produced)
	}
	return nil
}

// noteCalibrators records calibrator presence reported by the convert
// stage, both on the queue row and in-memory for later stage requests.
func (r *groupRun) noteCalibrators(ctx context.Context, produced []stage.Artifact) {
	for _, a := range produced {
		raw, ok := a.Metadata["has_calibrator"]
		if !ok {
			continue
		}
		has, _ := raw.(bool)
		cals := stringList(a.Metadata["calibrators"])
		if err := r.s.store.SetCalibrators(ctx, r.g.GroupID, has, cals); err != nil {
			r.log.Warn("recording calibrators failed", "error", err)
		}
		r.hasCal = &has
		r.calibrators = cals
		return
	}
}

// artifactStatus pulls QA and validation verdicts out of artifact metadata
// when the producing stage supplied them.
func artifactStatus(md map[string]any) (qa, validation string) {
	if v, ok := md["qa_status"].(string); ok {
		qa = v
	}
	if v, ok := md["validation_status"].(string); ok {
		validation = v
	}
	return qa, validation
}

// stringList coerces a metadata value into a string slice. Decoded JSON
// yields []any; in-process runners may hand over []string directly.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// fail records a stage failure: fatal and validation errors finish the
// group permanently, anything else schedules a backoff retry. The
// group.failed event fires only when the group is done for good.
func (r *groupRun) fail(ctx context.Context, stageName string, cause error) {
	s, g := r.s, r.g

	if errors.IsFatal(cause) || errors.IsValidation(cause) {
		if err := s.store.FinishFatal(ctx, g.GroupID, cause.Error()); err != nil {
			r.log.Error("recording fatal failure failed", "error", err)
		}
		s.bus.Publish(event.NewGroupFailedEvent(g.GroupID, stageName, cause.Error()))
		r.log.Error("group failed permanently", "stage", stageName, "error", cause)
		return
	}

	policy := s.retryPolicy()
	delay := policy.DelayFor(g.RetryCount)
	exhausted, err := s.store.FinishFailure(ctx, g.GroupID, cause.Error(), delay, policy.MaxAttempts)
	if err != nil {
		r.log.Error("recording failure failed", "error", err)
		return
	}
	if exhausted {
		s.bus.Publish(event.NewGroupFailedEvent(g.GroupID, stageName, cause.Error()))
		r.log.Error("group failed, retries exhausted",
			"stage", stageName,
			"retries", g.RetryCount,
			"error", cause)
		return
	}
	r.log.Warn("stage failed, group will retry",
		"stage", stageName,
		"retry_in", delay,
		"error", cause)
}

// requeue hands a claim back to the queue when shutdown interrupts a stage.
// The interruption is not a failure, so the retry counter is untouched.
func (r *groupRun) requeue(stageName string) {
	bg, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if _, err := r.s.store.SetState(bg, r.g.GroupID, groupqueue.StatePending, ""); err != nil {
		r.log.Warn("requeue on shutdown failed, reaper will recover the claim", "error", err)
		return
	}
	r.log.Info("group requeued on shutdown", "stage", stageName)
}

func (r *groupRun) finish(ctx context.Context) {
	if err := r.s.store.FinishSuccess(ctx, r.g.GroupID); err != nil {
		r.log.Error("recording completion failed", "error", err)
		return
	}
	r.s.bus.Publish(event.NewGroupCompletedEvent(r.g.GroupID))
	r.log.Info("group completed")
}
