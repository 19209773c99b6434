package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sqrl "github.com/Masterminds/squirrel"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/fsutil"
)

// publishLocks serializes publish attempts per data ID so concurrent Publish
// calls for the same product cannot race the status check.
type publishLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *publishLocks) init() {
	l.m = make(map[string]*sync.Mutex)
}

func (l *publishLocks) acquire(dataID string) func() {
	l.mu.Lock()
	lk, ok := l.m[dataID]
	if !ok {
		lk = &sync.Mutex{}
		l.m[dataID] = lk
	}
	l.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// Publish moves a product from the staging tier into the published tier at
// <publishedDir>/<data_type>/<basename>. The product must be finalized.
// Publishing an already published product is a no-op returning the current
// record; a product past the attempt cap is refused.
func (r *Registry) Publish(ctx context.Context, dataID string) (*PublishResult, error) {
	unlock := r.locks.acquire(dataID)
	defer unlock()

	p, err := r.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusPublished:
		return &PublishResult{Product: p, AlreadyPublished: true}, nil
	case StatusMaxAttemptsExceeded:
		return nil, errors.Wrapf(errors.ErrPublishExhausted, "product %s after %d attempts", dataID, p.PublishAttempts)
	case StatusPublishing:
		return nil, errors.NewConflictError("product", dataID, "publish already in flight")
	}

	if p.FinalizationStatus != FinalizationFinalized {
		return nil, errors.Wrapf(errors.ErrNotFinalized, "product %s", dataID)
	}

	src := derefString(p.StagePath)
	attempt := p.PublishAttempts + 1

	if src == "" || !fsutil.Exists(src) {
		return nil, r.failPublish(ctx, dataID, attempt,
			errors.NewPublishError("staged source missing", errors.ErrSourceMissing).
				WithDataID(dataID).WithAttempt(attempt).WithKind(errors.KindFatal))
	}

	dest := r.destPath(p)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, r.failPublish(ctx, dataID, attempt,
			errors.NewPublishError("creating published tier directory", err).
				WithDataID(dataID).WithDest(dest).WithAttempt(attempt))
	}

	if err := r.markPublishing(ctx, dataID); err != nil {
		return nil, err
	}

	if err := r.mover.Move(src, dest); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			r.log.Warn("removing partial destination",
				"data_id", dataID, "error", rmErr)
		}
		return nil, r.failPublish(ctx, dataID, attempt,
			errors.NewPublishError("moving product to published tier", err).
				WithDataID(dataID).WithDest(dest).WithAttempt(attempt))
	}

	if err := r.markPublished(ctx, dataID, dest, attempt); err != nil {
		return nil, err
	}

	r.log.Info("product published",
		"data_id", dataID,
		"published_path", dest,
		"attempts", attempt)
	r.bus.Publish(event.NewProductPublishedEvent(dataID, dest, attempt))

	refreshed, err := r.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Product: refreshed}, nil
}

// Retry re-attempts a failed publish. A product past the attempt cap is
// refused permanently.
func (r *Registry) Retry(ctx context.Context, dataID string) (*PublishResult, error) {
	p, err := r.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusMaxAttemptsExceeded {
		return nil, errors.Wrapf(errors.ErrPublishExhausted, "product %s after %d attempts", dataID, p.PublishAttempts)
	}
	return r.Publish(ctx, dataID)
}

// RetryAll re-attempts every failed publish still under the attempt cap, up
// to limit products, oldest staged first. maxAttempts <= 0 uses the
// configured cap. Per-product failures are collected, not fatal.
func (r *Registry) RetryAll(ctx context.Context, limit, maxAttempts int) (*RetryAllResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = r.rt.Snapshot().MaxPublishAttempts
	}

	qb := sqrl.Select("data_id").From(tProducts).
		Where(sqrl.Eq{"status": StatusFailedPublish}).
		Where(sqrl.Lt{"publish_attempts": maxAttempts}).
		OrderBy("staged_at ASC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.NewStorageError("building retry-all query", err).WithTable(tProducts).WithOp("retry_all")
	}

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, errors.NewStorageError("listing retryable products", err).WithTable(tProducts).WithOp("retry_all")
	}

	result := &RetryAllResult{Results: []RetryAllOutcome{}}
	for _, id := range ids {
		result.Attempted++
		res, err := r.Publish(ctx, id)
		if err != nil {
			result.Failed++
			status := StatusFailedPublish
			if errors.Is(err, errors.ErrPublishExhausted) {
				status = StatusMaxAttemptsExceeded
			}
			result.Results = append(result.Results, RetryAllOutcome{DataID: id, Status: status, Error: err.Error()})
			continue
		}
		result.Successful++
		result.Results = append(result.Results, RetryAllOutcome{DataID: id, Status: res.Product.Status})
	}
	return result, nil
}

// PublishGroup publishes every finalized, unpublished product of a group,
// oldest staged first. It backs the pipeline's publish stage and is
// idempotent: published products are not selected again. The count of
// products published this call is returned alongside any joined per-product
// errors.
func (r *Registry) PublishGroup(ctx context.Context, groupID string) (int, error) {
	qb := sqrl.Select("data_id").From(tProducts).
		Where(sqrl.Eq{"group_id": groupID}).
		Where(sqrl.Eq{"finalization_status": FinalizationFinalized}).
		Where(sqrl.Eq{"status": []Status{StatusStaging, StatusFailedPublish}}).
		OrderBy("staged_at ASC")
	query, args, err := qb.ToSql()
	if err != nil {
		return 0, errors.NewStorageError("building group publish query", err).WithTable(tProducts).WithOp("publish_group")
	}

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return 0, errors.NewStorageError("listing group products", err).WithTable(tProducts).WithOp("publish_group")
	}

	published := 0
	var errs []error
	for _, id := range ids {
		if _, err := r.Publish(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

// failPublish records a failed attempt, emits publish.failed, and returns
// the publish error (wrapped with ErrPublishExhausted once the cap is hit).
func (r *Registry) failPublish(ctx context.Context, dataID string, attempt int, perr error) error {
	exhausted, err := r.markFailed(ctx, dataID, perr.Error(), attempt)
	if err != nil {
		return errors.Join(perr, err)
	}

	r.log.Warn("publish failed",
		"data_id", dataID,
		"attempt", attempt,
		"exhausted", exhausted,
		"error", perr)
	r.bus.Publish(event.NewPublishFailedEvent(dataID, perr.Error(), attempt, exhausted))

	if exhausted {
		return errors.Wrapf(errors.ErrPublishExhausted, "product %s: %v", dataID, perr)
	}
	return perr
}

func (r *Registry) markPublishing(ctx context.Context, dataID string) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ? WHERE data_id = ? AND status IN (?, ?)`, tProducts),
		StatusPublishing, dataID, StatusStaging, StatusFailedPublish)
	if err != nil {
		return errors.NewStorageError("claiming product for publish", err).WithTable(tProducts).WithOp("publish")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("claiming product for publish", err).WithTable(tProducts).WithOp("publish")
	}
	if n == 0 {
		return errors.NewConflictError("product", dataID, "publish already in flight")
	}
	return nil
}

// markFailed stores a failed attempt, promoting the product to
// max_attempts_exceeded once the configured cap is reached.
func (r *Registry) markFailed(ctx context.Context, dataID, message string, attempts int) (exhausted bool, err error) {
	status := StatusFailedPublish
	if attempts >= r.rt.Snapshot().MaxPublishAttempts {
		status = StatusMaxAttemptsExceeded
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, publish_attempts = ?, publish_error = ? WHERE data_id = ?`, tProducts),
		status, attempts, message, dataID)
	if err != nil {
		return false, errors.NewStorageError("recording publish failure", err).WithTable(tProducts).WithOp("publish")
	}
	return status == StatusMaxAttemptsExceeded, nil
}

func (r *Registry) markPublished(ctx context.Context, dataID, publishedPath string, attempts int) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, published_path = ?, published_at = ?, publish_attempts = ?, publish_error = NULL
		 WHERE data_id = ?`, tProducts),
		StatusPublished, publishedPath, r.now().UTC(), attempts, dataID)
	if err != nil {
		return errors.NewStorageError("recording publish", err).WithTable(tProducts).WithOp("publish")
	}
	return nil
}
