package groupqueue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Table names.
const (
	tGroups   = "groups"
	tSubbands = "subband_files"
	tPointing = "pointing_history"
)

// dsnFormat opens sqlite in WAL mode with a write-busy timeout, enforced
// foreign keys, and immediate transactions so writers queue instead of
// failing on snapshot upgrades.
const dsnFormat = "file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Store is the durable group queue. All state transitions go through single
// guarded UPDATE statements, so concurrent workers on the same database see
// a linearizable queue.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
	now func() time.Time
}

// Open opens (creating if necessary) the queue database at path and applies
// embedded migrations.
func Open(ctx context.Context, path string, log *logging.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf(dsnFormat, path))
	if err != nil {
		return nil, errors.NewStorageError("opening queue database", err).WithKind(errors.KindConfig)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStorageError("connecting to queue database", err).WithKind(errors.KindConfig)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:  db,
		log: log.WithComponent("groupqueue"),
		now: time.Now,
	}, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return errors.NewStorageError("loading embedded migrations", err).WithKind(errors.KindConfig)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db.DB, sub)
	if err != nil {
		return errors.NewStorageError("initializing migration provider", err).WithKind(errors.KindConfig)
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.NewStorageError("applying queue migrations", err).WithKind(errors.KindConfig)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateOrTouch inserts a new collecting group, or bumps last_update when
// the group already exists. Created reports which happened; a lost insert
// race converts to a touch, so exactly one caller observes Created.
func (s *Store) CreateOrTouch(ctx context.Context, groupID string, expectedSubbands int) (bool, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (group_id, state, processing_stage, expected_subbands, received_at, last_update)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id) DO NOTHING`, tGroups),
		groupID, StateCollecting, LabelCollecting, expectedSubbands, now, now)
	if err != nil {
		return false, errors.NewStorageError("creating group", err).WithTable(tGroups).WithOp("create")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorageError("creating group", err).WithTable(tGroups).WithOp("create")
	}
	if n > 0 {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_update = ? WHERE group_id = ?`, tGroups),
		now, groupID); err != nil {
		return false, errors.NewStorageError("touching group", err).WithTable(tGroups).WithOp("touch")
	}
	return false, nil
}

// AddSubband records a subband file for a group. The index must lie in
// [0, expected_subbands); anything outside is a validation error and is not
// stored, so stray captures can never count toward completeness. A
// re-delivered index replaces the previous path (last write wins); the
// replacement is logged.
func (s *Store) AddSubband(ctx context.Context, groupID string, idx int, path string, size int64) error {
	var expected int
	err := s.db.GetContext(ctx, &expected,
		fmt.Sprintf(`SELECT expected_subbands FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return errors.NewStorageError("reading group", err).WithTable(tGroups).WithOp("add")
	}
	if idx < 0 || idx >= expected {
		return errors.NewValidationError(fmt.Sprintf("subband index outside [0, %d)", expected)).
			WithField("subband_idx").
			WithValue(idx)
	}

	var oldPath string
	err = s.db.GetContext(ctx, &oldPath,
		fmt.Sprintf(`SELECT path FROM %s WHERE group_id = ? AND subband_idx = ?`, tSubbands),
		groupID, idx)
	if err != nil && err != sql.ErrNoRows {
		return errors.NewStorageError("checking existing subband", err).WithTable(tSubbands).WithOp("add")
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (group_id, subband_idx, path, size, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (group_id, subband_idx) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			added_at = excluded.added_at`, tSubbands),
		groupID, idx, path, size, s.now().UTC())
	if err != nil {
		return errors.NewStorageError("recording subband", err).WithTable(tSubbands).WithOp("add")
	}

	if oldPath != "" && oldPath != path {
		s.log.Warn("subband file replaced",
			"group_id", groupID,
			"subband_idx", idx,
			"old_path", oldPath,
			"new_path", path)
	}
	return nil
}

// CountSubbands returns the number of distinct subbands recorded for a group.
func (s *Store) CountSubbands(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE group_id = ?`, tSubbands), groupID)
	if err != nil {
		return 0, errors.NewStorageError("counting subbands", err).WithTable(tSubbands).WithOp("count")
	}
	return n, nil
}

// SetState transitions a group to newState, enforcing the state machine.
// It returns the previous state. errorMessage is recorded only on a
// transition to failed.
func (s *Store) SetState(ctx context.Context, groupID string, newState State, errorMessage string) (State, error) {
	if !newState.IsValid() {
		return "", fmt.Errorf("%w: unknown state %q", errors.ErrInvalidInput, newState)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.NewStorageError("beginning transition", err).WithTable(tGroups).WithOp("set_state")
	}
	defer tx.Rollback()

	var prev State
	err = tx.GetContext(ctx, &prev,
		fmt.Sprintf(`SELECT state FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return "", errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return "", errors.NewStorageError("reading group state", err).WithTable(tGroups).WithOp("set_state")
	}

	if prev == newState {
		return prev, fmt.Errorf("%w: group %s already %s", errors.ErrAlreadyInState, groupID, newState)
	}
	if !CanTransition(prev, newState) {
		return prev, fmt.Errorf("%w: group %s cannot move %s -> %s", errors.ErrInvalidTransition, groupID, prev, newState)
	}

	now := s.now().UTC()
	qb := sqrl.Update(tGroups).
		Set("state", newState).
		Set("last_update", now).
		Where(sqrl.Eq{"group_id": groupID, "state": prev})

	switch newState {
	case StatePending:
		qb = qb.Set("processing_stage", LabelQueued).Set("not_before", nil)
	case StateInProgress:
		qb = qb.Set("started_at", sqrl.Expr("COALESCE(started_at, ?)", now))
	case StateCompleted:
		qb = qb.Set("completed_at", now).Set("processing_stage", LabelDone)
	case StateFailed:
		qb = qb.Set("error_message", nullable(errorMessage))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return prev, errors.NewStorageError("building transition", err).WithTable(tGroups).WithOp("set_state")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return prev, errors.NewStorageError("applying transition", err).WithTable(tGroups).WithOp("set_state")
	}
	if err := tx.Commit(); err != nil {
		return prev, errors.NewStorageError("committing transition", err).WithTable(tGroups).WithOp("set_state")
	}
	return prev, nil
}

// ClaimOneReady atomically claims the oldest pending group whose backoff
// gate has passed and returns it in in_progress state. Returns ErrQueueEmpty
// when nothing is claimable. sqlite's single-writer UPDATE makes concurrent
// claims hand out distinct groups.
func (s *Store) ClaimOneReady(ctx context.Context) (*Group, error) {
	now := s.now().UTC()

	var g Group
	err := s.db.QueryRowxContext(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET
			state = ?,
			started_at = COALESCE(started_at, ?),
			last_update = ?
		WHERE group_id = (
			SELECT group_id FROM %[1]s
			WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
			ORDER BY received_at
			LIMIT 1
		)
		RETURNING *`, tGroups),
		StateInProgress, now, now, StatePending, now).StructScan(&g)
	if err == sql.ErrNoRows {
		return nil, errors.ErrQueueEmpty
	}
	if err != nil {
		return nil, errors.NewStorageError("claiming ready group", err).WithTable(tGroups).WithOp("claim")
	}
	return &g, nil
}

// FinishSuccess moves an in-progress group to completed.
func (s *Store) FinishSuccess(ctx context.Context, groupID string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			state = ?,
			processing_stage = ?,
			completed_at = ?,
			last_update = ?,
			error_message = NULL
		WHERE group_id = ? AND state = ?`, tGroups),
		StateCompleted, LabelDone, now, now, groupID, StateInProgress)
	if err != nil {
		return errors.NewStorageError("completing group", err).WithTable(tGroups).WithOp("finish_success")
	}
	return s.requireInProgressRow(ctx, res, groupID, StateCompleted)
}

// FinishFailure records a transient failure on an in-progress group.
// While retries remain the group returns to pending gated by
// not_before = now + retryIn; once the attempt count would pass maxRetries
// it moves to failed instead, with the stored retry_count capped at
// maxRetries. Returns true when the group failed permanently.
func (s *Store) FinishFailure(ctx context.Context, groupID, cause string, retryIn time.Duration, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.NewStorageError("beginning failure", err).WithTable(tGroups).WithOp("finish_failure")
	}
	defer tx.Rollback()

	var row struct {
		State      State `db:"state"`
		RetryCount int   `db:"retry_count"`
	}
	err = tx.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT state, retry_count FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return false, errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return false, errors.NewStorageError("reading group", err).WithTable(tGroups).WithOp("finish_failure")
	}
	if row.State != StateInProgress {
		return false, fmt.Errorf("%w: group %s is %s, not %s", errors.ErrInvalidTransition, groupID, row.State, StateInProgress)
	}

	now := s.now().UTC()
	newCount := row.RetryCount + 1
	exhausted := newCount > maxRetries
	if exhausted {
		// The failed state carries the exhaustion signal; the counter stays
		// within the cap.
		newCount = maxRetries
	}

	qb := sqrl.Update(tGroups).
		Set("retry_count", newCount).
		Set("error_message", nullable(cause)).
		Set("last_update", now).
		Where(sqrl.Eq{"group_id": groupID, "state": StateInProgress})
	if exhausted {
		qb = qb.Set("state", StateFailed)
	} else {
		qb = qb.Set("state", StatePending).
			Set("processing_stage", LabelQueued).
			Set("not_before", now.Add(retryIn))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return false, errors.NewStorageError("building failure", err).WithTable(tGroups).WithOp("finish_failure")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, errors.NewStorageError("recording failure", err).WithTable(tGroups).WithOp("finish_failure")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.NewStorageError("committing failure", err).WithTable(tGroups).WithOp("finish_failure")
	}
	return exhausted, nil
}

// FinishFatal moves an in-progress group straight to failed, bypassing
// retries. Used for failures that retrying cannot fix.
func (s *Store) FinishFatal(ctx context.Context, groupID, cause string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = ?, error_message = ?, last_update = ?
		WHERE group_id = ? AND state = ?`, tGroups),
		StateFailed, cause, s.now().UTC(), groupID, StateInProgress)
	if err != nil {
		return errors.NewStorageError("failing group", err).WithTable(tGroups).WithOp("finish_fatal")
	}
	return s.requireInProgressRow(ctx, res, groupID, StateFailed)
}

// requireInProgressRow converts a zero-row guarded finish UPDATE into the
// precise error: the group is missing or was not in_progress.
func (s *Store) requireInProgressRow(ctx context.Context, res sql.Result, groupID string, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("checking rows", err).WithTable(tGroups)
	}
	if n > 0 {
		return nil
	}

	var state State
	err = s.db.GetContext(ctx, &state,
		fmt.Sprintf(`SELECT state FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return errors.NewStorageError("reading group state", err).WithTable(tGroups)
	}
	if state == to {
		return fmt.Errorf("%w: group %s already %s", errors.ErrAlreadyInState, groupID, to)
	}
	return fmt.Errorf("%w: group %s is %s, not %s", errors.ErrInvalidTransition, groupID, state, StateInProgress)
}

// Get returns one group by ID.
func (s *Store) Get(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	err := s.db.GetContext(ctx, &g,
		fmt.Sprintf(`SELECT * FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return nil, errors.NewStorageError("reading group", err).WithTable(tGroups).WithOp("get")
	}
	return &g, nil
}

// Subbands returns the recorded subband files of a group in index order.
func (s *Store) Subbands(ctx context.Context, groupID string) ([]SubbandFile, error) {
	var files []SubbandFile
	err := s.db.SelectContext(ctx, &files,
		fmt.Sprintf(`SELECT * FROM %s WHERE group_id = ? ORDER BY subband_idx`, tSubbands), groupID)
	if err != nil {
		return nil, errors.NewStorageError("listing subbands", err).WithTable(tSubbands).WithOp("list")
	}
	return files, nil
}

// ListByState returns groups in a state ordered by arrival, oldest first.
// An empty state matches every group.
func (s *Store) ListByState(ctx context.Context, state State, limit, offset int) ([]Group, error) {
	qb := sqrl.Select("*").From(tGroups).OrderBy("received_at ASC")
	if state != "" {
		qb = qb.Where(sqrl.Eq{"state": state})
	}
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	if offset > 0 {
		qb = qb.Offset(uint64(offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.NewStorageError("building list", err).WithTable(tGroups).WithOp("list")
	}

	var groups []Group
	if err := s.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, errors.NewStorageError("listing groups", err).WithTable(tGroups).WithOp("list")
	}
	return groups, nil
}

// ListCollectingOlderThan returns collecting groups that arrived before the
// cutoff. This is the completeness sweep's input.
func (s *Store) ListCollectingOlderThan(ctx context.Context, cutoff time.Time) ([]Group, error) {
	var groups []Group
	err := s.db.SelectContext(ctx, &groups, fmt.Sprintf(`
		SELECT * FROM %s
		WHERE state = ? AND received_at < ?
		ORDER BY received_at`, tGroups),
		StateCollecting, cutoff.UTC())
	if err != nil {
		return nil, errors.NewStorageError("listing stale collecting groups", err).WithTable(tGroups).WithOp("sweep")
	}
	return groups, nil
}

// Stats returns the number of groups in each state. Every state appears in
// the map, with zero for empty ones.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		fmt.Sprintf(`SELECT state, COUNT(*) AS n FROM %s GROUP BY state`, tGroups))
	if err != nil {
		return nil, errors.NewStorageError("computing stats", err).WithTable(tGroups).WithOp("stats")
	}
	defer rows.Close()

	stats := make(map[State]int, len(States()))
	for _, st := range States() {
		stats[st] = 0
	}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.NewStorageError("scanning stats", err).WithTable(tGroups).WithOp("stats")
		}
		stats[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("iterating stats", err).WithTable(tGroups).WithOp("stats")
	}
	return stats, nil
}

// ResetFailed returns a failed group to pending with a clean slate:
// error cleared, retry count zeroed, backoff gate lifted.
func (s *Store) ResetFailed(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			state = ?,
			processing_stage = ?,
			retry_count = 0,
			error_message = NULL,
			not_before = NULL,
			last_update = ?
		WHERE group_id = ? AND state = ?`, tGroups),
		StatePending, LabelQueued, s.now().UTC(), groupID, StateFailed)
	if err != nil {
		return errors.NewStorageError("resetting group", err).WithTable(tGroups).WithOp("reset")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("checking rows", err).WithTable(tGroups).WithOp("reset")
	}
	if n > 0 {
		return nil
	}

	var state State
	err = s.db.GetContext(ctx, &state,
		fmt.Sprintf(`SELECT state FROM %s WHERE group_id = ?`, tGroups), groupID)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return errors.NewStorageError("reading group state", err).WithTable(tGroups).WithOp("reset")
	}
	return fmt.Errorf("%w: group %s is %s, only failed groups can be reset", errors.ErrInvalidTransition, groupID, state)
}

// ReapExhaustedMessage is the error_message stored on a group whose stale
// claim was reaped with no retries left.
const ReapExhaustedMessage = "stale claim reaped, retries exhausted"

// ReapStale recovers in-progress groups whose last_update is older than
// olderThan (a crashed or killed worker never finished them). Groups with
// retries remaining return to pending with retry_count bumped; groups
// already at maxRetries move to failed instead, mirroring FinishFailure's
// cap. Both sets of group IDs are returned.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration, maxRetries int) (requeued, failed []string, err error) {
	now := s.now().UTC()
	cutoff := now.Add(-olderThan)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, errors.NewStorageError("beginning reap", err).WithTable(tGroups).WithOp("reap")
	}
	defer tx.Rollback()

	failed, err = reapedIDs(tx.QueryxContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			state = ?,
			error_message = ?,
			not_before = NULL,
			last_update = ?
		WHERE state = ? AND last_update < ? AND retry_count >= ?
		RETURNING group_id`, tGroups),
		StateFailed, ReapExhaustedMessage, now, StateInProgress, cutoff, maxRetries))
	if err != nil {
		return nil, nil, err
	}

	requeued, err = reapedIDs(tx.QueryxContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			state = ?,
			processing_stage = ?,
			retry_count = retry_count + 1,
			not_before = NULL,
			last_update = ?
		WHERE state = ? AND last_update < ? AND retry_count < ?
		RETURNING group_id`, tGroups),
		StatePending, LabelQueued, now, StateInProgress, cutoff, maxRetries))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.NewStorageError("committing reap", err).WithTable(tGroups).WithOp("reap")
	}

	for _, id := range requeued {
		s.log.Warn("reclaimed stale in-progress group", "group_id", id)
	}
	for _, id := range failed {
		s.log.Error("stale in-progress group out of retries", "group_id", id)
	}
	return requeued, failed, nil
}

// reapedIDs drains one RETURNING group_id result set.
func reapedIDs(rows *sqlx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, errors.NewStorageError("reaping stale groups", err).WithTable(tGroups).WithOp("reap")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewStorageError("scanning reaped group", err).WithTable(tGroups).WithOp("reap")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("iterating reaped groups", err).WithTable(tGroups).WithOp("reap")
	}
	return ids, nil
}

// MarkStage updates the operator-facing processing stage label.
func (s *Store) MarkStage(ctx context.Context, groupID, label string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET processing_stage = ?, last_update = ? WHERE group_id = ?`, tGroups),
		label, s.now().UTC(), groupID)
	if err != nil {
		return errors.NewStorageError("marking stage", err).WithTable(tGroups).WithOp("mark_stage")
	}
	return s.requireRow(res, groupID)
}

// SetCheckpoint records the last completed pipeline stage and an optional
// checkpoint path. A requeued group resumes from the stage after this one.
func (s *Store) SetCheckpoint(ctx context.Context, groupID, stage, checkpointPath string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET checkpoint_stage = ?, checkpoint_path = ?, last_update = ?
		WHERE group_id = ?`, tGroups),
		stage, nullable(checkpointPath), s.now().UTC(), groupID)
	if err != nil {
		return errors.NewStorageError("recording checkpoint", err).WithTable(tGroups).WithOp("checkpoint")
	}
	return s.requireRow(res, groupID)
}

// SetCalibrators records calibrator metadata reported by the convert stage.
func (s *Store) SetCalibrators(ctx context.Context, groupID string, hasCal bool, cals []string) error {
	data, err := json.Marshal(cals)
	if err != nil {
		return fmt.Errorf("%w: encoding calibrators: %v", errors.ErrInvalidInput, err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET has_calibrator = ?, calibrators = ?, last_update = ?
		WHERE group_id = ?`, tGroups),
		hasCal, string(data), s.now().UTC(), groupID)
	if err != nil {
		return errors.NewStorageError("recording calibrators", err).WithTable(tGroups).WithOp("calibrators")
	}
	return s.requireRow(res, groupID)
}

// AddPointing appends a pointing sample. A duplicate timestamp updates the
// coordinates in place.
func (s *Store) AddPointing(ctx context.Context, sample PointingSample) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (ts, ra_deg, dec_deg) VALUES (?, ?, ?)
		ON CONFLICT (ts) DO UPDATE SET ra_deg = excluded.ra_deg, dec_deg = excluded.dec_deg`, tPointing),
		sample.TS.UTC(), sample.RADeg, sample.DecDeg)
	if err != nil {
		return errors.NewStorageError("recording pointing", err).WithTable(tPointing).WithOp("add")
	}
	return nil
}

// PointingRange returns pointing samples with from <= ts <= to, oldest
// first, capped at limit (zero means no cap).
func (s *Store) PointingRange(ctx context.Context, from, to time.Time, limit int) ([]PointingSample, error) {
	qb := sqrl.Select("*").From(tPointing).
		Where(sqrl.GtOrEq{"ts": from.UTC()}).
		Where(sqrl.LtOrEq{"ts": to.UTC()}).
		OrderBy("ts ASC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.NewStorageError("building pointing query", err).WithTable(tPointing).WithOp("range")
	}

	var samples []PointingSample
	if err := s.db.SelectContext(ctx, &samples, query, args...); err != nil {
		return nil, errors.NewStorageError("listing pointing samples", err).WithTable(tPointing).WithOp("range")
	}
	return samples, nil
}

// requireRow converts a zero-row UPDATE into ErrNotFound.
func (s *Store) requireRow(res sql.Result, groupID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("checking rows", err).WithTable(tGroups)
	}
	if n == 0 {
		return errors.NewNotFoundError("group", groupID)
	}
	return nil
}

// nullable maps "" to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
