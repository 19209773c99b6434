package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/fsutil"
	"github.com/meridian-obs/meridian/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const tProducts = "products"

const dsnFormat = "file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Registry is the durable product registry plus the publish engine that
// promotes products from the staging tier to the published tier.
type Registry struct {
	db           *sqlx.DB
	log          *logging.Logger
	bus          *event.Bus
	rt           *config.Runtime
	publishedDir string
	mover        fsutil.Mover
	locks        publishLocks
	now          func() time.Time
}

// Open opens (creating if necessary) the registry database at path, applies
// embedded migrations, and resolves any publishes interrupted by a crash.
func Open(ctx context.Context, path, publishedDir string, rt *config.Runtime, log *logging.Logger, bus *event.Bus) (*Registry, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf(dsnFormat, path))
	if err != nil {
		return nil, errors.NewStorageError("opening registry database", err).WithKind(errors.KindConfig)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStorageError("connecting to registry database", err).WithKind(errors.KindConfig)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Registry{
		db:           db,
		log:          log.WithComponent("registry"),
		bus:          bus,
		rt:           rt,
		publishedDir: publishedDir,
		now:          time.Now,
	}
	r.locks.init()

	if err := r.recoverStalePublishes(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
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
		return errors.NewStorageError("applying registry migrations", err).WithKind(errors.KindConfig)
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register records a stage artifact as a product in staging state. The data
// ID is the staged path. Registering an existing ID updates metadata and the
// auto-publish flag, keeping the same ID; the product.registered event fires
// only for fresh rows.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if !req.DataType.IsValid() {
		return "", errors.NewValidationError("unknown data type").WithField("data_type").WithValue(string(req.DataType))
	}
	if req.StagePath == "" {
		return "", errors.NewValidationError("stage path required").WithField("stage_path")
	}

	var metadata *string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", errors.NewValidationError("encoding metadata").WithField("metadata").WithCause(err)
		}
		s := string(data)
		metadata = &s
	}

	dataID := req.StagePath
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (data_id, data_type, group_id, status, finalization_status, stage_path, metadata, auto_publish, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (data_id) DO NOTHING`, tProducts),
		dataID, req.DataType, nullable(req.GroupID), StatusStaging, FinalizationPending,
		req.StagePath, metadata, req.AutoPublish, r.now().UTC())
	if err != nil {
		return "", errors.NewStorageError("registering product", err).WithTable(tProducts).WithOp("register")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", errors.NewStorageError("registering product", err).WithTable(tProducts).WithOp("register")
	}

	if n == 0 {
		// Idempotent re-register: refresh mutable fields only.
		_, err := r.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET metadata = ?, auto_publish = ? WHERE data_id = ?`, tProducts),
			metadata, req.AutoPublish, dataID)
		if err != nil {
			return "", errors.NewStorageError("updating product", err).WithTable(tProducts).WithOp("register")
		}
		return dataID, nil
	}

	r.log.Info("product registered",
		"data_id", dataID,
		"data_type", req.DataType,
		"group_id", req.GroupID)
	r.bus.Publish(event.NewProductRegisteredEvent(dataID, string(req.DataType), req.GroupID))
	return dataID, nil
}

// Finalize marks a product finalized with its QA and validation outcomes.
// Products flagged auto-publish are published immediately; an auto-publish
// failure is logged and reported on the event stream but does not fail the
// finalize itself (the publish stage or an operator retry will pick it up).
func (r *Registry) Finalize(ctx context.Context, dataID, qaStatus, validationStatus string) (*Product, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET finalization_status = ?, qa_status = ?, validation_status = ?
		WHERE data_id = ?`, tProducts),
		FinalizationFinalized, nullable(qaStatus), nullable(validationStatus), dataID)
	if err != nil {
		return nil, errors.NewStorageError("finalizing product", err).WithTable(tProducts).WithOp("finalize")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.NewStorageError("finalizing product", err).WithTable(tProducts).WithOp("finalize")
	}
	if n == 0 {
		return nil, errors.NewNotFoundError("product", dataID)
	}

	p, err := r.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}

	if p.AutoPublish && p.Status == StatusStaging {
		if _, err := r.Publish(ctx, dataID); err != nil {
			r.log.Warn("auto-publish failed",
				"data_id", dataID,
				"error", err)
		}
		// Re-read: the publish attempt changed the record either way.
		p, err = r.Get(ctx, dataID)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Get returns one product by data ID.
func (r *Registry) Get(ctx context.Context, dataID string) (*Product, error) {
	var p Product
	err := r.db.GetContext(ctx, &p,
		fmt.Sprintf(`SELECT * FROM %s WHERE data_id = ?`, tProducts), dataID)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("product", dataID)
	}
	if err != nil {
		return nil, errors.NewStorageError("reading product", err).WithTable(tProducts).WithOp("get")
	}
	return &p, nil
}

// List returns products matching the filter, newest staged first.
func (r *Registry) List(ctx context.Context, f Filter) ([]Product, error) {
	qb := sqrl.Select("*").From(tProducts).OrderBy("staged_at DESC")
	if f.Status != "" {
		qb = qb.Where(sqrl.Eq{"status": f.Status})
	}
	if f.DataType != "" {
		qb = qb.Where(sqrl.Eq{"data_type": f.DataType})
	}
	if f.GroupID != "" {
		qb = qb.Where(sqrl.Eq{"group_id": f.GroupID})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.NewStorageError("building product list", err).WithTable(tProducts).WithOp("list")
	}

	var products []Product
	if err := r.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, errors.NewStorageError("listing products", err).WithTable(tProducts).WithOp("list")
	}
	return products, nil
}

// ListFailed returns failed-publish products with at least minAttempts
// attempts, oldest staged first.
func (r *Registry) ListFailed(ctx context.Context, minAttempts, limit int) ([]Product, error) {
	qb := sqrl.Select("*").From(tProducts).
		Where(sqrl.Eq{"status": StatusFailedPublish}).
		Where(sqrl.GtOrEq{"publish_attempts": minAttempts}).
		OrderBy("staged_at ASC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.NewStorageError("building failed list", err).WithTable(tProducts).WithOp("list_failed")
	}

	var products []Product
	if err := r.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, errors.NewStorageError("listing failed products", err).WithTable(tProducts).WithOp("list_failed")
	}
	return products, nil
}

// SetAutoPublish flips the auto-publish flag on a product.
func (r *Registry) SetAutoPublish(ctx context.Context, dataID string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET auto_publish = ? WHERE data_id = ?`, tProducts),
		enabled, dataID)
	if err != nil {
		return errors.NewStorageError("setting auto-publish", err).WithTable(tProducts).WithOp("auto_publish")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("setting auto-publish", err).WithTable(tProducts).WithOp("auto_publish")
	}
	if n == 0 {
		return errors.NewNotFoundError("product", dataID)
	}
	return nil
}

// recoverStalePublishes resolves rows stuck in publishing state after a
// crash. A complete destination with the source gone means the move
// finished: mark published. Anything else is a failed attempt: remove the
// partial destination and count it.
func (r *Registry) recoverStalePublishes(ctx context.Context) error {
	var stuck []Product
	err := r.db.SelectContext(ctx, &stuck,
		fmt.Sprintf(`SELECT * FROM %s WHERE status = ?`, tProducts), StatusPublishing)
	if err != nil {
		return errors.NewStorageError("listing stale publishes", err).WithTable(tProducts).WithOp("recover")
	}

	for _, p := range stuck {
		stagePath := derefString(p.StagePath)
		dest := r.destPath(&p)

		srcExists := stagePath != "" && fsutil.Exists(stagePath)
		destComplete := false
		if fsutil.Exists(dest) {
			if !srcExists {
				destComplete = true
			} else {
				srcSize, serr := fsutil.TreeSize(stagePath)
				destSize, derr := fsutil.TreeSize(dest)
				destComplete = serr == nil && derr == nil && srcSize == destSize
			}
		}

		if destComplete {
			if srcExists {
				// The move finished but source cleanup did not.
				if err := os.RemoveAll(stagePath); err != nil {
					r.log.Warn("removing source after recovered publish",
						"data_id", p.DataID, "error", err)
				}
			}
			if err := r.markPublished(ctx, p.DataID, dest, p.PublishAttempts+1); err != nil {
				return err
			}
			r.log.Info("recovered interrupted publish as complete",
				"data_id", p.DataID, "published_path", dest)
			continue
		}

		if fsutil.Exists(dest) {
			if err := os.RemoveAll(dest); err != nil {
				r.log.Warn("removing partial destination",
					"data_id", p.DataID, "error", err)
			}
		}
		if _, err := r.markFailed(ctx, p.DataID, "publish interrupted by restart", p.PublishAttempts+1); err != nil {
			return err
		}
		r.log.Warn("recovered interrupted publish as failed",
			"data_id", p.DataID, "attempts", p.PublishAttempts+1)
	}
	return nil
}

// destPath derives the published tier location for a product:
// <publishedDir>/<data_type>/<basename of staged path>.
func (r *Registry) destPath(p *Product) string {
	return filepath.Join(r.publishedDir, string(p.DataType), filepath.Base(derefString(p.StagePath)))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
