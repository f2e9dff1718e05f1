package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/repository/reperrors"
)

const activeIndexName = "purchases_active_student_course_idx"

// IndexCheck caches whether the partial unique index on active purchases
// exists. The check is re-run at most once per TTL, so schema drift is
// noticed without hammering pg_indexes on every message. The clock is
// injected so tests control time.
type IndexCheck struct {
	mu        sync.Mutex
	value     bool
	checkedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewIndexCheck(ttl time.Duration, now func() time.Time) *IndexCheck {
	if now == nil {
		now = time.Now
	}
	return &IndexCheck{ttl: ttl, now: now}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (c *IndexCheck) present(ctx context.Context, q rowQuerier) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.ttl {
		return c.value, nil
	}

	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`,
		activeIndexName).Scan(&exists)
	if err != nil {
		return false, err
	}

	c.value = exists
	c.checkedAt = c.now()
	return exists, nil
}

type PurchaseRepository struct {
	store *Store
	log   *slog.Logger
	index *IndexCheck
}

func NewPurchaseRepository(store *Store, index *IndexCheck, log *slog.Logger) *PurchaseRepository {
	return &PurchaseRepository{store: store, log: log, index: index}
}

// FindActive returns the one active purchase for (student, course), or nil.
func (r *PurchaseRepository) FindActive(ctx context.Context, studentID, courseID string) (*domain.Purchase, error) {
	var p domain.Purchase
	err := r.store.pool.QueryRow(ctx,
		`SELECT id, student_id, course_id, tier, metadata, is_active, created_at, updated_at
		 FROM purchases
		 WHERE student_id = $1 AND course_id = $2 AND is_active`,
		studentID, courseID).Scan(
		&p.ID, &p.StudentID, &p.CourseID, &p.Tier, &p.Metadata, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts the purchase and the idempotency marker in one
// transaction. When the partial unique index is present it relies on
// INSERT ... ON CONFLICT, which is race-free across concurrent workers.
// When the index is missing (unmigrated environment) it falls back to an
// advisory lock plus a row-level re-check; attempting the ON CONFLICT form
// without the index would abort the transaction and poison the connection.
//
// The returned id is the one active purchase for the pair, whether this
// call created it or a concurrent worker did. alreadyProcessed means the
// ledger already had a row for the event; the caller re-reads the active
// purchase on that path.
func (r *PurchaseRepository) Create(ctx context.Context, env domain.Envelope, p domain.Purchase) (purchaseID string, alreadyProcessed bool, err error) {
	conn, err := r.store.pool.Acquire(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Release()

	indexPresent, err := r.index.present(ctx, conn)
	if err != nil {
		return "", false, err
	}

	purchaseID, alreadyProcessed, err = r.createInTx(ctx, conn, env, p, indexPresent)
	if err != nil && reperrors.IsAbortedTx(err) {
		// A 25P02 means the session is unusable. Close the underlying
		// connection so the pool discards it instead of handing it out again.
		_ = conn.Conn().Close(ctx)
	}
	return purchaseID, alreadyProcessed, err
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *PurchaseRepository) createInTx(ctx context.Context, conn txBeginner, env domain.Envelope, p domain.Purchase, indexPresent bool) (string, bool, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	alreadyProcessed, err := claim(ctx, tx, env)
	if err != nil {
		return "", false, err
	}
	if alreadyProcessed {
		return "", true, nil
	}

	var purchaseID string
	if indexPresent {
		purchaseID, err = r.insertOnConflict(ctx, tx, p)
	} else {
		purchaseID, err = r.insertWithAdvisoryLock(ctx, tx, p)
	}
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return purchaseID, false, nil
}

func (r *PurchaseRepository) insertOnConflict(ctx context.Context, tx pgx.Tx, p domain.Purchase) (string, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO purchases (id, student_id, course_id, tier, metadata, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 ON CONFLICT (student_id, course_id) WHERE is_active DO NOTHING`,
		p.ID, p.StudentID, p.CourseID, p.Tier, p.Metadata,
	)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() > 0 {
		return p.ID, nil
	}

	// Conflict: a concurrent worker won the race. Use its row.
	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM purchases WHERE student_id = $1 AND course_id = $2 AND is_active`,
		p.StudentID, p.CourseID).Scan(&existingID)
	if err != nil {
		return "", err
	}
	return existingID, nil
}

func (r *PurchaseRepository) insertWithAdvisoryLock(ctx context.Context, tx pgx.Tx, p domain.Purchase) (string, error) {
	r.log.Warn("active-purchase unique index missing, using advisory lock path",
		slog.String("student_id", p.StudentID),
		slog.String("course_id", p.CourseID),
	)

	// Transaction-scoped lock keyed by the pair serializes concurrent
	// workers exactly where the missing index would have.
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		p.StudentID, p.CourseID)
	if err != nil {
		return "", err
	}

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM purchases WHERE student_id = $1 AND course_id = $2 AND is_active FOR UPDATE`,
		p.StudentID, p.CourseID).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO purchases (id, student_id, course_id, tier, metadata, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)`,
		p.ID, p.StudentID, p.CourseID, p.Tier, p.Metadata,
	)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
