package postgres

import (
	"context"
	"log/slog"
	"time"

	"fulfillment-worker/internal/domain"
)

type SessionRepository struct {
	store *Store
	log   *slog.Logger
}

func NewSessionRepository(store *Store, log *slog.Logger) *SessionRepository {
	return &SessionRepository{store: store, log: log}
}

// CountFuture counts sessions scheduled on or after the given date.
func (r *SessionRepository) CountFuture(ctx context.Context, allocationID string, from time.Time) (int, error) {
	var n int
	err := r.store.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions
		 WHERE allocation_id = $1 AND scheduled_date >= $2 AND status = 'scheduled'`,
		allocationID, from).Scan(&n)
	return n, err
}

// CountAll counts every session ever created for the allocation, used to
// cap the rolling window at the purchased quantity.
func (r *SessionRepository) CountAll(ctx context.Context, allocationID string) (int, error) {
	var n int
	err := r.store.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE allocation_id = $1`, allocationID).Scan(&n)
	return n, err
}

// LastScheduledDate returns the latest scheduled date for the allocation
// and whether any session exists at all.
func (r *SessionRepository) LastScheduledDate(ctx context.Context, allocationID string) (time.Time, bool, error) {
	var last *time.Time
	err := r.store.pool.QueryRow(ctx,
		`SELECT MAX(scheduled_date) FROM sessions WHERE allocation_id = $1`,
		allocationID).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// CreateBatch inserts sessions, treating slot conflicts as idempotent
// no-ops. When env is non-nil the idempotency marker is claimed in the
// same transaction; the sweep passes nil because it is not event-driven.
// Returns the number of rows actually inserted.
func (r *SessionRepository) CreateBatch(ctx context.Context, env *domain.Envelope, sessions []domain.Session) (int, error) {
	tx, err := r.store.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if env != nil {
		alreadyProcessed, err := claim(ctx, tx, *env)
		if err != nil {
			return 0, err
		}
		if alreadyProcessed {
			// The initial burst already ran; the sweep owns top-ups from here.
			return 0, tx.Commit(ctx)
		}
	}

	created := 0
	for _, s := range sessions {
		tag, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, allocation_id, student_id, trainer_id, course_id,
			                       scheduled_date, scheduled_time, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (allocation_id, scheduled_date, scheduled_time) DO NOTHING`,
			s.ID, s.AllocationID, s.StudentID, s.TrainerID, s.CourseID,
			s.ScheduledDate, s.ScheduledTime, s.Status,
		)
		if err != nil {
			return 0, err
		}
		created += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return created, nil
}
