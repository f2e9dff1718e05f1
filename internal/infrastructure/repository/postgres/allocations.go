package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"fulfillment-worker/internal/domain"
)

// AllocationRepository only reads: allocations are created by the external
// allocation service, and the worker's job is to verify they durably exist.
type AllocationRepository struct {
	store *Store
	log   *slog.Logger
}

func NewAllocationRepository(store *Store, log *slog.Logger) *AllocationRepository {
	return &AllocationRepository{store: store, log: log}
}

const allocationColumns = `id, student_id, course_id, trainer_id, status, metadata, created_at`

func scanAllocation(row pgx.Row) (*domain.Allocation, error) {
	var a domain.Allocation
	err := row.Scan(&a.ID, &a.StudentID, &a.CourseID, &a.TrainerID, &a.Status, &a.Metadata, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindSettled returns the one approved or active allocation for the pair,
// or nil.
func (r *AllocationRepository) FindSettled(ctx context.Context, studentID, courseID string) (*domain.Allocation, error) {
	return scanAllocation(r.store.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+`
		 FROM allocations
		 WHERE student_id = $1 AND course_id = $2 AND status IN ('approved', 'active')`,
		studentID, courseID))
}

// FindByID is the verification read after the allocation RPC: the RPC
// response alone is not proof the row exists.
func (r *AllocationRepository) FindByID(ctx context.Context, id string) (*domain.Allocation, error) {
	return scanAllocation(r.store.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id))
}

// ActiveAllocations lists settled allocations for the session top-up sweep.
func (r *AllocationRepository) ActiveAllocations(ctx context.Context) ([]domain.Allocation, error) {
	rows, err := r.store.pool.Query(ctx,
		`SELECT `+allocationColumns+`
		 FROM allocations
		 WHERE status IN ('approved', 'active')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(&a.ID, &a.StudentID, &a.CourseID, &a.TrainerID, &a.Status, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}
