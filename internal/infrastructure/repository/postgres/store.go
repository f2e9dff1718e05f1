package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"fulfillment-worker/internal/config"
)

// Store owns the shared pgx pool. The repositories in this package are
// views over it, one per worker-owned table.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewStore(ctx context.Context, cfg config.Postgres, log *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		log.Error("unable to parse database URL", slog.Any("error", err))
		return nil, err
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error("failed to connect to database", slog.Any("error", err))
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		log.Error("failed to ping database", slog.Any("error", err))
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Bootstrap applies the pipeline schema.
// temporary migration solution (TODO: replace with full-featured migrations)
func (s *Store) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id       UUID NOT NULL,
			event_type     TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			version        TEXT NOT NULL DEFAULT '',
			payload        JSONB,
			processed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_message  TEXT,
			PRIMARY KEY (correlation_id, event_type)
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id         UUID PRIMARY KEY,
			student_id TEXT NOT NULL,
			course_id  TEXT NOT NULL,
			tier       INT NOT NULL,
			metadata   JSONB,
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS purchases_active_student_course_idx
			ON purchases (student_id, course_id) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS allocations (
			id         UUID PRIMARY KEY,
			student_id TEXT NOT NULL,
			course_id  TEXT NOT NULL,
			trainer_id TEXT NOT NULL,
			status     TEXT NOT NULL,
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS allocations_settled_student_course_idx
			ON allocations (student_id, course_id) WHERE status IN ('approved', 'active')`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id             UUID PRIMARY KEY,
			allocation_id  UUID NOT NULL,
			student_id     TEXT NOT NULL,
			trainer_id     TEXT NOT NULL,
			course_id      TEXT NOT NULL,
			scheduled_date DATE NOT NULL,
			scheduled_time TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'scheduled',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (allocation_id, scheduled_date, scheduled_time)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.log.Error("failed to apply schema statement", slog.Any("error", err))
			return err
		}
	}
	return nil
}
