package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"fulfillment-worker/internal/domain"
)

// ProcessedEventRepository is the idempotency ledger. The key is
// (correlation_id, event_type): redelivered copies of the same logical
// event carry different transport ids, so event_id cannot be the key.
type ProcessedEventRepository struct {
	store *Store
	log   *slog.Logger
}

func NewProcessedEventRepository(store *Store, log *slog.Logger) *ProcessedEventRepository {
	return &ProcessedEventRepository{store: store, log: log}
}

// claim inserts the ledger row inside the given transaction. Zero rows
// affected means another attempt already handled the logical event; the
// caller treats that as success, not an error. A rollback of the enclosing
// transaction rolls back the claim too, so a crash between the business
// write and the marker cannot strand either side.
func claim(ctx context.Context, tx pgx.Tx, env domain.Envelope) (alreadyProcessed bool, err error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, correlation_id, source, version, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (correlation_id, event_type) DO NOTHING`,
		env.EventID, env.EventType, env.CorrelationID, env.Source, env.Version, env.Payload,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// MarkProcessed records completion as a standalone transaction, for workers
// whose business write lives outside this database (the allocation worker
// verifies a row the external service created, it writes nothing itself).
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, env domain.Envelope) (alreadyProcessed bool, err error) {
	tag, err := r.store.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, correlation_id, source, version, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (correlation_id, event_type) DO NOTHING`,
		env.EventID, env.EventType, env.CorrelationID, env.Source, env.Version, env.Payload,
	)
	if err != nil {
		r.log.Error("failed to mark event processed",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("event_type", string(env.EventType)),
			slog.Any("error", err),
		)
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}
