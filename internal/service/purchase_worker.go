package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
	"fulfillment-worker/internal/infrastructure/repository/reperrors"
	retrylib "fulfillment-worker/internal/lib/retry"
	"fulfillment-worker/internal/metrics"
)

const purchaseWorkerName = "purchase-worker"

type PurchaseRepository interface {
	FindActive(ctx context.Context, studentID, courseID string) (*domain.Purchase, error)
	Create(ctx context.Context, env domain.Envelope, p domain.Purchase) (purchaseID string, alreadyProcessed bool, err error)
}

// PurchaseWorker consumes PURCHASE_CONFIRMED and owns the purchases table.
// The database write is the source of truth; the PURCHASE_CREATED emission
// is retried independently of it, since downstream consumers tolerate
// duplicates.
type PurchaseWorker struct {
	repo      PurchaseRepository
	publisher EventPublisher
	dlq       DLQProducer
	retryCfg  config.RetryConfig
	topic     string
	log       *slog.Logger
}

func NewPurchaseWorker(repo PurchaseRepository, publisher EventPublisher, dlqProducer DLQProducer, cfg config.Config, log *slog.Logger) *PurchaseWorker {
	return &PurchaseWorker{
		repo:      repo,
		publisher: publisher,
		dlq:       dlqProducer,
		retryCfg:  cfg.PurchaseRetry,
		topic:     cfg.Kafka.PurchaseConfirmedTopic,
		log:       log.With(slog.String("worker", purchaseWorkerName)),
	}
}

func (w *PurchaseWorker) ProcessMessage(ctx context.Context, message []byte) {
	metrics.ProcessedMessages.WithLabelValues(purchaseWorkerName).Inc()
	start := time.Now().UTC()
	defer func() {
		metrics.MessageProcessingTime.WithLabelValues(purchaseWorkerName).Observe(time.Since(start).Seconds())
	}()

	env, err := decodeEnvelope(message, domain.EventPurchaseConfirmed)
	if err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}

	var payload domain.PurchaseConfirmedPayload
	if err := decodePayload(env, &payload); err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}
	if payload.StudentID == "" || payload.CourseID == "" {
		w.deadLetter(ctx, message, 1, errors.New("purchase-confirmed payload missing student or course id"))
		return
	}

	log := w.log.With(
		slog.String("correlation_id", env.CorrelationID),
		slog.String("student_id", payload.StudentID),
		slog.String("course_id", payload.CourseID),
	)

	err = retrylib.Do(ctx, w.retryCfg, reperrors.IsRetryableError, func() error {
		return w.handle(ctx, env, payload, log)
	})
	if err != nil {
		log.Error("purchase processing failed after retries", slog.Any("error", err))
		w.deadLetter(ctx, message, w.retryCfg.Attempts, err)
	}
}

func (w *PurchaseWorker) handle(ctx context.Context, env domain.Envelope, payload domain.PurchaseConfirmedPayload, log *slog.Logger) error {
	// Recovery path: a previous attempt may have committed the purchase
	// and crashed before emitting downstream. An existing active purchase
	// means the write already happened; re-emit and stop.
	existing, err := w.repo.FindActive(ctx, payload.StudentID, payload.CourseID)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.SkippedDuplicates.WithLabelValues(purchaseWorkerName).Inc()
		log.Info("active purchase already exists, re-emitting purchase-created",
			slog.String("purchase_id", existing.ID))
		return w.emitCreated(ctx, existing.ID, payload)
	}

	purchase := domain.Purchase{
		ID:        uuid.NewString(),
		StudentID: payload.StudentID,
		CourseID:  payload.CourseID,
		Tier:      payload.Tier,
		Metadata:  payload.Metadata,
		IsActive:  true,
	}

	purchaseID, alreadyProcessed, err := w.repo.Create(ctx, env, purchase)
	if err != nil {
		return err
	}
	if alreadyProcessed {
		metrics.SkippedDuplicates.WithLabelValues(purchaseWorkerName).Inc()
		// Ledger row exists but no active purchase: the purchase was
		// deactivated by an external collaborator after creation. Nothing
		// to provision; acknowledge and move on.
		recovered, err := w.repo.FindActive(ctx, payload.StudentID, payload.CourseID)
		if err != nil {
			return err
		}
		if recovered == nil {
			log.Warn("event already processed and purchase no longer active, skipping emission")
			return nil
		}
		return w.emitCreated(ctx, recovered.ID, payload)
	}

	log.Info("purchase created", slog.String("purchase_id", purchaseID))
	return w.emitCreated(ctx, purchaseID, payload)
}

// emitCreated publishes PURCHASE_CREATED correlated by the purchase id, so
// every retry and recovery path emits an equivalent event.
func (w *PurchaseWorker) emitCreated(ctx context.Context, purchaseID string, payload domain.PurchaseConfirmedPayload) error {
	out, err := domain.NewEnvelope(purchaseID, domain.EventPurchaseCreated, purchaseWorkerName,
		domain.PurchaseCreatedPayload{
			PurchaseID: purchaseID,
			StudentID:  payload.StudentID,
			CourseID:   payload.CourseID,
			Tier:       payload.Tier,
			Metadata:   payload.Metadata,
		})
	if err != nil {
		return err
	}
	return w.publisher.Publish(ctx, out)
}

func (w *PurchaseWorker) deadLetter(ctx context.Context, message []byte, attempts uint, cause error) {
	fc := dlq.FailureContext{
		Worker:        purchaseWorkerName,
		OriginalTopic: w.topic,
		Attempts:      attempts,
		Err:           cause,
	}
	if err := w.dlq.Send(ctx, message, fc); err != nil {
		w.log.Error("failed to send message to DLQ", slog.Any("error", err))
	}
}
