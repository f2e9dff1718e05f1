package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/allocation"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
	"fulfillment-worker/internal/infrastructure/repository/reperrors"
	retrylib "fulfillment-worker/internal/lib/retry"
	"fulfillment-worker/internal/metrics"
	"fulfillment-worker/internal/service/serverrors"
)

const allocationWorkerName = "allocation-worker"

type AllocationRepository interface {
	FindSettled(ctx context.Context, studentID, courseID string) (*domain.Allocation, error)
	FindByID(ctx context.Context, id string) (*domain.Allocation, error)
}

type AllocationRPC interface {
	AutoAssign(ctx context.Context, req allocation.AutoAssignRequest) (*allocation.AutoAssignResponse, error)
}

// AllocationWorker consumes PURCHASE_CREATED. It does not create
// allocations itself: the external allocation service does. A successful
// RPC response is not enough to mark the event processed — the worker
// re-reads the allocation from durable storage first, because an RPC
// success whose row is not yet observable would otherwise be dropped
// silently.
type AllocationWorker struct {
	repo      AllocationRepository
	rpc       AllocationRPC
	ledger    ProcessedEventLedger
	publisher EventPublisher
	dlq       DLQProducer
	retryCfg  config.RetryConfig
	topic     string
	now       func() time.Time
	log       *slog.Logger
}

func NewAllocationWorker(repo AllocationRepository, rpc AllocationRPC, ledger ProcessedEventLedger, publisher EventPublisher, dlqProducer DLQProducer, cfg config.Config, log *slog.Logger) *AllocationWorker {
	return &AllocationWorker{
		repo:      repo,
		rpc:       rpc,
		ledger:    ledger,
		publisher: publisher,
		dlq:       dlqProducer,
		retryCfg:  cfg.AllocationRetry,
		topic:     cfg.Kafka.PurchaseCreatedTopic,
		now:       time.Now,
		log:       log.With(slog.String("worker", allocationWorkerName)),
	}
}

// retryable treats RPC timeouts, 5xx responses and the not-yet-observable
// verification failure as transient. A timeout means "unknown", never
// "allocation does not exist".
func retryableAllocationError(err error) bool {
	if errors.Is(err, serverrors.ErrAllocationNotObservable) ||
		errors.Is(err, serverrors.ErrAllocationNotSettled) {
		return true
	}
	var statusErr *allocation.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return reperrors.IsRetryableError(err)
}

func (w *AllocationWorker) ProcessMessage(ctx context.Context, message []byte) {
	metrics.ProcessedMessages.WithLabelValues(allocationWorkerName).Inc()
	start := time.Now().UTC()
	defer func() {
		metrics.MessageProcessingTime.WithLabelValues(allocationWorkerName).Observe(time.Since(start).Seconds())
	}()

	env, err := decodeEnvelope(message, domain.EventPurchaseCreated)
	if err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}

	var payload domain.PurchaseCreatedPayload
	if err := decodePayload(env, &payload); err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}
	if payload.StudentID == "" || payload.CourseID == "" || payload.PurchaseID == "" {
		w.deadLetter(ctx, message, 1, errors.New("purchase-created payload missing required ids"))
		return
	}

	log := w.log.With(
		slog.String("correlation_id", env.CorrelationID),
		slog.String("student_id", payload.StudentID),
		slog.String("course_id", payload.CourseID),
	)

	err = retrylib.Do(ctx, w.retryCfg, retryableAllocationError, func() error {
		return w.handle(ctx, env, payload, log)
	})
	if err != nil {
		// An unallocated purchase is a business-critical gap: dead-letter
		// with enough context for manual intervention.
		log.Error("allocation processing failed after retries", slog.Any("error", err))
		w.deadLetter(ctx, message, w.retryCfg.Attempts, err)
	}
}

func (w *AllocationWorker) handle(ctx context.Context, env domain.Envelope, payload domain.PurchaseCreatedPayload, log *slog.Logger) error {
	// Recovery path: a settled allocation already exists, so a previous
	// attempt got at least as far as the external service committing it.
	settled, err := w.repo.FindSettled(ctx, payload.StudentID, payload.CourseID)
	if err != nil {
		return err
	}
	if settled != nil {
		metrics.SkippedDuplicates.WithLabelValues(allocationWorkerName).Inc()
		log.Info("settled allocation already exists, re-emitting trainer-allocated",
			slog.String("allocation_id", settled.ID))
		return w.complete(ctx, env, payload, settled)
	}

	hints, err := domain.DecodeSchedulingHints(payload.Metadata, w.now())
	if err != nil {
		return err
	}

	resp, err := w.rpc.AutoAssign(ctx, allocation.AutoAssignRequest{
		StudentID:       payload.StudentID,
		CourseID:        payload.CourseID,
		SchedulingHints: hints,
	})
	if err != nil {
		return err
	}

	// Verification: the row must be durably observable with an acceptable
	// status before the event can be marked processed.
	verified, err := w.repo.FindByID(ctx, resp.AllocationID)
	if err != nil {
		return err
	}
	if verified == nil {
		log.Warn("allocation RPC succeeded but row not observable yet",
			slog.String("allocation_id", resp.AllocationID))
		return serverrors.ErrAllocationNotObservable
	}
	if !verified.Status.Settled() {
		log.Warn("allocation exists but not settled",
			slog.String("allocation_id", verified.ID),
			slog.String("status", string(verified.Status)))
		return serverrors.ErrAllocationNotSettled
	}

	log.Info("allocation verified",
		slog.String("allocation_id", verified.ID),
		slog.String("trainer_id", verified.TrainerID))
	return w.complete(ctx, env, payload, verified)
}

// complete marks the incoming event processed, then emits TRAINER_ALLOCATED
// correlated by the allocation id. If emission fails after the marker is
// committed, redelivery takes the recovery path and re-emits from the
// settled allocation, so nothing is lost.
func (w *AllocationWorker) complete(ctx context.Context, env domain.Envelope, payload domain.PurchaseCreatedPayload, alloc *domain.Allocation) error {
	if _, err := w.ledger.MarkProcessed(ctx, env); err != nil {
		return err
	}

	hints, err := domain.DecodeSchedulingHints(payload.Metadata, w.now())
	if err != nil {
		return err
	}

	out, err := domain.NewEnvelope(alloc.ID, domain.EventTrainerAllocated, allocationWorkerName,
		domain.TrainerAllocatedPayload{
			AllocationID: alloc.ID,
			TrainerID:    alloc.TrainerID,
			StudentID:    payload.StudentID,
			CourseID:     payload.CourseID,
			SessionCount: payload.Tier,
			StartDate:    hints.StartDate,
			Metadata:     payload.Metadata,
		})
	if err != nil {
		return err
	}
	return w.publisher.Publish(ctx, out)
}

func (w *AllocationWorker) deadLetter(ctx context.Context, message []byte, attempts uint, cause error) {
	fc := dlq.FailureContext{
		Worker:        allocationWorkerName,
		OriginalTopic: w.topic,
		Attempts:      attempts,
		Err:           cause,
	}
	if err := w.dlq.Send(ctx, message, fc); err != nil {
		w.log.Error("failed to send message to DLQ", slog.Any("error", err))
	}
}
