package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
	"fulfillment-worker/internal/infrastructure/repository/reperrors"
	retrylib "fulfillment-worker/internal/lib/retry"
	"fulfillment-worker/internal/metrics"
)

const sessionWorkerName = "session-worker"

type SessionRepository interface {
	CountFuture(ctx context.Context, allocationID string, from time.Time) (int, error)
	CountAll(ctx context.Context, allocationID string) (int, error)
	LastScheduledDate(ctx context.Context, allocationID string) (time.Time, bool, error)
	CreateBatch(ctx context.Context, env *domain.Envelope, sessions []domain.Session) (int, error)
}

// SessionWorker consumes TRAINER_ALLOCATED and creates the initial rolling
// window of future sessions. It never materializes the full purchased
// quantity up front; the periodic sweep keeps the window topped up.
type SessionWorker struct {
	repo     SessionRepository
	dlq      DLQProducer
	retryCfg config.RetryConfig
	window   int
	topic    string
	now      func() time.Time
	log      *slog.Logger
}

func NewSessionWorker(repo SessionRepository, dlqProducer DLQProducer, cfg config.Config, log *slog.Logger) *SessionWorker {
	return &SessionWorker{
		repo:     repo,
		dlq:      dlqProducer,
		retryCfg: cfg.SessionRetry,
		window:   cfg.SessionWindow,
		topic:    cfg.Kafka.TrainerAllocatedTopic,
		now:      time.Now,
		log:      log.With(slog.String("worker", sessionWorkerName)),
	}
}

func (w *SessionWorker) ProcessMessage(ctx context.Context, message []byte) {
	metrics.ProcessedMessages.WithLabelValues(sessionWorkerName).Inc()
	start := time.Now().UTC()
	defer func() {
		metrics.MessageProcessingTime.WithLabelValues(sessionWorkerName).Observe(time.Since(start).Seconds())
	}()

	env, err := decodeEnvelope(message, domain.EventTrainerAllocated)
	if err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}

	var payload domain.TrainerAllocatedPayload
	if err := decodePayload(env, &payload); err != nil {
		w.deadLetter(ctx, message, 1, err)
		return
	}
	if payload.AllocationID == "" || payload.StudentID == "" || payload.TrainerID == "" {
		w.deadLetter(ctx, message, 1, errors.New("trainer-allocated payload missing required ids"))
		return
	}

	log := w.log.With(
		slog.String("correlation_id", env.CorrelationID),
		slog.String("allocation_id", payload.AllocationID),
	)

	err = retrylib.Do(ctx, w.retryCfg, reperrors.IsRetryableError, func() error {
		return w.handle(ctx, env, payload, log)
	})
	if err != nil {
		// The top-up sweep re-derives the window from durable state, so a
		// dead-lettered initial burst self-heals on the next sweep.
		log.Error("session scheduling failed after retries", slog.Any("error", err))
		w.deadLetter(ctx, message, w.retryCfg.Attempts, err)
	}
}

func (w *SessionWorker) handle(ctx context.Context, env domain.Envelope, payload domain.TrainerAllocatedPayload, log *slog.Logger) error {
	today := truncateToDay(w.now().UTC())

	future, err := w.repo.CountFuture(ctx, payload.AllocationID, today)
	if err != nil {
		return err
	}
	existingTotal, err := w.repo.CountAll(ctx, payload.AllocationID)
	if err != nil {
		return err
	}

	deficit := windowDeficit(w.window, future, existingTotal, payload.SessionCount)
	if deficit == 0 {
		// Window already full; still claim the ledger row so redeliveries
		// short-circuit.
		_, err := w.repo.CreateBatch(ctx, &env, nil)
		return err
	}

	hints, err := domain.DecodeSchedulingHints(payload.Metadata, w.now())
	if err != nil {
		return err
	}

	first, err := w.nextWindowStart(ctx, payload.AllocationID, hints, today)
	if err != nil {
		return err
	}

	sessions := buildWindow(slotSource{
		AllocationID: payload.AllocationID,
		StudentID:    payload.StudentID,
		TrainerID:    payload.TrainerID,
		CourseID:     payload.CourseID,
	}, hints, first, deficit)

	created, err := w.repo.CreateBatch(ctx, &env, sessions)
	if err != nil {
		return err
	}

	metrics.SessionsCreated.Add(float64(created))
	log.Info("session window created",
		slog.Int("requested", deficit),
		slog.Int("created", created),
	)
	return nil
}

// nextWindowStart picks the first date for new slots: the day after the
// latest scheduled session, or the hinted start date for a fresh allocation.
func (w *SessionWorker) nextWindowStart(ctx context.Context, allocationID string, hints domain.SchedulingHints, today time.Time) (time.Time, error) {
	last, ok, err := w.repo.LastScheduledDate(ctx, allocationID)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return hints.Advance(truncateToDay(last)), nil
	}
	start := hints.Start()
	if start.Before(today) {
		start = today
	}
	return start, nil
}

func (w *SessionWorker) deadLetter(ctx context.Context, message []byte, attempts uint, cause error) {
	fc := dlq.FailureContext{
		Worker:        sessionWorkerName,
		OriginalTopic: w.topic,
		Attempts:      attempts,
		Err:           cause,
	}
	if err := w.dlq.Send(ctx, message, fc); err != nil {
		w.log.Error("failed to send message to DLQ", slog.Any("error", err))
	}
}
