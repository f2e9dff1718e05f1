package service

import (
	"context"
	"log/slog"
	"time"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	retrylib "fulfillment-worker/internal/lib/retry"
	"fulfillment-worker/internal/metrics"
)

const cacheWorkerName = "cache-worker"

type CacheInvalidator interface {
	InvalidateStudentViews(ctx context.Context, studentID string) error
}

// CacheWorker consumes PURCHASE_CREATED and best-effort invalidates the
// student's read caches. This step is non-critical: failures are logged and
// the message is acknowledged anyway — a stale cache self-heals on TTL
// expiry, so nothing here is ever dead-lettered.
type CacheWorker struct {
	cache    CacheInvalidator
	retryCfg config.RetryConfig
	log      *slog.Logger
}

func NewCacheWorker(cache CacheInvalidator, cfg config.Config, log *slog.Logger) *CacheWorker {
	return &CacheWorker{
		cache:    cache,
		retryCfg: cfg.CacheRetry,
		log:      log.With(slog.String("worker", cacheWorkerName)),
	}
}

func (w *CacheWorker) ProcessMessage(ctx context.Context, message []byte) {
	metrics.ProcessedMessages.WithLabelValues(cacheWorkerName).Inc()
	start := time.Now().UTC()
	defer func() {
		metrics.MessageProcessingTime.WithLabelValues(cacheWorkerName).Observe(time.Since(start).Seconds())
	}()

	env, err := decodeEnvelope(message, domain.EventPurchaseCreated)
	if err != nil {
		w.log.Warn("dropping malformed cache invalidation message", slog.Any("error", err))
		return
	}

	var payload domain.PurchaseCreatedPayload
	if err := decodePayload(env, &payload); err != nil {
		w.log.Warn("dropping malformed cache invalidation payload", slog.Any("error", err))
		return
	}
	if payload.StudentID == "" {
		w.log.Warn("cache invalidation payload missing student id",
			slog.String("correlation_id", env.CorrelationID))
		return
	}

	// Every cache error is worth the small retry budget; after that it is
	// logged and forgotten.
	err = retrylib.Do(ctx, w.retryCfg, func(error) bool { return true }, func() error {
		return w.cache.InvalidateStudentViews(ctx, payload.StudentID)
	})
	if err != nil {
		metrics.CacheInvalidationFailures.Inc()
		w.log.Warn("cache invalidation failed, acknowledging anyway",
			slog.String("student_id", payload.StudentID),
			slog.Any("error", err),
		)
	}
}
