package service

import (
	"context"

	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
)

type EventPublisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type DLQProducer interface {
	Send(ctx context.Context, message []byte, fc dlq.FailureContext) error
}

type ProcessedEventLedger interface {
	MarkProcessed(ctx context.Context, env domain.Envelope) (alreadyProcessed bool, err error)
}
