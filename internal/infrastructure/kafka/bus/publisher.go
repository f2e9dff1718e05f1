package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
)

// Publisher sends event envelopes to their topics. It uses a sync producer:
// workers need to know the downstream event is accepted by the broker
// before the message that triggered it is acknowledged.
type Publisher struct {
	producer sarama.SyncProducer
	log      *slog.Logger
	topics   map[domain.EventType]string
}

func NewPublisher(cfg config.Kafka, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		err := errors.New("kafka brokers list is empty")
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		log.Error("error parsing kafka version", slog.Any("error", err))
		return nil, err
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Error("failed to create kafka producer", slog.Any("error", err))
		return nil, err
	}

	return &Publisher{
		producer: producer,
		log:      log,
		topics: map[domain.EventType]string{
			domain.EventPurchaseConfirmed: cfg.PurchaseConfirmedTopic,
			domain.EventPurchaseCreated:   cfg.PurchaseCreatedTopic,
			domain.EventTrainerAllocated:  cfg.TrainerAllocatedTopic,
		},
	}, nil
}

// Publish serializes the envelope and sends it to the topic for its event
// type, keyed by correlation id so all events of one business transaction
// land on the same partition.
func (p *Publisher) Publish(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	topic, ok := p.topics[env.EventType]
	if !ok {
		return fmt.Errorf("no topic configured for event type %s", env.EventType)
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(env.CorrelationID),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("failed to publish event",
			slog.String("event_type", string(env.EventType)),
			slog.String("correlation_id", env.CorrelationID),
			slog.Any("error", err),
		)
		return err
	}

	p.log.Debug("event published",
		slog.String("event_type", string(env.EventType)),
		slog.String("correlation_id", env.CorrelationID),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)
	return nil
}

func (p *Publisher) Close() error {
	p.log.Info("closing kafka publisher")
	err := p.producer.Close()
	if err != nil {
		p.log.Error("failed to close kafka publisher", slog.Any("error", err))
	}
	return err
}
