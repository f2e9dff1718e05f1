package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IBM/sarama"

	"fulfillment-worker/internal/config"
)

// Handler processes one raw message. The message is marked consumed
// regardless of the returned error: retries and dead-lettering happen
// inside the handler, so a poisoned message never blocks the partition.
type Handler interface {
	ProcessMessage(ctx context.Context, message []byte)
}

// Consumer wraps a sarama consumer group bound to one topic. Each worker
// type runs its own group so partitions are divided among its instances.
type Consumer struct {
	client  sarama.ConsumerGroup
	log     *slog.Logger
	handler Handler
	topic   string
	groupID string
}

type consumerGroupHandler struct {
	log     *slog.Logger
	handler Handler
}

func NewConsumer(cfg config.Kafka, topic, groupID string, log *slog.Logger, handler Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		err := errors.New("kafka brokers list is empty")
		log.Error("invalid kafka configuration", slog.String("error", err.Error()))
		return nil, err
	}

	if topic == "" {
		err := errors.New("kafka topic is empty")
		log.Error("invalid kafka configuration", slog.String("error", err.Error()))
		return nil, err
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		log.Error("error parsing kafka version",
			slog.String("version", cfg.Version),
			slog.Any("error", err),
		)
		return nil, err
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	if cfg.Oldest {
		kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	kafkaConfig.Consumer.Return.Errors = cfg.ReturnErrors

	client, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, kafkaConfig)
	if err != nil {
		log.Error("failed to create kafka consumer group",
			slog.String("group_id", groupID),
			slog.String("topic", topic),
			slog.Any("error", err),
		)
		return nil, err
	}

	log.Info("kafka consumer created successfully",
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Any("brokers", cfg.Brokers),
	)

	return &Consumer{
		client:  client,
		log:     log,
		handler: handler,
		topic:   topic,
		groupID: groupID,
	}, nil
}

func (c *Consumer) Consume(ctx context.Context) error {
	handler := consumerGroupHandler{
		log:     c.log.With(slog.String("component", "consumer_handler")),
		handler: c.handler,
	}

	c.log.Info("starting kafka consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
	)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("stopping consumer due to context cancellation")
			return nil
		default:
			if err := c.client.Consume(ctx, []string{c.topic}, &handler); err != nil {
				c.log.Error("kafka consumer error",
					slog.String("group_id", c.groupID),
					slog.String("topic", c.topic),
					slog.Any("error", err),
				)
				return err
			}
		}
	}
}

func (c *Consumer) Close() error {
	c.log.Info("closing kafka consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
	)

	if err := c.client.Close(); err != nil {
		c.log.Error("failed to close kafka consumer",
			slog.String("group_id", c.groupID),
			slog.String("topic", c.topic),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup complete",
		slog.String("member_id", session.MemberID()),
		slog.Int("generation_id", int(session.GenerationID())),
	)
	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup complete",
		slog.String("member_id", session.MemberID()),
		slog.Int("generation_id", int(session.GenerationID())),
	)
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for msg := range claim.Messages() {
		// ProcessMessage owns retries and dead-lettering; the offset is
		// marked only after it returns, so a crash mid-processing causes
		// redelivery, which the workers tolerate via the idempotency ledger.
		h.handler.ProcessMessage(ctx, msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}
