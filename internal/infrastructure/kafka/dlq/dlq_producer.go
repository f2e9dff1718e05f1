package dlq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/metrics"
)

// FailureContext travels with the dead-lettered envelope so operators can
// reprocess it without digging through logs.
type FailureContext struct {
	Worker        string
	OriginalTopic string
	Attempts      uint
	Err           error
}

type DLQProducer struct {
	producer sarama.AsyncProducer
	log      *slog.Logger
	topic    string
}

func NewDLQProducer(cfg config.Kafka, log *slog.Logger) (*DLQProducer, error) {
	if len(cfg.Brokers) == 0 {
		err := errors.New("kafka brokers list is empty")
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}
	if cfg.DLQTopic == "" {
		err := errors.New("kafka topic is empty")
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		log.Error("error parsing kafka version", slog.Any("error", err))
		return nil, err
	}

	kafkaConfig := createSaramaConfig(version)
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Error("failed to create kafka producer", slog.Any("error", err))
		return nil, err
	}

	p := &DLQProducer{
		producer: producer,
		log:      log,
		topic:    cfg.DLQTopic,
	}
	go p.drain()
	return p, nil
}

// drain consumes delivery reports until both channels are closed. A failed
// DLQ delivery is the end of the line for that message, so it is logged at
// error level; Close flushes pending messages, and their reports must still
// be read after one channel closes.
func (p *DLQProducer) drain() {
	successes, errs := p.producer.Successes(), p.producer.Errors()
	for successes != nil || errs != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
			}
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.log.Error("failed to deliver message to DLQ", slog.Any("error", perr.Err))
		}
	}
}

// Send republishes the original message bytes to the dead-letter topic with
// the failure context attached as headers.
func (p *DLQProducer) Send(ctx context.Context, message []byte, fc FailureContext) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(message),
		Headers: []sarama.RecordHeader{
			{Key: []byte("Worker"), Value: []byte(fc.Worker)},
			{Key: []byte("Original-Topic"), Value: []byte(fc.OriginalTopic)},
			{Key: []byte("Attempts"), Value: []byte(strconv.FormatUint(uint64(fc.Attempts), 10))},
			{Key: []byte("Error"), Value: []byte(fc.Err.Error())},
		},
	}

	select {
	case p.producer.Input() <- msg:
		metrics.DLQMessages.WithLabelValues(fc.Worker).Inc()
		return nil
	case <-ctx.Done():
		p.log.Warn("context cancelled before sending message to DLQ",
			slog.Any("error", ctx.Err()),
			slog.String("original_topic", fc.OriginalTopic),
			slog.String("worker", fc.Worker),
		)
		return ctx.Err()
	}
}

func (p *DLQProducer) Close() error {
	p.log.Info("closing Kafka producer")
	err := p.producer.Close()
	if err != nil {
		p.log.Error("failed to close Kafka producer", slog.Any("error", err))
	}
	return err
}

func createSaramaConfig(ver sarama.KafkaVersion) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = ver
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	return config
}
