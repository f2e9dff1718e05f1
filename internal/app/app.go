package app

import (
	"context"
	"log/slog"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/infrastructure/allocation"
	"fulfillment-worker/internal/infrastructure/kafka/bus"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
	"fulfillment-worker/internal/infrastructure/redis"
	"fulfillment-worker/internal/infrastructure/repository/postgres"
	"fulfillment-worker/internal/metrics"
	"fulfillment-worker/internal/service"

	"golang.org/x/sync/errgroup"
)

type Consumer interface {
	Consume(ctx context.Context) error
	Close() error
}

type closer interface {
	Close() error
}

// Pipeline wires the four workers, their consumers, the sweep and the
// shared infrastructure. Each worker type has its own consumer group;
// scaling out means running more copies of this process.
type Pipeline struct {
	log       *slog.Logger
	consumers []Consumer
	sweep     *service.SessionSweep
	closers   []closer
}

func NewPipeline(ctx context.Context, cfg config.Config, log *slog.Logger) (*Pipeline, error) {
	metrics.Register()

	store, err := postgres.NewStore(ctx, cfg.ConnectionStrings.Postgres, log)
	if err != nil {
		return nil, err
	}

	// temporary migration solution (TODO: replace with full-featured migrations)
	if err := store.Bootstrap(ctx); err != nil {
		log.Error("failed to bootstrap schema", slog.Any("error", err))
		return nil, err
	}

	ledger := postgres.NewProcessedEventRepository(store, log)
	indexCheck := postgres.NewIndexCheck(cfg.IndexCheckTTL, nil)
	purchaseRepo := postgres.NewPurchaseRepository(store, indexCheck, log)
	allocationRepo := postgres.NewAllocationRepository(store, log)
	sessionRepo := postgres.NewSessionRepository(store, log)

	publisher, err := bus.NewPublisher(cfg.Kafka, log)
	if err != nil {
		log.Error("failed to create kafka publisher", slog.Any("error", err))
		return nil, err
	}

	dlqProducer, err := dlq.NewDLQProducer(cfg.Kafka, log)
	if err != nil {
		log.Error("failed to create kafka dlq producer", slog.Any("error", err))
		return nil, err
	}

	rpc := allocation.NewClient(cfg.Allocation)
	invalidator := redis.NewInvalidator(cfg.ConnectionStrings.Redis, log)

	purchaseWorker := service.NewPurchaseWorker(purchaseRepo, publisher, dlqProducer, cfg, log)
	allocationWorker := service.NewAllocationWorker(allocationRepo, rpc, ledger, publisher, dlqProducer, cfg, log)
	sessionWorker := service.NewSessionWorker(sessionRepo, dlqProducer, cfg, log)
	cacheWorker := service.NewCacheWorker(invalidator, cfg, log)

	type binding struct {
		topic   string
		groupID string
		handler bus.Handler
	}
	bindings := []binding{
		{cfg.Kafka.PurchaseConfirmedTopic, cfg.Kafka.PurchaseGroupID, purchaseWorker},
		{cfg.Kafka.PurchaseCreatedTopic, cfg.Kafka.AllocationGroupID, allocationWorker},
		{cfg.Kafka.TrainerAllocatedTopic, cfg.Kafka.SessionGroupID, sessionWorker},
		{cfg.Kafka.PurchaseCreatedTopic, cfg.Kafka.CacheGroupID, cacheWorker},
	}

	consumers := make([]Consumer, 0, len(bindings))
	for _, b := range bindings {
		consumer, err := bus.NewConsumer(cfg.Kafka, b.topic, b.groupID, log, b.handler)
		if err != nil {
			log.Error("failed to create kafka consumer",
				slog.String("topic", b.topic),
				slog.String("group_id", b.groupID),
				slog.Any("error", err),
			)
			return nil, err
		}
		consumers = append(consumers, consumer)
	}

	sweep := service.NewSessionSweep(allocationRepo, purchaseRepo, sessionRepo, cfg, log)

	return &Pipeline{
		log:       log,
		consumers: consumers,
		sweep:     sweep,
		closers:   []closer{publisher, dlqProducer, invalidator, store},
	}, nil
}

// Run starts the sweep and all consumers and blocks until one of them
// fails or the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.sweep.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.consumers {
		c := c
		g.Go(func() error {
			return c.Consume(ctx)
		})
	}

	p.log.Info("pipeline started, consuming messages...")
	return g.Wait()
}

func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.log.Info("shutting down pipeline...")

	for _, c := range p.consumers {
		if err := c.Close(); err != nil {
			p.log.Error("failed to close message consumer", slog.Any("error", err))
		}
	}

	select {
	case <-p.sweep.Stop().Done():
	case <-ctx.Done():
		p.log.Warn("shutdown timeout reached while waiting for sweep")
	}

	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			p.log.Error("failed to close resource", slog.Any("error", err))
		}
	}

	p.log.Info("pipeline stopped")
	return nil
}
