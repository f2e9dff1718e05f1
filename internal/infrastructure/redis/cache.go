package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"fulfillment-worker/internal/config"
)

// Invalidator deletes the read-cache entries that go stale when a purchase
// is created: the student's home view and learning view.
type Invalidator struct {
	client *redis.Client
	log    *slog.Logger
}

func NewInvalidator(cfg config.Redis, log *slog.Logger) *Invalidator {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Invalidator{client: client, log: log}
}

func (i *Invalidator) InvalidateStudentViews(ctx context.Context, studentID string) error {
	keys := []string{
		fmt.Sprintf("home:%s", studentID),
		fmt.Sprintf("learning:%s", studentID),
	}

	if err := i.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cache keys %v: %w", keys, err)
	}

	i.log.Debug("cache keys invalidated", slog.Any("keys", keys))
	return nil
}

func (i *Invalidator) Close() error {
	return i.client.Close()
}
