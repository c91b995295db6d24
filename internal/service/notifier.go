package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

// Notifier delivers engine events. Delivery is best effort; callers never
// fail an operation because a notification could not be sent.
type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// NotifierFunc adapts a plain function.
type NotifierFunc func(ctx context.Context, event models.Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisNotifier constructs a publisher bound to channel.
func NewRedisNotifier(client *redis.Client, channel string, timeout time.Duration) *RedisNotifier {
	if channel == "" {
		channel = "training-ops:events"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisNotifier{client: client, channel: channel, timeout: timeout}
}

// Notify publishes the event.
func (n *RedisNotifier) Notify(ctx context.Context, event models.Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func emitEvent(ctx context.Context, notifier Notifier, logger *zap.Logger, event models.Event) {
	if notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := notifier.Notify(ctx, event); err != nil {
		logger.Warn("failed to deliver notification",
			zap.String("event", string(event.Type)),
			zap.String("resource_id", event.ResourceID),
			zap.Error(err))
	}
}
