package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

const notifyChannel = "timeline:notifications"

// RedisBroker bridges notifications across instances over Redis pub/sub.
// Local fan-out is delegated to an embedded MemoryBroker fed by the
// subscription loop.
type RedisBroker struct {
	client *redis.Client
	local  *MemoryBroker
	sub    *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroker connects to Redis and starts the relay loop.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		client: client,
		local:  NewMemoryBroker(),
		sub:    client.Subscribe(ctx, notifyChannel),
		cancel: cancel,
	}
	go b.relay(ctx)
	return b, nil
}

func (b *RedisBroker) relay(ctx context.Context) {
	for msg := range b.sub.Channel() {
		var n models.UserNotification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			log.Printf("[Notify] dropping malformed notification: %v", err)
			continue
		}
		if err := b.local.Publish(ctx, n); err != nil {
			log.Printf("[Notify] local fan-out failed: %v", err)
		}
	}
}

// Publish broadcasts the notification to every instance.
func (b *RedisBroker) Publish(ctx context.Context, n models.UserNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := b.client.Publish(ctx, notifyChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe registers a local listener for the given user.
func (b *RedisBroker) Subscribe(userID int64) (<-chan models.UserNotification, func()) {
	return b.local.Subscribe(userID)
}

// Close stops the relay and closes the Redis connection.
func (b *RedisBroker) Close() error {
	b.cancel()
	if err := b.sub.Close(); err != nil {
		return err
	}
	if err := b.local.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
