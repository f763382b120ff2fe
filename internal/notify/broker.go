package notify

import (
	"context"
	"sync"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// Broker fans out change notifications to subscribed listeners. The memory
// implementation serves a single process; the Redis implementation bridges
// multiple instances.
type Broker interface {
	Publish(ctx context.Context, n models.UserNotification) error
	// Subscribe returns a channel of notifications for one user plus an
	// unsubscribe function.
	Subscribe(userID int64) (<-chan models.UserNotification, func())
	Close() error
}

// MemoryBroker is the in-process Broker.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[int64]map[int]chan models.UserNotification
	next int
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int64]map[int]chan models.UserNotification)}
}

// Publish delivers the notification to the target user's subscribers. Slow
// subscribers are skipped rather than blocking the pipeline.
func (b *MemoryBroker) Publish(_ context.Context, n models.UserNotification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[n.TargetUserID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener for the given user.
func (b *MemoryBroker) Subscribe(userID int64) (<-chan models.UserNotification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan models.UserNotification)
	}
	id := b.next
	b.next++
	ch := make(chan models.UserNotification, 16)
	b.subs[userID][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[userID][id]; ok {
			delete(b.subs[userID], id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Close drops all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.subs, userID)
	}
	return nil
}
