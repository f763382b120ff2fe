package queue

import (
	"log"
	"sync"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// Debouncer delays the trigger-processing event per user until their
// ingestion stream has been idle for the configured window. A new batch
// during the window cancels and reschedules the pending trigger.
type Debouncer struct {
	queue *Queue
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDebouncer creates a debouncer that fires after delay of idle time.
func NewDebouncer(q *Queue, delay time.Duration) *Debouncer {
	return &Debouncer{
		queue:  q,
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the trigger for a user. The key separates live
// and preview streams of the same user.
func (d *Debouncer) Schedule(username, previewID string) {
	key := username + "\x00" + previewID

	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()

		err := d.queue.Enqueue(models.TriggerProcessing{Username: username, PreviewID: previewID})
		if err != nil {
			log.Printf("[Debouncer] failed to enqueue trigger for %s: %v", username, err)
		}
	})
}

// Stop cancels all pending triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
