package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// pollInterval is the idle sleep between empty polls of a queue.
const pollInterval = 500 * time.Millisecond

// Handler processes one decoded pipeline event.
type Handler func(ctx context.Context, event models.PipelineEvent) error

// Dispatcher runs worker pools over the durable queue and routes decoded
// events to their stage handlers.
type Dispatcher struct {
	queue    *Queue
	metrics  *metrics.Metrics
	handlers map[string]Handler
	workers  map[string]int
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the queue.
func NewDispatcher(q *Queue, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		metrics:  m,
		handlers: make(map[string]Handler),
		workers:  make(map[string]int),
	}
}

// Register binds a handler and worker count to a queue. Must be called before
// Start.
func (d *Dispatcher) Register(queue string, workers int, h Handler) {
	if workers < 1 {
		workers = 1
	}
	d.handlers[queue] = h
	d.workers[queue] = workers
}

// Start launches the worker pools. Workers stop when ctx is cancelled; Wait
// blocks until they have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for queue, h := range d.handlers {
		for i := 0; i < d.workers[queue]; i++ {
			d.wg.Add(1)
			go d.runWorker(ctx, queue, h)
		}
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, queue string, h Handler) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := d.queue.Receive(queue)
		if err != nil {
			log.Printf("[Dispatcher] receive on %s failed: %v", queue, err)
			sleepCtx(ctx, pollInterval)
			continue
		}
		if msg == nil {
			sleepCtx(ctx, pollInterval)
			continue
		}

		event, err := models.DecodeEvent(msg.Payload)
		if err != nil {
			log.Printf("[Dispatcher] undecodable message %s on %s: %v", msg.ID, queue, err)
			d.fail(queue, "undecodable", msg, err)
			continue
		}

		started := time.Now()
		if err := h(ctx, event); err != nil {
			log.Printf("[Dispatcher] handler for %s failed (attempt %d): %v", queue, msg.Attempts, err)
			d.fail(queue, "error", msg, err)
			continue
		}
		d.metrics.StageDuration.WithLabelValues(queue).Observe(time.Since(started).Seconds())
		d.metrics.QueueMessages.WithLabelValues(queue, "ok").Inc()

		if err := d.queue.Ack(msg.ID); err != nil {
			log.Printf("[Dispatcher] failed to ack message %s: %v", msg.ID, err)
		}
	}
}

// fail counts the outcome and hands the message back to the queue, tracking
// messages that exhausted their attempt budget.
func (d *Dispatcher) fail(queue, outcome string, msg *Message, cause error) {
	d.metrics.QueueMessages.WithLabelValues(queue, outcome).Inc()
	dead, err := d.queue.Fail(msg, cause)
	if err != nil {
		log.Printf("[Dispatcher] failed to release message %s: %v", msg.ID, err)
		return
	}
	if dead {
		d.metrics.QueueDeadLetters.WithLabelValues(queue).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
