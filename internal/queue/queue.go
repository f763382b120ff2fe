package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// Message statuses
const (
	StatusPending  = "pending"
	StatusInflight = "inflight"
	StatusDead     = "dead"
)

// visibilityTimeout is how long a claimed message stays invisible before it
// becomes eligible for redelivery.
const visibilityTimeout = 2 * time.Minute

// Message is one durable queue entry.
type Message struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int
}

// Queue is a durable at-least-once message queue backed by the database.
// Failed messages are retried with exponential backoff and parked as dead
// after maxAttempts.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

// New creates a queue over the given database.
func New(db *sql.DB, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// Enqueue stores a pipeline event on its queue.
func (q *Queue) Enqueue(event models.PipelineEvent) error {
	payload, err := models.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = q.db.Exec(`
		INSERT INTO queue_messages (id, queue, payload, status, attempts, available_at)
		VALUES (?, ?, ?, 'pending', 0, ?)`,
		uuid.NewString(), event.Queue(), string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Receive claims the next due message on the queue, or returns nil when the
// queue is empty. The claim expires after the visibility timeout.
func (q *Queue) Receive(queue string) (*Message, error) {
	now := time.Now().Unix()
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive: %w", err)
	}
	defer tx.Rollback()

	msg := &Message{}
	var payload string
	err = tx.QueryRow(`
		SELECT id, queue, payload, attempts
		FROM queue_messages
		WHERE queue = ? AND available_at <= ?
		  AND (status = 'pending' OR (status = 'inflight' AND claimed_until < ?))
		ORDER BY available_at ASC
		LIMIT 1`,
		queue, now, now).Scan(&msg.ID, &msg.Queue, &payload, &msg.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select message: %w", err)
	}
	msg.Payload = []byte(payload)

	res, err := tx.Exec(`
		UPDATE queue_messages
		SET status = 'inflight', attempts = attempts + 1, claimed_until = ?
		WHERE id = ? AND attempts = ?`,
		now+int64(visibilityTimeout.Seconds()), msg.ID, msg.Attempts)
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// lost the race to another worker
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	msg.Attempts++
	return msg, nil
}

// Ack deletes a successfully processed message.
func (q *Queue) Ack(id string) error {
	if _, err := q.db.Exec(`DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", id, err)
	}
	return nil
}

// Fail releases a message back to the queue with exponential backoff, or
// parks it as dead once the attempt budget is spent. Returns true when the
// message was dead-lettered.
func (q *Queue) Fail(msg *Message, cause error) (bool, error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if msg.Attempts >= q.maxAttempts {
		_, err := q.db.Exec(`
			UPDATE queue_messages SET status = 'dead', last_error = ? WHERE id = ?`,
			lastError, msg.ID)
		if err != nil {
			return false, fmt.Errorf("failed to park message %s: %w", msg.ID, err)
		}
		return true, nil
	}
	delay := backoffDelay(msg.Attempts)
	_, err := q.db.Exec(`
		UPDATE queue_messages
		SET status = 'pending', available_at = ?, claimed_until = NULL, last_error = ?
		WHERE id = ?`,
		time.Now().Add(delay).Unix(), lastError, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to release message %s: %w", msg.ID, err)
	}
	return false, nil
}

// backoffDelay doubles per attempt starting at one second, capped at five
// minutes.
func backoffDelay(attempts int) time.Duration {
	d := time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// DeadCount returns the number of dead-lettered messages per queue.
func (q *Queue) DeadCount() (map[string]int, error) {
	rows, err := q.db.Query(`
		SELECT queue, COUNT(*) FROM queue_messages WHERE status = 'dead' GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, fmt.Errorf("failed to scan dead count: %w", err)
		}
		counts[queue] = n
	}
	return counts, rows.Err()
}
