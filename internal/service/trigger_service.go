package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// staleClaimAfter is how long a processing claim may sit before a new run
// takes it over from a crashed worker.
const staleClaimAfter = 10 * time.Minute

// TriggerService fans a user's unprocessed points out into stay detection
// windows. At most one run per (user, preview) pair is active at a time.
type TriggerService struct {
	users     *repository.UserRepository
	rawPoints *repository.RawPointRepository
	state     *repository.ProcessingStateRepository
	queue     *queue.Queue
	batchSize int
}

// NewTriggerService creates a new trigger service
func NewTriggerService(
	users *repository.UserRepository,
	rawPoints *repository.RawPointRepository,
	state *repository.ProcessingStateRepository,
	q *queue.Queue,
	batchSize int,
) *TriggerService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TriggerService{
		users:     users,
		rawPoints: rawPoints,
		state:     state,
		queue:     q,
		batchSize: batchSize,
	}
}

// HandleTrigger is the trigger queue handler. It walks the user's
// unprocessed points in batches and emits one stay detection window per
// batch. A run already in flight makes this a no-op; the next debounced
// trigger picks the data up.
func (s *TriggerService) HandleTrigger(ctx context.Context, event models.TriggerProcessing) error {
	user, err := s.users.GetByUsername(event.Username)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", event.Username, err)
	}

	claimed, err := s.state.TryClaim(user.ID, event.PreviewID, staleClaimAfter)
	if err != nil {
		return fmt.Errorf("failed to claim processing for %s: %w", event.Username, err)
	}
	if !claimed {
		log.Printf("[Trigger] processing already running for %s, skipping", event.Username)
		return nil
	}
	defer func() {
		if err := s.state.Release(user.ID, event.PreviewID); err != nil {
			log.Printf("[Trigger] failed to release claim for %s: %v", event.Username, err)
		}
	}()

	scope := scopeFor(event.PreviewID)
	var after int64 = -1 << 62
	windows := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		points, err := s.rawPoints.FindUnprocessed(scope, user.ID, after, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to load unprocessed points for %s: %w", event.Username, err)
		}
		if len(points) == 0 {
			break
		}

		if err := s.queue.Enqueue(models.DetectStay{
			Username:  event.Username,
			Earliest:  points[0].Timestamp,
			Latest:    points[len(points)-1].Timestamp,
			PreviewID: event.PreviewID,
		}); err != nil {
			return fmt.Errorf("failed to enqueue stay detection for %s: %w", event.Username, err)
		}
		windows++
		after = points[len(points)-1].Timestamp
		if len(points) < s.batchSize {
			break
		}
	}

	if windows > 0 {
		log.Printf("[Trigger] dispatched %d stay detection window(s) for %s", windows, event.Username)
	}
	return nil
}

// scopeFor maps an event's preview id onto a repository scope.
func scopeFor(previewID string) repository.Scope {
	if previewID == "" {
		return repository.Live
	}
	return repository.Preview(previewID, time.Now().Unix())
}
