package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// previewLookahead is how much history after the reference time a preview
// covers.
const previewLookahead = 24 * time.Hour

// PreviewService runs candidate detection parameters against a copy of the
// user's points in sandbox tables, leaving live data untouched.
type PreviewService struct {
	users     *repository.UserRepository
	rawPoints *repository.RawPointRepository
	visits    *repository.VisitRepository
	trips     *repository.TripRepository
	params    *repository.DetectionParameterRepository
	processed *repository.ProcessedVisitRepository
	places    *repository.PlaceRepository
	previews  *repository.PreviewRepository
	state     *repository.ProcessingStateRepository
	queue     *queue.Queue
	ttl       time.Duration
}

// NewPreviewService creates a new preview service
func NewPreviewService(
	users *repository.UserRepository,
	rawPoints *repository.RawPointRepository,
	visits *repository.VisitRepository,
	trips *repository.TripRepository,
	params *repository.DetectionParameterRepository,
	processed *repository.ProcessedVisitRepository,
	places *repository.PlaceRepository,
	previews *repository.PreviewRepository,
	state *repository.ProcessingStateRepository,
	q *queue.Queue,
	ttl time.Duration,
) *PreviewService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PreviewService{
		users:     users,
		rawPoints: rawPoints,
		visits:    visits,
		trips:     trips,
		params:    params,
		processed: processed,
		places:    places,
		previews:  previews,
		state:     state,
		queue:     q,
		ttl:       ttl,
	}
}

// PreviewResult is the derived data of one preview run. Running reports
// whether the sandbox pipeline is still working; a polling client should
// treat the data as partial until it clears.
type PreviewResult struct {
	PreviewID string                    `json:"previewId"`
	Running   bool                      `json:"running"`
	Visits    []models.ProcessedVisit   `json:"visits"`
	Trips     []models.Trip             `json:"trips"`
	Places    []models.SignificantPlace `json:"places"`
}

// Start copies the user's points around referenceTime into the sandbox,
// installs the candidate thresholds there and kicks off a preview-scoped
// pipeline run. Returns the preview id used to poll for results.
func (s *PreviewService) Start(ctx context.Context, username string, candidate models.DetectionParameter, referenceTime int64) (string, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return "", fmt.Errorf("unknown user %s: %w", username, err)
	}

	candidate.UserID = user.ID
	candidate.ValidSince = nil
	candidate.NeedsRecalculation = false
	if err := validateParameter(&candidate); err != nil {
		return "", err
	}

	previewID := uuid.NewString()
	scope := repository.Preview(previewID, time.Now().Unix())

	window := candidate.VisitMerging.SearchWindowHours * 3600
	start := referenceTime - window
	end := referenceTime + int64(previewLookahead.Seconds()) + window

	copied, err := s.rawPoints.CopyRangeToPreview(scope, user.ID, start, end)
	if err != nil {
		return "", fmt.Errorf("failed to copy points into preview: %w", err)
	}
	if copied == 0 {
		return "", fmt.Errorf("no location data between %d and %d", start, end)
	}

	if err := s.params.Create(scope, &candidate); err != nil {
		return "", fmt.Errorf("failed to install preview parameters: %w", err)
	}

	if err := s.queue.Enqueue(models.TriggerProcessing{Username: username, PreviewID: previewID}); err != nil {
		return "", fmt.Errorf("failed to start preview run: %w", err)
	}
	log.Printf("[Preview] %s: started %s over %d point(s)", username, previewID, copied)
	return previewID, nil
}

// Results returns the sandbox's current derived data for a preview run.
// Polling while the run is still in flight returns a partial result.
func (s *PreviewService) Results(username, previewID string) (*PreviewResult, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", username, err)
	}
	exists, err := s.previews.Exists(previewID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, repository.ErrNotFound
	}

	scope := repository.Preview(previewID, 0)
	visits, err := s.processed.FindWindow(scope, user.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	trips, err := s.trips.FindWindow(scope, user.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	places, err := s.places.ListByUser(scope, user.ID)
	if err != nil {
		return nil, err
	}
	running, err := s.state.IsRunning(user.ID, previewID)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{
		PreviewID: previewID,
		Running:   running,
		Visits:    visits,
		Trips:     trips,
		Places:    places,
	}, nil
}

// Discard removes a preview run's sandbox data ahead of its TTL.
func (s *PreviewService) Discard(previewID string) error {
	return s.previews.Delete(previewID)
}

// RunCleanup starts the periodic sweep that expires sandbox rows past the
// TTL. Blocks until ctx is cancelled.
func (s *PreviewService) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl).Unix()
			removed, err := s.previews.DeleteOlderThan(cutoff)
			if err != nil {
				log.Printf("[Preview] cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[Preview] expired %d sandbox row(s)", removed)
			}
		}
	}
}
