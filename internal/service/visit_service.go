package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/karelvirta/timeline-backend-go/internal/detection"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// VisitService turns raw point windows into visits via stay-point clustering.
type VisitService struct {
	users     *repository.UserRepository
	rawPoints *repository.RawPointRepository
	visits    *repository.VisitRepository
	params    *repository.DetectionParameterRepository
	queue     *queue.Queue
	metrics   *metrics.Metrics
}

// NewVisitService creates a new visit service
func NewVisitService(
	users *repository.UserRepository,
	rawPoints *repository.RawPointRepository,
	visits *repository.VisitRepository,
	params *repository.DetectionParameterRepository,
	q *queue.Queue,
	m *metrics.Metrics,
) *VisitService {
	return &VisitService{
		users:     users,
		rawPoints: rawPoints,
		visits:    visits,
		params:    params,
		queue:     q,
		metrics:   m,
	}
}

// HandleDetectStay is the stay detection queue handler. It clusters the
// window's points into stays, persists or extends visits, marks the points
// processed and hands the touched range to the merger.
func (s *VisitService) HandleDetectStay(ctx context.Context, event models.DetectStay) error {
	user, err := s.users.GetByUsername(event.Username)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", event.Username, err)
	}
	scope := scopeFor(event.PreviewID)

	points, err := s.rawPoints.FindRange(scope, user.ID, event.Earliest, event.Latest)
	if err != nil {
		return fmt.Errorf("failed to load points for %s: %w", event.Username, err)
	}
	if len(points) == 0 {
		return nil
	}

	param, err := s.params.FindCurrentAt(scope, user.ID, event.Earliest)
	if err != nil {
		return fmt.Errorf("failed to resolve detection parameters for %s: %w", event.Username, err)
	}

	stays := detection.DetectStays(points, param.VisitDetection)
	for _, stay := range stays {
		if err := s.persistStay(scope, user.ID, stay, param.VisitDetection); err != nil {
			return err
		}
	}

	ids := make([]int64, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	if err := s.rawPoints.MarkProcessed(scope, ids); err != nil {
		return fmt.Errorf("failed to mark points processed for %s: %w", event.Username, err)
	}

	if len(stays) == 0 {
		return nil
	}
	s.metrics.VisitsDetected.Add(float64(len(stays)))
	log.Printf("[VisitDetection] %s: %d stay(s) in window [%d, %d]", event.Username, len(stays), event.Earliest, event.Latest)

	window := param.VisitMerging.SearchWindowHours * 3600
	return s.queue.Enqueue(models.MergeVisits{
		Username:  event.Username,
		Start:     stays[0].StartTime - window,
		End:       stays[len(stays)-1].EndTime + window,
		PreviewID: event.PreviewID,
	})
}

// persistStay folds a detected stay into an overlapping nearby visit when
// one exists, otherwise creates a new one. Redelivered windows therefore do
// not duplicate visits.
func (s *VisitService) persistStay(scope repository.Scope, userID int64, stay detection.Cluster, cfg models.VisitDetection) error {
	existing, err := s.visits.FindOverlapping(scope, userID, stay.StartTime, stay.EndTime)
	if err != nil {
		return fmt.Errorf("failed to find overlapping visits: %w", err)
	}
	for i := range existing {
		v := &existing[i]
		dist := spatial.HaversineDistance(v.Latitude, v.Longitude, stay.Latitude, stay.Longitude)
		if dist > cfg.SearchDistanceMeters {
			continue
		}
		if stay.StartTime >= v.StartTime && stay.EndTime <= v.EndTime {
			return nil
		}
		if stay.StartTime < v.StartTime {
			v.StartTime = stay.StartTime
		}
		if stay.EndTime > v.EndTime {
			v.EndTime = stay.EndTime
		}
		v.DurationSeconds = v.EndTime - v.StartTime
		v.Processed = false
		if err := s.visits.Update(scope, v); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// concurrent extension of the same visit; redelivery retries
				return fmt.Errorf("visit %d changed concurrently: %w", v.ID, err)
			}
			return err
		}
		return nil
	}

	visit := &models.Visit{
		UserID:          userID,
		Latitude:        stay.Latitude,
		Longitude:       stay.Longitude,
		StartTime:       stay.StartTime,
		EndTime:         stay.EndTime,
		DurationSeconds: stay.EndTime - stay.StartTime,
	}
	if err := s.visits.Create(scope, visit); err != nil {
		return fmt.Errorf("failed to create visit: %w", err)
	}
	return nil
}
