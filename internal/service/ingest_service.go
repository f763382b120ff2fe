package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/detection"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// IngestService validates and stores incoming location batches and arms the
// debounced processing trigger.
type IngestService struct {
	users     *repository.UserRepository
	rawPoints *repository.RawPointRepository
	queue     *queue.Queue
	debouncer *queue.Debouncer
	filter    *detection.AnomalyFilter
	broker    notify.Broker
	metrics   *metrics.Metrics
}

// NewIngestService creates a new ingest service
func NewIngestService(
	users *repository.UserRepository,
	rawPoints *repository.RawPointRepository,
	q *queue.Queue,
	debouncer *queue.Debouncer,
	filter *detection.AnomalyFilter,
	broker notify.Broker,
	m *metrics.Metrics,
) *IngestService {
	return &IngestService{
		users:     users,
		rawPoints: rawPoints,
		queue:     q,
		debouncer: debouncer,
		filter:    filter,
		broker:    broker,
		metrics:   m,
	}
}

// Accept validates a batch and enqueues it for durable ingestion. The HTTP
// handler calls this; actual storage happens on the ingest queue.
func (s *IngestService) Accept(batch models.LocationBatch) error {
	if _, err := s.users.GetByUsername(batch.Username); err != nil {
		return fmt.Errorf("unknown user %s: %w", batch.Username, err)
	}
	if len(batch.Points) == 0 {
		return nil
	}
	return s.queue.Enqueue(models.LocationDataReceived{Username: batch.Username, Points: batch.Points})
}

// HandleLocationData is the ingest queue handler. It parses and validates
// each point, skips malformed entries, stores the rest with duplicate
// suppression, and re-arms the user's processing trigger.
func (s *IngestService) HandleLocationData(ctx context.Context, event models.LocationDataReceived) error {
	user, err := s.users.GetByUsername(event.Username)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", event.Username, err)
	}

	points := make([]models.RawLocationPoint, 0, len(event.Points))
	for _, p := range event.Points {
		point, err := parsePoint(user.ID, p)
		if err != nil {
			log.Printf("[Ingest] skipping invalid point for %s: %v", event.Username, err)
			continue
		}
		points = append(points, point)
	}

	filtered := s.filter.Filter(points)
	if dropped := len(points) - len(filtered); dropped > 0 {
		s.metrics.PointsRejected.Add(float64(dropped))
		log.Printf("[Ingest] dropped %d anomalous point(s) for %s", dropped, event.Username)
	}
	if len(filtered) == 0 {
		return nil
	}

	inserted, err := s.rawPoints.BulkInsert(repository.Live, filtered)
	if err != nil {
		return fmt.Errorf("failed to store points for %s: %w", event.Username, err)
	}
	s.metrics.PointsIngested.Add(float64(inserted))
	s.metrics.PointsDeduped.Add(float64(len(filtered) - inserted))

	if inserted > 0 {
		if err := s.broker.Publish(ctx, models.UserNotification{
			Type:         models.NotifyRawData,
			TargetUserID: user.ID,
			AffectedDate: time.Unix(filtered[0].Timestamp, 0).UTC().Format("2006-01-02"),
		}); err != nil {
			log.Printf("[Ingest] notification failed for %s: %v", event.Username, err)
		}
	}

	// Re-arm even when everything was a duplicate so a stalled pipeline can
	// catch up on older unprocessed points.
	s.debouncer.Schedule(event.Username, "")
	return nil
}

// parsePoint converts one batch entry into a stored point, rejecting
// malformed timestamps and out-of-range coordinates.
func parsePoint(userID int64, p models.LocationPoint) (models.RawLocationPoint, error) {
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return models.RawLocationPoint{}, fmt.Errorf("invalid timestamp %q: %w", p.Timestamp, err)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return models.RawLocationPoint{}, fmt.Errorf("latitude %f out of range", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return models.RawLocationPoint{}, fmt.Errorf("longitude %f out of range", p.Longitude)
	}
	if p.AccuracyMeters < 0 {
		return models.RawLocationPoint{}, fmt.Errorf("negative accuracy %f", p.AccuracyMeters)
	}
	return models.RawLocationPoint{
		UserID:         userID,
		Timestamp:      ts.Unix(),
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		AccuracyMeters: p.AccuracyMeters,
	}, nil
}
