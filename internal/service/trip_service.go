package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/detection"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// TripService bridges consecutive processed visits with trips.
type TripService struct {
	users           *repository.UserRepository
	processedVisits *repository.ProcessedVisitRepository
	places          *repository.PlaceRepository
	trips           *repository.TripRepository
	rawPoints       *repository.RawPointRepository
	classifier      detection.ModeClassifier
	broker          notify.Broker
	metrics         *metrics.Metrics
}

// NewTripService creates a new trip service
func NewTripService(
	users *repository.UserRepository,
	processedVisits *repository.ProcessedVisitRepository,
	places *repository.PlaceRepository,
	trips *repository.TripRepository,
	rawPoints *repository.RawPointRepository,
	classifier detection.ModeClassifier,
	broker notify.Broker,
	m *metrics.Metrics,
) *TripService {
	return &TripService{
		users:           users,
		processedVisits: processedVisits,
		places:          places,
		trips:           trips,
		rawPoints:       rawPoints,
		classifier:      classifier,
		broker:          broker,
		metrics:         m,
	}
}

// HandleDetectTrips is the trip queue handler. For every gap between
// consecutive processed visits in the window it creates a trip spanning the
// first visit's end to the second visit's start. Exact duplicates are
// skipped, so redelivery is harmless.
func (s *TripService) HandleDetectTrips(ctx context.Context, event models.DetectTrips) error {
	user, err := s.users.GetByUsername(event.Username)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", event.Username, err)
	}
	scope := scopeFor(event.PreviewID)

	visits, err := s.processedVisits.FindWindow(scope, user.ID, event.Start, event.End)
	if err != nil {
		return fmt.Errorf("failed to load processed visits for %s: %w", event.Username, err)
	}
	if len(visits) == 0 {
		return nil
	}

	// Bridge into the window from the visit just before it, so the trip
	// leading to the window's first visit is not lost.
	if prev, err := s.processedVisits.FindPrevious(scope, user.ID, visits[0].StartTime); err == nil {
		if prev.ID != visits[0].ID {
			visits = append([]models.ProcessedVisit{*prev}, visits...)
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to find preceding visit for %s: %w", event.Username, err)
	}

	created := 0
	for i := 0; i < len(visits)-1; i++ {
		from, to := visits[i], visits[i+1]
		if from.EndTime >= to.StartTime {
			continue
		}
		trip, err := s.buildTrip(scope, user.ID, from, to)
		if err != nil {
			return err
		}
		inserted, err := s.trips.Create(scope, trip)
		if err != nil {
			return fmt.Errorf("failed to create trip for %s: %w", event.Username, err)
		}
		if inserted {
			created++
		}
	}

	if created == 0 {
		return nil
	}
	s.metrics.TripsDetected.Add(float64(created))
	log.Printf("[TripDetection] %s: %d trip(s) in window [%d, %d]", event.Username, created, event.Start, event.End)

	if err := s.broker.Publish(ctx, models.UserNotification{
		Type:         models.NotifyTrips,
		TargetUserID: user.ID,
		AffectedDate: time.Unix(visits[0].EndTime, 0).UTC().Format("2006-01-02"),
	}); err != nil {
		log.Printf("[TripDetection] notification failed for %s: %v", event.Username, err)
	}
	return nil
}

// buildTrip measures a single gap between two processed visits: straight-line
// distance between the anchoring places, travelled distance along the raw
// points inside the gap, and the inferred transport mode from the speed
// profile.
func (s *TripService) buildTrip(scope repository.Scope, userID int64, from, to models.ProcessedVisit) (*models.Trip, error) {
	fromPlace, err := s.places.GetByID(scope, from.PlaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load place %d: %w", from.PlaceID, err)
	}
	toPlace, err := s.places.GetByID(scope, to.PlaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load place %d: %w", to.PlaceID, err)
	}

	estimated := spatial.HaversineDistance(fromPlace.Latitude, fromPlace.Longitude, toPlace.Latitude, toPlace.Longitude)

	points, err := s.rawPoints.FindRange(scope, userID, from.EndTime, to.StartTime)
	if err != nil {
		return nil, fmt.Errorf("failed to load gap points: %w", err)
	}

	coords := make([][2]float64, len(points))
	for i, p := range points {
		coords[i] = [2]float64{p.Latitude, p.Longitude}
	}
	travelled := spatial.PathDistance(coords)

	maxSpeedKmh := 0.0
	for i := 0; i < len(points)-1; i++ {
		if dt := points[i+1].Timestamp - points[i].Timestamp; dt > 0 {
			d := spatial.HaversineDistance(points[i].Latitude, points[i].Longitude, points[i+1].Latitude, points[i+1].Longitude)
			if speed := d / float64(dt) * 3.6; speed > maxSpeedKmh {
				maxSpeedKmh = speed
			}
		}
	}
	if travelled == 0 {
		travelled = estimated
	}

	duration := to.StartTime - from.EndTime
	avgSpeedKmh := 0.0
	if duration > 0 {
		avgSpeedKmh = travelled / float64(duration) * 3.6
	}

	return &models.Trip{
		UserID:                  userID,
		StartVisitID:            from.ID,
		EndVisitID:              to.ID,
		StartTime:               from.EndTime,
		EndTime:                 to.StartTime,
		DurationSeconds:         duration,
		EstimatedDistanceMeters: estimated,
		TravelledDistanceMeters: travelled,
		TransportModeInferred:   s.classifier.Classify(avgSpeedKmh, maxSpeedKmh),
	}, nil
}
