package service

import (
	"errors"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// TimelineVisit is a processed visit joined with its place for API
// responses.
type TimelineVisit struct {
	models.ProcessedVisit
	Place *models.SignificantPlace `json:"place,omitempty"`
}

// TimelineService serves the read side: a user's visits and trips over a
// time range.
type TimelineService struct {
	users           *repository.UserRepository
	processedVisits *repository.ProcessedVisitRepository
	trips           *repository.TripRepository
	places          *repository.PlaceRepository
}

// NewTimelineService creates a new timeline service
func NewTimelineService(
	users *repository.UserRepository,
	processedVisits *repository.ProcessedVisitRepository,
	trips *repository.TripRepository,
	places *repository.PlaceRepository,
) *TimelineService {
	return &TimelineService{
		users:           users,
		processedVisits: processedVisits,
		trips:           trips,
		places:          places,
	}
}

// Visits returns the user's processed visits overlapping [start, end], each
// carrying its place. Zero start and end returns the full history.
func (s *TimelineService) Visits(username string, start, end int64) ([]TimelineVisit, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", username, err)
	}

	visits, err := s.processedVisits.FindWindow(repository.Live, user.ID, start, end)
	if err != nil {
		return nil, err
	}

	placeCache := make(map[int64]*models.SignificantPlace)
	result := make([]TimelineVisit, 0, len(visits))
	for _, v := range visits {
		tv := TimelineVisit{ProcessedVisit: v}
		if place, ok := placeCache[v.PlaceID]; ok {
			tv.Place = place
		} else {
			place, err := s.places.GetByID(repository.Live, v.PlaceID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
			placeCache[v.PlaceID] = place
			tv.Place = place
		}
		result = append(result, tv)
	}
	return result, nil
}

// Trips returns the user's trips overlapping [start, end]. Zero start and
// end returns the full history.
func (s *TimelineService) Trips(username string, start, end int64) ([]models.Trip, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", username, err)
	}
	return s.trips.FindWindow(repository.Live, user.ID, start, end)
}

// Places returns the user's significant places.
func (s *TimelineService) Places(username string) ([]models.SignificantPlace, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", username, err)
	}
	return s.places.ListByUser(repository.Live, user.ID)
}
