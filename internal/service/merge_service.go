package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// maxMergePasses caps the fixed-point sweep. Each pass can only shrink the
// interval set, so in practice two passes settle; the cap guards against a
// regression looping forever.
const maxMergePasses = 16

// MergeService consolidates raw visits and prior processed visits into
// place-anchored processed visits. The merge queue runs a single worker, so
// one window is consolidated at a time.
type MergeService struct {
	users           *repository.UserRepository
	visits          *repository.VisitRepository
	processedVisits *repository.ProcessedVisitRepository
	places          *repository.PlaceRepository
	params          *repository.DetectionParameterRepository
	queue           *queue.Queue
	broker          notify.Broker
	metrics         *metrics.Metrics
}

// NewMergeService creates a new merge service
func NewMergeService(
	users *repository.UserRepository,
	visits *repository.VisitRepository,
	processedVisits *repository.ProcessedVisitRepository,
	places *repository.PlaceRepository,
	params *repository.DetectionParameterRepository,
	q *queue.Queue,
	broker notify.Broker,
	m *metrics.Metrics,
) *MergeService {
	return &MergeService{
		users:           users,
		visits:          visits,
		processedVisits: processedVisits,
		places:          places,
		params:          params,
		queue:           q,
		broker:          broker,
		metrics:         m,
	}
}

// interval is one place-anchored stay considered during merging.
type interval struct {
	placeID int64
	start   int64
	end     int64
}

// HandleMergeVisits is the merge queue handler. It resolves each raw visit
// to a significant place, folds adjacent same-place stays together with the
// processed visits already in the window, and replaces the window's
// processed visits with the merged set. Consumed raw visits are removed.
func (s *MergeService) HandleMergeVisits(ctx context.Context, event models.MergeVisits) error {
	user, err := s.users.GetByUsername(event.Username)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", event.Username, err)
	}
	scope := scopeFor(event.PreviewID)

	rawVisits, err := s.visits.FindWindow(scope, user.ID, event.Start, event.End)
	if err != nil {
		return fmt.Errorf("failed to load visits for %s: %w", event.Username, err)
	}
	if len(rawVisits) == 0 {
		return nil
	}

	param, err := s.params.FindCurrentAt(scope, user.ID, rawVisits[0].StartTime)
	if err != nil {
		return fmt.Errorf("failed to resolve detection parameters for %s: %w", event.Username, err)
	}

	prior, err := s.processedVisits.FindWindow(scope, user.ID, event.Start, event.End)
	if err != nil {
		return fmt.Errorf("failed to load processed visits for %s: %w", event.Username, err)
	}

	intervals := make([]interval, 0, len(rawVisits)+len(prior))
	for _, v := range rawVisits {
		placeID, err := s.resolvePlace(ctx, scope, user.ID, v.Latitude, v.Longitude, param.VisitMerging.MinDistanceMeters)
		if err != nil {
			return err
		}
		intervals = append(intervals, interval{placeID: placeID, start: v.StartTime, end: v.EndTime})
	}
	for _, pv := range prior {
		intervals = append(intervals, interval{placeID: pv.PlaceID, start: pv.StartTime, end: pv.EndTime})
	}

	merged := mergeIntervals(intervals, param.VisitMerging.MaxMergeGapSeconds)

	priorIDs := make([]int64, len(prior))
	for i, pv := range prior {
		priorIDs[i] = pv.ID
	}
	replacement := make([]*models.ProcessedVisit, len(merged))
	for i, iv := range merged {
		replacement[i] = &models.ProcessedVisit{
			UserID:          user.ID,
			PlaceID:         iv.placeID,
			StartTime:       iv.start,
			EndTime:         iv.end,
			DurationSeconds: iv.end - iv.start,
		}
	}
	rawIDs := make([]int64, len(rawVisits))
	for i, v := range rawVisits {
		rawIDs[i] = v.ID
	}
	// Replacing the window must be all-or-nothing: a partial swap would lose
	// the prior processed visits on redelivery.
	if err := s.processedVisits.ReplaceWindow(scope, priorIDs, replacement, rawIDs); err != nil {
		return fmt.Errorf("failed to replace processed visit window for %s: %w", event.Username, err)
	}

	s.metrics.VisitsMerged.Add(float64(len(rawVisits)))
	log.Printf("[Merge] %s: %d visit(s) consolidated into %d processed visit(s)", event.Username, len(intervals), len(merged))

	if err := s.broker.Publish(ctx, models.UserNotification{
		Type:         models.NotifyVisits,
		TargetUserID: user.ID,
		AffectedDate: time.Unix(merged[0].start, 0).UTC().Format("2006-01-02"),
	}); err != nil {
		log.Printf("[Merge] notification failed for %s: %v", event.Username, err)
	}

	return s.queue.Enqueue(models.DetectTrips{
		Username:  event.Username,
		Start:     event.Start,
		End:       event.End,
		PreviewID: event.PreviewID,
	})
}

// resolvePlace finds the user's significant place within matchRadius of the
// centroid, creating one when nothing is close enough. New places are handed
// to the geocoding queue.
func (s *MergeService) resolvePlace(ctx context.Context, scope repository.Scope, userID int64, lat, lng, matchRadius float64) (int64, error) {
	place, err := s.places.FindNearest(scope, userID, lat, lng, matchRadius)
	if err == nil {
		s.refineCentroid(scope, place, lat, lng)
		return place.ID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("failed to find nearby place: %w", err)
	}

	place = &models.SignificantPlace{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lng,
		Type:      models.PlaceTypeOther,
	}
	if err := s.places.Create(scope, place); err != nil {
		return 0, fmt.Errorf("failed to create place: %w", err)
	}

	// Preview places are throwaway, not worth geocoding quota.
	if !scope.IsPreview() {
		if err := s.queue.Enqueue(models.PlaceCreated{
			PlaceID:   place.ID,
			Latitude:  lat,
			Longitude: lng,
		}); err != nil {
			log.Printf("[Merge] failed to enqueue geocoding for place %d: %v", place.ID, err)
		}
	}
	return place.ID, nil
}

// refineCentroid folds a matched cluster's centroid into the place, pulling
// the stored coordinate toward the running mean of its matches. The place
// version doubles as the match count, so early clusters weigh more than
// late ones. Losing the optimistic lock just skips this round's nudge.
func (s *MergeService) refineCentroid(scope repository.Scope, place *models.SignificantPlace, lat, lng float64) {
	if spatial.HaversineDistance(place.Latitude, place.Longitude, lat, lng) < 1 {
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		weight := float64(place.Version)
		place.Latitude = (place.Latitude*weight + lat) / (weight + 1)
		place.Longitude = (place.Longitude*weight + lng) / (weight + 1)
		err := s.places.Update(scope, place)
		if err == nil {
			return
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			log.Printf("[Merge] centroid refinement failed for place %d: %v", place.ID, err)
			return
		}
		fresh, err := s.places.GetByID(scope, place.ID)
		if err != nil {
			log.Printf("[Merge] centroid refinement reload failed for place %d: %v", place.ID, err)
			return
		}
		*place = *fresh
	}
	log.Printf("[Merge] centroid refinement for place %d skipped after version conflicts", place.ID)
}

// mergeIntervals folds same-place intervals whose gap does not exceed
// maxGapSeconds, repeating until the set is stable.
func mergeIntervals(intervals []interval, maxGapSeconds int64) []interval {
	if len(intervals) == 0 {
		return nil
	}
	current := append([]interval{}, intervals...)
	for pass := 0; pass < maxMergePasses; pass++ {
		sort.Slice(current, func(i, j int) bool {
			if current[i].start != current[j].start {
				return current[i].start < current[j].start
			}
			return current[i].end < current[j].end
		})

		next := []interval{current[0]}
		for _, iv := range current[1:] {
			last := &next[len(next)-1]
			if iv.placeID == last.placeID && iv.start-last.end <= maxGapSeconds {
				if iv.end > last.end {
					last.end = iv.end
				}
				continue
			}
			// A different place overlapping the previous stay is clamped to
			// start where it ends so the set stays overlap-free. Fully
			// contained intervals are dropped.
			if iv.start < last.end {
				iv.start = last.end
				if iv.start >= iv.end {
					continue
				}
			}
			next = append(next, iv)
		}
		if len(next) == len(current) {
			return next
		}
		current = next
	}
	return current
}
