package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// ErrNoRecalculationNeeded signals that no parameter window is flagged, so a
// recalculation request has nothing to do.
var ErrNoRecalculationNeeded = errors.New("no parameter changes pending recalculation")

// ErrDefaultWindowImmutable signals an attempt to delete the floor window.
var ErrDefaultWindowImmutable = errors.New("the default parameter window cannot be deleted")

// ParameterService manages validity-windowed detection parameters and the
// recalculation of history they govern.
type ParameterService struct {
	users           *repository.UserRepository
	params          *repository.DetectionParameterRepository
	rawPoints       *repository.RawPointRepository
	visits          *repository.VisitRepository
	processedVisits *repository.ProcessedVisitRepository
	trips           *repository.TripRepository
	queue           *queue.Queue
}

// NewParameterService creates a new parameter service
func NewParameterService(
	users *repository.UserRepository,
	params *repository.DetectionParameterRepository,
	rawPoints *repository.RawPointRepository,
	visits *repository.VisitRepository,
	processedVisits *repository.ProcessedVisitRepository,
	trips *repository.TripRepository,
	q *queue.Queue,
) *ParameterService {
	return &ParameterService{
		users:           users,
		params:          params,
		rawPoints:       rawPoints,
		visits:          visits,
		processedVisits: processedVisits,
		trips:           trips,
		queue:           q,
	}
}

// List returns a user's parameter windows, newest first with the default
// window last. A user without any rows gets the built-in default.
func (s *ParameterService) List(userID int64) ([]models.DetectionParameter, error) {
	params, err := s.params.FindAll(repository.Live, userID)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = []models.DetectionParameter{*models.DefaultDetectionParameter(userID)}
	}
	return params, nil
}

// Create inserts a new parameter window. The window is flagged for
// recalculation only when stored raw data falls under its validity, so
// configuring thresholds ahead of first use does not nag for a recompute.
func (s *ParameterService) Create(userID int64, p *models.DetectionParameter) error {
	p.UserID = userID
	if err := validateParameter(p); err != nil {
		return err
	}
	since := int64(0)
	if p.ValidSince != nil {
		since = *p.ValidSince
	}
	governed, err := s.rawPoints.ContainsDataAfter(userID, since)
	if err != nil {
		return fmt.Errorf("failed to check for governed data: %w", err)
	}
	p.NeedsRecalculation = governed
	return s.params.Create(repository.Live, p)
}

// Update edits an existing window's thresholds, flagging it when the range
// it governs holds raw data that was detected under the old values.
func (s *ParameterService) Update(userID int64, p *models.DetectionParameter) error {
	existing, err := s.params.GetByID(repository.Live, p.ID)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return repository.ErrNotFound
	}
	p.UserID = userID
	if err := validateParameter(p); err != nil {
		return err
	}

	all, err := s.params.FindAll(repository.Live, userID)
	if err != nil {
		return err
	}
	start, end := windowRange(*p, all)
	var governed bool
	if start == 0 && end == 0 {
		governed, err = s.rawPoints.ContainsDataAfter(userID, 0)
	} else {
		governed, err = s.rawPoints.ContainsDataBetween(userID, start, end)
	}
	if err != nil {
		return fmt.Errorf("failed to check for governed data: %w", err)
	}
	p.NeedsRecalculation = governed
	return s.params.Update(repository.Live, p)
}

// Delete removes a non-default window. The window that takes over the
// deleted validity range is flagged so the range gets recomputed under its
// thresholds.
func (s *ParameterService) Delete(userID, id int64) error {
	victim, err := s.params.GetByID(repository.Live, id)
	if err != nil {
		return err
	}
	if victim.UserID != userID {
		return repository.ErrNotFound
	}
	if victim.ValidSince == nil {
		return ErrDefaultWindowImmutable
	}
	if err := s.params.Delete(repository.Live, id); err != nil {
		return err
	}

	successor, err := s.params.FindCurrentAt(repository.Live, userID, *victim.ValidSince)
	if err != nil {
		return err
	}
	if successor.ID == 0 {
		// built-in defaults, nothing stored to flag; the range still needs
		// recomputing, so persist the default window flagged
		successor.NeedsRecalculation = true
		return s.params.Create(repository.Live, successor)
	}
	successor.NeedsRecalculation = true
	return s.params.Update(repository.Live, successor)
}

// Recalculate wipes the derived data of every time range governed by a
// flagged window, marks the underlying raw points unprocessed and restarts
// the pipeline. Returns ErrNoRecalculationNeeded when nothing is flagged.
func (s *ParameterService) Recalculate(ctx context.Context, userID int64) error {
	user, err := s.users.GetByID(userID)
	if err != nil {
		return err
	}

	flagged, err := s.params.FindFlagged(repository.Live, userID)
	if err != nil {
		return err
	}
	if len(flagged) == 0 {
		return ErrNoRecalculationNeeded
	}

	all, err := s.params.FindAll(repository.Live, userID)
	if err != nil {
		return err
	}

	for _, p := range flagged {
		start, end := windowRange(p, all)
		if err := s.wipeRange(userID, start, end); err != nil {
			return err
		}
	}

	if err := s.params.ClearFlags(repository.Live, userID); err != nil {
		return err
	}

	log.Printf("[Recalculation] restarting pipeline for %s over %d range(s)", user.Username, len(flagged))
	return s.queue.Enqueue(models.TriggerProcessing{Username: user.Username})
}

// Dismiss clears pending recalculation flags without recomputing anything.
func (s *ParameterService) Dismiss(userID int64) error {
	flagged, err := s.params.FindFlagged(repository.Live, userID)
	if err != nil {
		return err
	}
	if len(flagged) == 0 {
		return ErrNoRecalculationNeeded
	}
	return s.params.ClearFlags(repository.Live, userID)
}

// HasPending reports whether any window awaits recalculation.
func (s *ParameterService) HasPending(userID int64) (bool, error) {
	flagged, err := s.params.FindFlagged(repository.Live, userID)
	if err != nil {
		return false, err
	}
	return len(flagged) > 0, nil
}

// wipeRange drops derived data inside [start, end) and releases the raw
// points for reprocessing. Zero start and end covers the full history.
func (s *ParameterService) wipeRange(userID, start, end int64) error {
	if err := s.trips.DeleteRange(repository.Live, userID, start, end); err != nil {
		return err
	}
	if err := s.processedVisits.DeleteRange(repository.Live, userID, start, end); err != nil {
		return err
	}
	if err := s.visits.DeleteRange(repository.Live, userID, start, end); err != nil {
		return err
	}
	return s.rawPoints.MarkUnprocessedRange(repository.Live, userID, start, end)
}

// windowRange computes the validity range [start, end) a window governs:
// from its valid_since to the next window's valid_since. The default window
// starts at the beginning of history; the newest window is open-ended. Zero
// start and end means the full history.
func windowRange(p models.DetectionParameter, all []models.DetectionParameter) (int64, int64) {
	if p.ValidSince == nil {
		// default window: governs everything before the earliest explicit one
		earliest := int64(0)
		for _, other := range all {
			if other.ValidSince != nil && (earliest == 0 || *other.ValidSince < earliest) {
				earliest = *other.ValidSince
			}
		}
		if earliest == 0 {
			return 0, 0
		}
		return 0, earliest
	}

	var boundaries []int64
	for _, other := range all {
		if other.ValidSince != nil && *other.ValidSince > *p.ValidSince {
			boundaries = append(boundaries, *other.ValidSince)
		}
	}
	if len(boundaries) == 0 {
		// open-ended: wipe to the far future
		return *p.ValidSince, 1<<62 - 1
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })
	return *p.ValidSince, boundaries[0]
}

// validateParameter rejects thresholds that would make detection degenerate.
func validateParameter(p *models.DetectionParameter) error {
	if p.VisitDetection.SearchDistanceMeters <= 0 {
		return fmt.Errorf("search distance must be positive")
	}
	if p.VisitDetection.MinAdjacentPoints < 1 {
		return fmt.Errorf("minimum adjacent points must be at least 1")
	}
	if p.VisitDetection.MinStayTimeSeconds < 0 || p.VisitDetection.MaxMergeGapSeconds < 0 {
		return fmt.Errorf("time thresholds must not be negative")
	}
	if p.VisitMerging.SearchWindowHours < 1 {
		return fmt.Errorf("merge search window must be at least one hour")
	}
	if p.VisitMerging.MinDistanceMeters <= 0 {
		return fmt.Errorf("merge distance must be positive")
	}
	return nil
}
