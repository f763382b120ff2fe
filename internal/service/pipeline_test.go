package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/config"
	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/detection"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// base keeps test timestamps in a realistic epoch range.
const base int64 = 1_700_000_000

type pipelineEnv struct {
	users     *repository.UserRepository
	rawPoints *repository.RawPointRepository
	visits    *repository.VisitRepository
	processed *repository.ProcessedVisitRepository
	places    *repository.PlaceRepository
	trips     *repository.TripRepository
	params    *repository.DetectionParameterRepository
	previews  *repository.PreviewRepository

	queue   *queue.Queue
	ingest  *IngestService
	trigger *TriggerService
	visit   *VisitService
	merge   *MergeService
	trip    *TripService
	param   *ParameterService
	preview *PreviewService

	drainHandlers map[string]func(context.Context, models.PipelineEvent) error

	user *models.User
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := repository.NewUserRepository(db)
	rawPoints := repository.NewRawPointRepository(db)
	visits := repository.NewVisitRepository(db)
	processed := repository.NewProcessedVisitRepository(db)
	places := repository.NewPlaceRepository(db)
	trips := repository.NewTripRepository(db)
	params := repository.NewDetectionParameterRepository(db)
	state := repository.NewProcessingStateRepository(db)
	geocodes := repository.NewGeocodeRepository(db)
	previews := repository.NewPreviewRepository(db)

	q := queue.New(db, 3)
	m := metrics.New()
	broker := notify.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	debouncer := queue.NewDebouncer(q, time.Millisecond)
	t.Cleanup(debouncer.Stop)

	user := &models.User{Username: "karel"}
	if err := users.Create(user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	env := &pipelineEnv{
		users:     users,
		rawPoints: rawPoints,
		visits:    visits,
		processed: processed,
		places:    places,
		trips:     trips,
		params:    params,
		previews:  previews,
		queue:     q,
		user:      user,
	}
	env.ingest = NewIngestService(users, rawPoints, q, debouncer, detection.NewAnomalyFilter(), broker, m)
	env.trigger = NewTriggerService(users, rawPoints, state, q, 100)
	env.visit = NewVisitService(users, rawPoints, visits, params, q, m)
	env.merge = NewMergeService(users, visits, processed, places, params, q, broker, m)
	env.trip = NewTripService(users, processed, places, trips, rawPoints, detection.NewSpeedThresholdClassifier(), broker, m)
	env.param = NewParameterService(users, params, rawPoints, visits, processed, trips, q)
	env.preview = NewPreviewService(users, rawPoints, visits, trips, params, processed, places, previews, state, q, 24*time.Hour)

	// Geocoding runs with no providers registered, so place creation events
	// resolve to a logged no-op.
	geocoding := NewGeocodingService(places, geocodes, q, config.GeocodingConfig{MaxErrors: 3, Timeout: time.Second}, m)

	env.drainHandlers = map[string]func(context.Context, models.PipelineEvent) error{
		models.QueueIngest: func(ctx context.Context, e models.PipelineEvent) error {
			return env.ingest.HandleLocationData(ctx, e.(models.LocationDataReceived))
		},
		models.QueueTrigger: func(ctx context.Context, e models.PipelineEvent) error {
			return env.trigger.HandleTrigger(ctx, e.(models.TriggerProcessing))
		},
		models.QueueDetectStay: func(ctx context.Context, e models.PipelineEvent) error {
			return env.visit.HandleDetectStay(ctx, e.(models.DetectStay))
		},
		models.QueueMergeVisit: func(ctx context.Context, e models.PipelineEvent) error {
			return env.merge.HandleMergeVisits(ctx, e.(models.MergeVisits))
		},
		models.QueueDetectTrip: func(ctx context.Context, e models.PipelineEvent) error {
			return env.trip.HandleDetectTrips(ctx, e.(models.DetectTrips))
		},
		models.QueueGeocode: func(ctx context.Context, e models.PipelineEvent) error {
			return geocoding.HandlePlaceCreated(ctx, e.(models.PlaceCreated))
		},
	}
	return env
}

// drain pumps every queue until the whole pipeline settles.
func (env *pipelineEnv) drain(t *testing.T) {
	t.Helper()
	order := []string{
		models.QueueIngest, models.QueueTrigger, models.QueueDetectStay,
		models.QueueMergeVisit, models.QueueDetectTrip, models.QueueGeocode,
	}
	for i := 0; i < 100; i++ {
		idle := true
		for _, name := range order {
			msg, err := env.queue.Receive(name)
			if err != nil {
				t.Fatalf("receive on %s failed: %v", name, err)
			}
			if msg == nil {
				continue
			}
			idle = false
			event, err := models.DecodeEvent(msg.Payload)
			if err != nil {
				t.Fatalf("decode on %s failed: %v", name, err)
			}
			if err := env.drainHandlers[name](context.Background(), event); err != nil {
				t.Fatalf("handler on %s failed: %v", name, err)
			}
			if err := env.queue.Ack(msg.ID); err != nil {
				t.Fatalf("ack on %s failed: %v", name, err)
			}
		}
		if idle {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

// twoStayDay builds a day with a dwell at home, a walk, and a dwell at a
// second location about 2km away.
func twoStayDay() []models.LocationPoint {
	var points []models.LocationPoint
	add := func(ts int64, lat, lng float64) {
		points = append(points, models.LocationPoint{
			Timestamp: time.Unix(base+ts, 0).UTC().Format(time.RFC3339),
			Latitude:  lat,
			Longitude: lng,
		})
	}
	for i := int64(0); i < 45; i++ {
		add(i*60, 60.1700, 24.9300)
	}
	// the walk north
	add(3000, 60.1745, 24.9300)
	add(3600, 60.1790, 24.9300)
	add(4200, 60.1835, 24.9300)
	for i := int64(0); i < 45; i++ {
		add(4500+i*60, 60.1880, 24.9300)
	}
	return points
}

func TestPipelineEndToEnd(t *testing.T) {
	env := newPipelineEnv(t)

	err := env.ingest.HandleLocationData(context.Background(), models.LocationDataReceived{
		Username: "karel",
		Points:   twoStayDay(),
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := env.queue.Enqueue(models.TriggerProcessing{Username: "karel"}); err != nil {
		t.Fatal(err)
	}
	env.drain(t)

	visits, err := env.processed.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 2 {
		t.Fatalf("expected 2 processed visits, got %d", len(visits))
	}
	if visits[0].PlaceID == visits[1].PlaceID {
		t.Error("the two dwells should anchor to different places")
	}

	trips, err := env.trips.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trips) != 1 {
		t.Fatalf("expected 1 trip, got %d", len(trips))
	}
	trip := trips[0]
	if trip.StartTime != visits[0].EndTime || trip.EndTime != visits[1].StartTime {
		t.Errorf("trip [%d, %d] should span the visit gap [%d, %d]",
			trip.StartTime, trip.EndTime, visits[0].EndTime, visits[1].StartTime)
	}
	if trip.TransportModeInferred != models.TransportModeWalking {
		t.Errorf("a 2km stroll should classify as walking, got %s", trip.TransportModeInferred)
	}
	if trip.TravelledDistanceMeters < trip.EstimatedDistanceMeters-1 {
		t.Errorf("travelled %.0fm should be at least the straight line %.0fm",
			trip.TravelledDistanceMeters, trip.EstimatedDistanceMeters)
	}
	if trip.EstimatedDistanceMeters < 1800 || trip.EstimatedDistanceMeters > 2200 {
		t.Errorf("the places are about 2km apart, estimated %.0fm", trip.EstimatedDistanceMeters)
	}

	// Raw visits are consumed during merging.
	raw, err := env.visits.FindWindow(repository.Live, env.user.ID, 0, base*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0 {
		t.Errorf("expected raw visits consumed, %d left", len(raw))
	}
}

func TestPipelineIsIdempotentUnderRedelivery(t *testing.T) {
	env := newPipelineEnv(t)

	err := env.ingest.HandleLocationData(context.Background(), models.LocationDataReceived{
		Username: "karel",
		Points:   twoStayDay(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.queue.Enqueue(models.TriggerProcessing{Username: "karel"}); err != nil {
		t.Fatal(err)
	}
	env.drain(t)

	// Simulate redelivery of the whole flow.
	if err := env.queue.Enqueue(models.TriggerProcessing{Username: "karel"}); err != nil {
		t.Fatal(err)
	}
	env.drain(t)

	visits, err := env.processed.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 2 {
		t.Errorf("redelivery must not duplicate visits: got %d", len(visits))
	}
	trips, err := env.trips.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trips) != 1 {
		t.Errorf("redelivery must not duplicate trips: got %d", len(trips))
	}
	places, err := env.places.ListByUser(repository.Live, env.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(places) != 2 {
		t.Errorf("redelivery must not duplicate places: got %d", len(places))
	}
}

func TestCentroidRefinementPullsPlaceTowardMatches(t *testing.T) {
	env := newPipelineEnv(t)

	place := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.1700, Longitude: 24.9300}
	if err := env.places.Create(repository.Live, place); err != nil {
		t.Fatal(err)
	}

	// A cluster ~110m north should pull the stored centroid halfway on the
	// first match and bump the version.
	env.merge.refineCentroid(repository.Live, place, 60.1710, 24.9300)

	stored, err := env.places.GetByID(repository.Live, place.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 2 {
		t.Errorf("refinement should bump the version, got %d", stored.Version)
	}
	if stored.Latitude < 60.17049 || stored.Latitude > 60.17051 {
		t.Errorf("expected centroid near 60.1705, got %.5f", stored.Latitude)
	}

	// A second match at the same spot weighs half as much.
	env.merge.refineCentroid(repository.Live, stored, 60.1710, 24.9300)
	if stored.Latitude < 60.17066 || stored.Latitude > 60.17068 {
		t.Errorf("expected centroid near 60.17067, got %.5f", stored.Latitude)
	}

	// Sub-meter drift is noise and must not churn the row.
	before := stored.Version
	env.merge.refineCentroid(repository.Live, stored, stored.Latitude, stored.Longitude)
	if stored.Version != before {
		t.Errorf("a sub-meter nudge should be skipped, version went %d -> %d", before, stored.Version)
	}
}

func TestReingestingSameBatchIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)

	batch := models.LocationDataReceived{Username: "karel", Points: twoStayDay()}
	if err := env.ingest.HandleLocationData(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if err := env.ingest.HandleLocationData(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	stored, err := env.rawPoints.FindUnprocessed(repository.Live, env.user.ID, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(batch.Points) {
		t.Errorf("expected %d stored points after re-ingestion, got %d", len(batch.Points), len(stored))
	}
}

func TestIngestSkipsMalformedPoints(t *testing.T) {
	env := newPipelineEnv(t)

	err := env.ingest.HandleLocationData(context.Background(), models.LocationDataReceived{
		Username: "karel",
		Points: []models.LocationPoint{
			{Timestamp: "not-a-time", Latitude: 60, Longitude: 24},
			{Timestamp: time.Unix(base, 0).UTC().Format(time.RFC3339), Latitude: 95, Longitude: 24},
			{Timestamp: time.Unix(base, 0).UTC().Format(time.RFC3339), Latitude: 60, Longitude: 24},
		},
	})
	if err != nil {
		t.Fatalf("a batch with bad entries should still be accepted: %v", err)
	}

	stored, err := env.rawPoints.FindUnprocessed(repository.Live, env.user.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("only the valid point should be stored, got %d", len(stored))
	}
}

func TestParameterCreateFlagsOnlyGovernedWindows(t *testing.T) {
	env := newPipelineEnv(t)

	// No stored history yet: configuring thresholds is not a reason to
	// demand a recompute.
	early := models.DefaultDetectionParameter(env.user.ID)
	early.VisitDetection.SearchDistanceMeters = 80
	if err := env.param.Create(env.user.ID, early); err != nil {
		t.Fatal(err)
	}
	pending, err := env.param.HasPending(env.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Error("a window over empty history should not be flagged")
	}

	if _, err := env.rawPoints.BulkInsert(repository.Live, []models.RawLocationPoint{
		{UserID: env.user.ID, Timestamp: base, Latitude: 60.17, Longitude: 24.93},
	}); err != nil {
		t.Fatal(err)
	}

	since := base - 3600
	late := models.DefaultDetectionParameter(env.user.ID)
	late.ValidSince = &since
	late.VisitDetection.SearchDistanceMeters = 60
	if err := env.param.Create(env.user.ID, late); err != nil {
		t.Fatal(err)
	}
	pending, err = env.param.HasPending(env.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Error("a window governing stored history must be flagged")
	}
}

func TestRecalculationRebuildsTimeline(t *testing.T) {
	env := newPipelineEnv(t)

	if err := env.ingest.HandleLocationData(context.Background(), models.LocationDataReceived{
		Username: "karel",
		Points:   twoStayDay(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.queue.Enqueue(models.TriggerProcessing{Username: "karel"}); err != nil {
		t.Fatal(err)
	}
	env.drain(t)

	// Nothing is flagged yet.
	if err := env.param.Recalculate(context.Background(), env.user.ID); err != ErrNoRecalculationNeeded {
		t.Fatalf("expected ErrNoRecalculationNeeded, got %v", err)
	}

	// Tighten the defaults: everything needs redetection.
	candidate := models.DefaultDetectionParameter(env.user.ID)
	candidate.VisitDetection.SearchDistanceMeters = 80
	if err := env.param.Create(env.user.ID, candidate); err != nil {
		t.Fatal(err)
	}
	if err := env.param.Recalculate(context.Background(), env.user.ID); err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	env.drain(t)

	visits, err := env.processed.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 2 {
		t.Errorf("recalculation should rebuild both visits, got %d", len(visits))
	}

	pending, err := env.param.HasPending(env.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Error("flags should be cleared after recalculation")
	}
}

func TestPreviewRunIsIsolatedAndDiscardable(t *testing.T) {
	env := newPipelineEnv(t)

	if err := env.ingest.HandleLocationData(context.Background(), models.LocationDataReceived{
		Username: "karel",
		Points:   twoStayDay(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.queue.Enqueue(models.TriggerProcessing{Username: "karel"}); err != nil {
		t.Fatal(err)
	}
	env.drain(t)

	candidate := *models.DefaultDetectionParameter(env.user.ID)
	candidate.VisitDetection.MinStayTimeSeconds = 120
	previewID, err := env.preview.Start(context.Background(), "karel", candidate, base+3600)
	if err != nil {
		t.Fatalf("preview start failed: %v", err)
	}
	env.drain(t)

	result, err := env.preview.Results("karel", previewID)
	if err != nil {
		t.Fatalf("preview results failed: %v", err)
	}
	if len(result.Visits) == 0 {
		t.Error("preview should have detected visits")
	}
	if result.Running {
		t.Error("a settled preview should not report as running")
	}

	// Live data is untouched by the sandbox run.
	liveVisits, err := env.processed.FindWindow(repository.Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(liveVisits) != 2 {
		t.Errorf("live timeline changed during preview: %d visits", len(liveVisits))
	}

	if err := env.preview.Discard(previewID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.preview.Results("karel", previewID); err == nil {
		t.Error("discarded preview should not resolve")
	}
}
