package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/models"
)

func newTestDB(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := NewUserRepository(db)
	user := &models.User{Username: "karel", DisplayName: "Karel"}
	if err := users.Create(user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	return &testEnv{
		users:           users,
		rawPoints:       NewRawPointRepository(db),
		visits:          NewVisitRepository(db),
		processedVisits: NewProcessedVisitRepository(db),
		places:          NewPlaceRepository(db),
		trips:           NewTripRepository(db),
		params:          NewDetectionParameterRepository(db),
		state:           NewProcessingStateRepository(db),
		geocodes:        NewGeocodeRepository(db),
		previews:        NewPreviewRepository(db),
		user:            user,
	}
}

type testEnv struct {
	users           *UserRepository
	rawPoints       *RawPointRepository
	visits          *VisitRepository
	processedVisits *ProcessedVisitRepository
	places          *PlaceRepository
	trips           *TripRepository
	params          *DetectionParameterRepository
	state           *ProcessingStateRepository
	geocodes        *GeocodeRepository
	previews        *PreviewRepository
	user            *models.User
}

func TestBulkInsertDeduplicates(t *testing.T) {
	env := newTestDB(t)

	points := []models.RawLocationPoint{
		{UserID: env.user.ID, Timestamp: 1000, Latitude: 60.17, Longitude: 24.93},
		{UserID: env.user.ID, Timestamp: 1060, Latitude: 60.17, Longitude: 24.93},
	}
	inserted, err := env.rawPoints.BulkInsert(Live, points)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", inserted)
	}

	// Re-ingesting the identical batch must be a no-op.
	inserted, err = env.rawPoints.BulkInsert(Live, points)
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if inserted != 0 {
		t.Errorf("expected duplicates to be ignored, got %d inserted", inserted)
	}

	unprocessed, err := env.rawPoints.FindUnprocessed(Live, env.user.ID, -1, 100)
	if err != nil {
		t.Fatalf("find unprocessed failed: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Errorf("expected 2 stored points, got %d", len(unprocessed))
	}
}

func TestFindUnprocessedPaginatesByTimestamp(t *testing.T) {
	env := newTestDB(t)

	var points []models.RawLocationPoint
	for i := int64(0); i < 5; i++ {
		points = append(points, models.RawLocationPoint{
			UserID: env.user.ID, Timestamp: 100 + i*100, Latitude: 60.17, Longitude: 24.93,
		})
	}
	if _, err := env.rawPoints.BulkInsert(Live, points); err != nil {
		t.Fatal(err)
	}

	first, err := env.rawPoints.FindUnprocessed(Live, env.user.ID, -1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Timestamp != 100 || first[1].Timestamp != 200 {
		t.Fatalf("expected the two oldest points, got %+v", first)
	}

	// Marking the batch processed must not shift the next page: advancing
	// by the last timestamp picks up exactly where the walk left off.
	if err := env.rawPoints.MarkProcessed(Live, []int64{first[0].ID, first[1].ID}); err != nil {
		t.Fatal(err)
	}
	second, err := env.rawPoints.FindUnprocessed(Live, env.user.ID, first[1].Timestamp, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0].Timestamp != 300 || second[1].Timestamp != 400 {
		t.Fatalf("expected the walk to continue at 300, got %+v", second)
	}
}

func TestVisitOptimisticLocking(t *testing.T) {
	env := newTestDB(t)

	v := &models.Visit{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	if err := env.visits.Create(Live, v); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale := *v
	v.EndTime = 2500
	v.DurationSeconds = 1500
	if err := env.visits.Update(Live, v); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if v.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", v.Version)
	}

	stale.EndTime = 3000
	if err := env.visits.Update(Live, &stale); err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict on stale update, got %v", err)
	}
}

func TestProcessedVisitDuplicateIsNoOp(t *testing.T) {
	env := newTestDB(t)

	place := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93}
	if err := env.places.Create(Live, place); err != nil {
		t.Fatalf("create place failed: %v", err)
	}

	pv := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	inserted, err := env.processedVisits.Create(Live, pv)
	if err != nil || !inserted {
		t.Fatalf("first create failed: inserted=%v err=%v", inserted, err)
	}

	dup := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	inserted, err = env.processedVisits.Create(Live, dup)
	if err != nil {
		t.Fatalf("duplicate create errored: %v", err)
	}
	if inserted {
		t.Error("duplicate (user, start, end) should not insert")
	}
}

func TestReplaceWindowSwapsWindow(t *testing.T) {
	env := newTestDB(t)

	place := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93}
	if err := env.places.Create(Live, place); err != nil {
		t.Fatal(err)
	}
	old1 := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	old2 := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 3000, EndTime: 4000, DurationSeconds: 1000}
	for _, pv := range []*models.ProcessedVisit{old1, old2} {
		if _, err := env.processedVisits.Create(Live, pv); err != nil {
			t.Fatal(err)
		}
	}
	raw := &models.Visit{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93, StartTime: 2000, EndTime: 3000}
	if err := env.visits.Create(Live, raw); err != nil {
		t.Fatal(err)
	}

	merged := []*models.ProcessedVisit{
		{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 4000, DurationSeconds: 3000},
	}
	priorIDs := []int64{old1.ID, old2.ID}
	consumed := []int64{raw.ID}
	if err := env.processedVisits.ReplaceWindow(Live, priorIDs, merged, consumed); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	visits, err := env.processedVisits.FindWindow(Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 1 || visits[0].StartTime != 1000 || visits[0].EndTime != 4000 {
		t.Fatalf("expected the single merged visit, got %+v", visits)
	}
	rawLeft, err := env.visits.FindWindow(Live, env.user.ID, 0, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(rawLeft) != 0 {
		t.Errorf("consumed raw visits should be gone, %d left", len(rawLeft))
	}

	// A redelivered swap with the now-stale inputs must converge on the
	// same window instead of duplicating or losing rows.
	if err := env.processedVisits.ReplaceWindow(Live, priorIDs, merged, consumed); err != nil {
		t.Fatalf("redelivered replace failed: %v", err)
	}
	visits, err = env.processedVisits.FindWindow(Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 1 {
		t.Errorf("redelivery changed the window: got %d visits", len(visits))
	}
}

func TestReplaceWindowRollsBackOnFailure(t *testing.T) {
	env := newTestDB(t)

	place := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93}
	if err := env.places.Create(Live, place); err != nil {
		t.Fatal(err)
	}
	old1 := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	old2 := &models.ProcessedVisit{UserID: env.user.ID, PlaceID: place.ID, StartTime: 3000, EndTime: 4000, DurationSeconds: 1000}
	for _, pv := range []*models.ProcessedVisit{old1, old2} {
		if _, err := env.processedVisits.Create(Live, pv); err != nil {
			t.Fatal(err)
		}
	}

	// The second replacement row points at a place that does not exist, so
	// the insert fails after the priors were already deleted.
	merged := []*models.ProcessedVisit{
		{UserID: env.user.ID, PlaceID: place.ID, StartTime: 1000, EndTime: 4000, DurationSeconds: 3000},
		{UserID: env.user.ID, PlaceID: 424242, StartTime: 5000, EndTime: 6000, DurationSeconds: 1000},
	}
	err := env.processedVisits.ReplaceWindow(Live, []int64{old1.ID, old2.ID}, merged, nil)
	if err == nil {
		t.Fatal("expected the swap to fail on the broken row")
	}

	visits, err := env.processedVisits.FindWindow(Live, env.user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 2 {
		t.Fatalf("a failed swap must keep the prior window, got %d visits", len(visits))
	}
	if visits[0].ID != old1.ID || visits[1].ID != old2.ID {
		t.Error("a failed swap must keep the original rows")
	}
}

func TestFindNearestPlace(t *testing.T) {
	env := newTestDB(t)

	near := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.1700, Longitude: 24.9300}
	far := &models.SignificantPlace{UserID: env.user.ID, Latitude: 60.2000, Longitude: 24.9300}
	if err := env.places.Create(Live, near); err != nil {
		t.Fatal(err)
	}
	if err := env.places.Create(Live, far); err != nil {
		t.Fatal(err)
	}

	found, err := env.places.FindNearest(Live, env.user.ID, 60.1703, 24.9301, 100)
	if err != nil {
		t.Fatalf("find nearest failed: %v", err)
	}
	if found.ID != near.ID {
		t.Errorf("expected place %d, got %d", near.ID, found.ID)
	}

	if _, err := env.places.FindNearest(Live, env.user.ID, 61.0, 25.0, 100); err != ErrNotFound {
		t.Errorf("expected ErrNotFound far from all places, got %v", err)
	}
}

func TestDetectionParameterWindowing(t *testing.T) {
	env := newTestDB(t)

	def := models.DefaultDetectionParameter(env.user.ID)
	if err := env.params.Create(Live, def); err != nil {
		t.Fatalf("create default failed: %v", err)
	}

	since := int64(5000)
	newer := models.DefaultDetectionParameter(env.user.ID)
	newer.ValidSince = &since
	newer.VisitDetection.SearchDistanceMeters = 75
	if err := env.params.Create(Live, newer); err != nil {
		t.Fatalf("create window failed: %v", err)
	}

	// Before the explicit window the default governs.
	got, err := env.params.FindCurrentAt(Live, env.user.ID, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidSince != nil {
		t.Errorf("expected default window at t=4000, got valid_since=%v", got.ValidSince)
	}

	// At and after its start the explicit window takes over.
	got, err = env.params.FindCurrentAt(Live, env.user.ID, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if got.VisitDetection.SearchDistanceMeters != 75 {
		t.Errorf("expected the 75m window at t=5000, got %.0f", got.VisitDetection.SearchDistanceMeters)
	}

	// A user without any rows falls back to the built-in defaults.
	other := &models.User{Username: "maija"}
	if err := env.users.Create(other); err != nil {
		t.Fatal(err)
	}
	got, err = env.params.FindCurrentAt(Live, other.ID, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if got.VisitDetection.SearchDistanceMeters != 50 {
		t.Errorf("expected built-in defaults, got %.0f", got.VisitDetection.SearchDistanceMeters)
	}
}

func TestPreviewScopeIsolation(t *testing.T) {
	env := newTestDB(t)

	live := []models.RawLocationPoint{
		{UserID: env.user.ID, Timestamp: 1000, Latitude: 60.17, Longitude: 24.93},
		{UserID: env.user.ID, Timestamp: 2000, Latitude: 60.17, Longitude: 24.93},
	}
	if _, err := env.rawPoints.BulkInsert(Live, live); err != nil {
		t.Fatal(err)
	}

	scope := Preview("p-1", time.Now().Unix())
	copied, err := env.rawPoints.CopyRangeToPreview(scope, env.user.ID, 0, 3000)
	if err != nil {
		t.Fatalf("copy to preview failed: %v", err)
	}
	if copied != 2 {
		t.Errorf("expected 2 copied points, got %d", copied)
	}

	// A visit created in the preview must not leak into the live scope.
	v := &models.Visit{UserID: env.user.ID, Latitude: 60.17, Longitude: 24.93, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000}
	if err := env.visits.Create(scope, v); err != nil {
		t.Fatal(err)
	}
	liveVisits, err := env.visits.FindWindow(Live, env.user.ID, 0, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(liveVisits) != 0 {
		t.Errorf("preview visit leaked into live scope: %d", len(liveVisits))
	}
	previewVisits, err := env.visits.FindWindow(scope, env.user.ID, 0, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(previewVisits) != 1 {
		t.Errorf("expected 1 preview visit, got %d", len(previewVisits))
	}
}

func TestPreviewExpiry(t *testing.T) {
	env := newTestDB(t)

	if _, err := env.rawPoints.BulkInsert(Live, []models.RawLocationPoint{
		{UserID: env.user.ID, Timestamp: 1000, Latitude: 60.17, Longitude: 24.93},
	}); err != nil {
		t.Fatal(err)
	}

	old := Preview("old", time.Now().Add(-48*time.Hour).Unix())
	fresh := Preview("fresh", time.Now().Unix())
	if _, err := env.rawPoints.CopyRangeToPreview(old, env.user.ID, 0, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := env.rawPoints.CopyRangeToPreview(fresh, env.user.ID, 0, 2000); err != nil {
		t.Fatal(err)
	}

	removed, err := env.previews.DeleteOlderThan(time.Now().Add(-24 * time.Hour).Unix())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 expired row, got %d", removed)
	}

	exists, err := env.previews.Exists("fresh")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("fresh preview should survive the sweep")
	}
	exists, err = env.previews.Exists("old")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("old preview should be gone")
	}
}

func TestProcessingStateClaim(t *testing.T) {
	env := newTestDB(t)

	claimed, err := env.state.TryClaim(env.user.ID, "", 10*time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim should succeed: claimed=%v err=%v", claimed, err)
	}

	claimed, err = env.state.TryClaim(env.user.ID, "", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("second claim should fail while the first is held")
	}

	// A preview run claims independently of the live run.
	claimed, err = env.state.TryClaim(env.user.ID, "p-1", 10*time.Minute)
	if err != nil || !claimed {
		t.Errorf("preview claim should succeed: claimed=%v err=%v", claimed, err)
	}

	if err := env.state.Release(env.user.ID, ""); err != nil {
		t.Fatal(err)
	}
	claimed, err = env.state.TryClaim(env.user.ID, "", 10*time.Minute)
	if err != nil || !claimed {
		t.Errorf("claim after release should succeed: claimed=%v err=%v", claimed, err)
	}
}

func TestGeocodeProviderLifecycle(t *testing.T) {
	env := newTestDB(t)

	p := &models.GeocodeProvider{Name: "nominatim", URLTemplate: "https://geo.test/reverse?lat={lat}&lon={lng}"}
	if err := env.geocodes.CreateProvider(p); err != nil {
		t.Fatalf("create provider failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := env.geocodes.RecordError(p.ID, 3); err != nil {
			t.Fatal(err)
		}
	}

	enabled, err := env.geocodes.FindEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Errorf("provider should be disabled after 3 errors, still enabled: %d", len(enabled))
	}

	if err := env.geocodes.ResetProvider(p.ID); err != nil {
		t.Fatal(err)
	}
	enabled, err = env.geocodes.FindEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ErrorCount != 0 {
		t.Errorf("reset should re-enable with a clean slate: %+v", enabled)
	}
}

func TestTripDuplicateIsNoOp(t *testing.T) {
	env := newTestDB(t)

	trip := &models.Trip{UserID: env.user.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000, TransportModeInferred: models.TransportModeWalking}
	inserted, err := env.trips.Create(Live, trip)
	if err != nil || !inserted {
		t.Fatalf("first create failed: inserted=%v err=%v", inserted, err)
	}

	dup := &models.Trip{UserID: env.user.ID, StartTime: 1000, EndTime: 2000, DurationSeconds: 1000, TransportModeInferred: models.TransportModeCycling}
	inserted, err = env.trips.Create(Live, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate (user, start, end) trip should not insert")
	}
}

func TestMarkUnprocessedRange(t *testing.T) {
	env := newTestDB(t)

	points := []models.RawLocationPoint{
		{UserID: env.user.ID, Timestamp: 1000, Latitude: 60.17, Longitude: 24.93},
		{UserID: env.user.ID, Timestamp: 5000, Latitude: 60.17, Longitude: 24.93},
	}
	if _, err := env.rawPoints.BulkInsert(Live, points); err != nil {
		t.Fatal(err)
	}
	stored, err := env.rawPoints.FindUnprocessed(Live, env.user.ID, -1, 10)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int64{stored[0].ID, stored[1].ID}
	if err := env.rawPoints.MarkProcessed(Live, ids); err != nil {
		t.Fatal(err)
	}

	// Releasing only the early range re-exposes one point.
	if err := env.rawPoints.MarkUnprocessedRange(Live, env.user.ID, 0, 2000); err != nil {
		t.Fatal(err)
	}
	unprocessed, err := env.rawPoints.FindUnprocessed(Live, env.user.ID, -1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unprocessed) != 1 || unprocessed[0].Timestamp != 1000 {
		t.Errorf("expected only the early point released, got %+v", unprocessed)
	}
}
