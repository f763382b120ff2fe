package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/config"
	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

type geocodeEnv struct {
	service   *GeocodingService
	places    *repository.PlaceRepository
	providers *repository.GeocodeRepository
	queue     *queue.Queue
	user      *models.User
}

func newGeocodeEnv(t *testing.T, maxErrors int) *geocodeEnv {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "geocode.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := repository.NewUserRepository(db)
	user := &models.User{Username: "karel"}
	if err := users.Create(user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	places := repository.NewPlaceRepository(db)
	providers := repository.NewGeocodeRepository(db)
	q := queue.New(db, 3)
	service := NewGeocodingService(places, providers, q, config.GeocodingConfig{
		MaxErrors: maxErrors,
		Timeout:   2 * time.Second,
	}, metrics.New())
	return &geocodeEnv{service: service, places: places, providers: providers, queue: q, user: user}
}

func (env *geocodeEnv) createPlace(t *testing.T) *models.SignificantPlace {
	t.Helper()
	place := &models.SignificantPlace{
		UserID:    env.user.ID,
		Latitude:  60.1699,
		Longitude: 24.9384,
	}
	if err := env.places.Create(repository.Live, place); err != nil {
		t.Fatalf("failed to create place: %v", err)
	}
	return place
}

func (env *geocodeEnv) addProvider(t *testing.T, name, urlTemplate string) *models.GeocodeProvider {
	t.Helper()
	provider := &models.GeocodeProvider{Name: name, URLTemplate: urlTemplate, Enabled: true}
	if err := env.providers.CreateProvider(provider); err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return provider
}

func TestGeocodingResolvesPlace(t *testing.T) {
	env := newGeocodeEnv(t, 3)
	place := env.createPlace(t)

	var gotPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.String())
		w.Write([]byte(`{
			"display_name": "Senaatintori, Helsinki, Finland",
			"address": {"road": "Senaatintori", "city": "Helsinki", "country_code": "fi"}
		}`))
	}))
	defer server.Close()
	env.addProvider(t, "nominatim", server.URL+"/reverse?lat={lat}&lon={lng}")

	err := env.service.HandlePlaceCreated(context.Background(), models.PlaceCreated{
		PlaceID:   place.ID,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
	})
	if err != nil {
		t.Fatalf("geocoding failed: %v", err)
	}

	if path, _ := gotPath.Load().(string); path != "/reverse?lat=60.1699&lon=24.9384" {
		t.Errorf("coordinates not substituted into template, got %q", path)
	}

	updated, err := env.places.GetByID(repository.Live, place.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Geocoded {
		t.Error("place should be marked geocoded")
	}
	if updated.Name != "Senaatintori" || updated.CountryCode != "FI" {
		t.Errorf("name = %q, country = %q", updated.Name, updated.CountryCode)
	}
	if updated.Address != "Senaatintori, Helsinki, Finland" {
		t.Errorf("address = %q", updated.Address)
	}
}

func TestGeocodingFailsOverToNextProvider(t *testing.T) {
	env := newGeocodeEnv(t, 3)
	place := env.createPlace(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	defer broken.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"display_name": "Kamppi, Helsinki", "address": {"city": "Helsinki"}}`))
	}))
	defer working.Close()

	first := env.addProvider(t, "broken", broken.URL+"?lat={lat}&lon={lng}")
	second := env.addProvider(t, "working", working.URL+"?lat={lat}&lon={lng}")
	// Recently used providers rotate to the back, so the broken one goes first.
	if err := env.providers.MarkUsed(second.ID); err != nil {
		t.Fatal(err)
	}

	err := env.service.HandlePlaceCreated(context.Background(), models.PlaceCreated{
		PlaceID:   place.ID,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
	})
	if err != nil {
		t.Fatalf("failover should succeed: %v", err)
	}

	updated, err := env.places.GetByID(repository.Live, place.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Geocoded {
		t.Error("place should be geocoded through the second provider")
	}

	all, err := env.providers.ListProviders()
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range all {
		if p.ID == first.ID {
			if p.ErrorCount != 1 {
				t.Errorf("failing provider should carry error count 1, got %d", p.ErrorCount)
			}
			if p.LastUsed != 0 {
				t.Error("a failed attempt must not count as provider use")
			}
		}
	}
}

func TestGeocodingRetriesUnresolvedPlaces(t *testing.T) {
	env := newGeocodeEnv(t, 3)
	place := env.createPlace(t)

	if err := env.service.RetryUnresolved(); err != nil {
		t.Fatalf("retry sweep failed: %v", err)
	}

	msg, err := env.queue.Receive(models.QueueGeocode)
	if err != nil || msg == nil {
		t.Fatalf("expected a re-enqueued lookup: msg=%v err=%v", msg, err)
	}
	event, err := models.DecodeEvent(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	created, ok := event.(models.PlaceCreated)
	if !ok || created.PlaceID != place.ID {
		t.Errorf("unexpected event: %#v", event)
	}

	// A geocoded place stays out of the sweep.
	if err := env.queue.Ack(msg.ID); err != nil {
		t.Fatal(err)
	}
	place.Geocoded = true
	place.Name = "Kamppi"
	if err := env.places.Update(repository.Live, place); err != nil {
		t.Fatal(err)
	}
	if err := env.service.RetryUnresolved(); err != nil {
		t.Fatal(err)
	}
	if msg, _ := env.queue.Receive(models.QueueGeocode); msg != nil {
		t.Error("resolved places must not be re-enqueued")
	}
}

func TestGeocodingAllProvidersFailing(t *testing.T) {
	env := newGeocodeEnv(t, 2)
	place := env.createPlace(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer broken.Close()
	provider := env.addProvider(t, "broken", broken.URL+"?lat={lat}&lon={lng}")

	event := models.PlaceCreated{PlaceID: place.ID, Latitude: place.Latitude, Longitude: place.Longitude}
	if err := env.service.HandlePlaceCreated(context.Background(), event); err == nil {
		t.Fatal("expected an error when every provider fails")
	}
	if err := env.service.HandlePlaceCreated(context.Background(), event); err == nil {
		t.Fatal("expected an error on the second attempt too")
	}

	// Two consecutive failures hit maxErrors, disabling the provider; the
	// next event finds nothing enabled and leaves the place unresolved.
	enabled, err := env.providers.FindEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Fatalf("provider should be disabled after %d errors", 2)
	}
	if err := env.service.HandlePlaceCreated(context.Background(), event); err != nil {
		t.Fatalf("no enabled providers should be a no-op, got %v", err)
	}

	updated, err := env.places.GetByID(repository.Live, place.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Geocoded {
		t.Error("place must stay unresolved")
	}

	if err := env.service.ResetProvider(provider.ID); err != nil {
		t.Fatal(err)
	}
	enabled, err = env.providers.FindEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 {
		t.Error("reset should re-enable the provider")
	}
}

func TestGeocodingRejectsUnparseableResponse(t *testing.T) {
	env := newGeocodeEnv(t, 5)
	place := env.createPlace(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer server.Close()
	env.addProvider(t, "html", server.URL+"?lat={lat}&lon={lng}")

	err := env.service.HandlePlaceCreated(context.Background(), models.PlaceCreated{
		PlaceID:   place.ID,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
	})
	if err == nil {
		t.Fatal("an unparseable response should count as a provider failure")
	}
}
