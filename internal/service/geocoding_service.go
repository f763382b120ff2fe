package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/config"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
)

// maxResponseBytes caps how much of a provider response is read and audited.
const maxResponseBytes = 64 * 1024

// GeocodingService resolves place coordinates to addresses through external
// providers, rotating least-recently-used first and disabling providers that
// keep failing.
type GeocodingService struct {
	places    *repository.PlaceRepository
	providers *repository.GeocodeRepository
	queue     *queue.Queue
	client    *http.Client
	maxErrors int
	metrics   *metrics.Metrics
}

// NewGeocodingService creates a new geocoding service
func NewGeocodingService(
	places *repository.PlaceRepository,
	providers *repository.GeocodeRepository,
	q *queue.Queue,
	cfg config.GeocodingConfig,
	m *metrics.Metrics,
) *GeocodingService {
	return &GeocodingService{
		places:    places,
		providers: providers,
		queue:     q,
		client:    &http.Client{Timeout: cfg.Timeout},
		maxErrors: cfg.MaxErrors,
		metrics:   m,
	}
}

// HandlePlaceCreated is the geocode queue handler. Providers are tried in
// least-recently-used order; the first parseable response wins. Every
// attempt lands in the audit trail.
func (s *GeocodingService) HandlePlaceCreated(ctx context.Context, event models.PlaceCreated) error {
	providers, err := s.providers.FindEnabled()
	if err != nil {
		return fmt.Errorf("failed to load geocode providers: %w", err)
	}
	if len(providers) == 0 {
		log.Printf("[Geocoding] no enabled providers, leaving place %d unresolved", event.PlaceID)
		return nil
	}

	for _, provider := range providers {
		result, raw, err := s.lookup(ctx, provider, event.Latitude, event.Longitude)
		if err != nil {
			s.metrics.GeocodeCalls.WithLabelValues(provider.Name, "error").Inc()
			if auditErr := s.providers.Audit(provider.ID, event.Latitude, event.Longitude, "error", err.Error()); auditErr != nil {
				log.Printf("[Geocoding] audit failed: %v", auditErr)
			}
			if recErr := s.providers.RecordError(provider.ID, s.maxErrors); recErr != nil {
				log.Printf("[Geocoding] failed to record error for %s: %v", provider.Name, recErr)
			}
			log.Printf("[Geocoding] provider %s failed for place %d: %v", provider.Name, event.PlaceID, err)
			continue
		}

		s.metrics.GeocodeCalls.WithLabelValues(provider.Name, "success").Inc()
		if auditErr := s.providers.Audit(provider.ID, event.Latitude, event.Longitude, "success", raw); auditErr != nil {
			log.Printf("[Geocoding] audit failed: %v", auditErr)
		}
		if recErr := s.providers.RecordSuccess(provider.ID); recErr != nil {
			log.Printf("[Geocoding] failed to record success for %s: %v", provider.Name, recErr)
		}
		// Rotation only counts answered calls, so a failing provider does
		// not climb the least-recently-used order.
		if err := s.providers.MarkUsed(provider.ID); err != nil {
			log.Printf("[Geocoding] failed to rotate provider %s: %v", provider.Name, err)
		}
		return s.applyResult(event.PlaceID, result)
	}

	return fmt.Errorf("all geocode providers failed for place %d", event.PlaceID)
}

// lookup calls one provider and parses its response.
func (s *GeocodingService) lookup(ctx context.Context, provider models.GeocodeProvider, lat, lng float64) (*models.GeocodeResult, string, error) {
	url := strings.NewReplacer(
		"{lat}", strconv.FormatFloat(lat, 'f', -1, 64),
		"{lng}", strconv.FormatFloat(lng, 'f', -1, 64),
	).Replace(provider.URLTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "timeline-backend/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, string(body), fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	result, err := parseGeocodeResponse(body)
	if err != nil {
		return nil, string(body), err
	}
	return result, string(body), nil
}

// nominatimResponse covers the response shape of Nominatim-compatible
// reverse geocoders.
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road        string `json:"road"`
		HouseNumber string `json:"house_number"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

func parseGeocodeResponse(body []byte) (*models.GeocodeResult, error) {
	var parsed nominatimResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.DisplayName == "" {
		return nil, fmt.Errorf("response carries no display name")
	}

	city := parsed.Address.City
	if city == "" {
		city = parsed.Address.Town
	}
	if city == "" {
		city = parsed.Address.Village
	}
	street := parsed.Address.Road
	if street != "" && parsed.Address.HouseNumber != "" {
		street += " " + parsed.Address.HouseNumber
	}
	return &models.GeocodeResult{
		Label:       parsed.DisplayName,
		Street:      street,
		City:        city,
		CountryCode: strings.ToUpper(parsed.Address.CountryCode),
	}, nil
}

// applyResult writes the resolved address onto the place. A version conflict
// from a concurrent edit is retried once with fresh state.
func (s *GeocodingService) applyResult(placeID int64, result *models.GeocodeResult) error {
	for attempt := 0; attempt < 2; attempt++ {
		place, err := s.places.GetByID(repository.Live, placeID)
		if err != nil {
			return fmt.Errorf("failed to load place %d: %w", placeID, err)
		}
		if place.Name == "" {
			place.Name = deriveName(result)
		}
		place.Address = result.Label
		place.CountryCode = result.CountryCode
		place.Geocoded = true

		err = s.places.Update(repository.Live, place)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("failed to update place %d: %w", placeID, err)
		}
	}
	return fmt.Errorf("place %d kept changing during geocoding", placeID)
}

// deriveName picks a short display name from the result.
func deriveName(result *models.GeocodeResult) string {
	if result.Street != "" {
		return result.Street
	}
	if result.City != "" {
		return result.City
	}
	if i := strings.Index(result.Label, ","); i > 0 {
		return result.Label[:i]
	}
	return result.Label
}

// retryBatchSize bounds how many unresolved places one sweep re-enqueues.
const retryBatchSize = 50

// RunRetry starts the periodic sweep that re-enqueues places whose lookup
// never succeeded, picking them up once a provider recovers. Blocks until
// ctx is cancelled.
func (s *GeocodingService) RunRetry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RetryUnresolved(); err != nil {
				log.Printf("[Geocoding] retry sweep failed: %v", err)
			}
		}
	}
}

// RetryUnresolved re-enqueues every live place still missing an address,
// up to the sweep batch size.
func (s *GeocodingService) RetryUnresolved() error {
	places, err := s.places.FindUngeocoded(repository.Live, retryBatchSize)
	if err != nil {
		return err
	}
	for _, place := range places {
		if err := s.queue.Enqueue(models.PlaceCreated{
			PlaceID:   place.ID,
			Latitude:  place.Latitude,
			Longitude: place.Longitude,
		}); err != nil {
			return fmt.Errorf("failed to re-enqueue place %d: %w", place.ID, err)
		}
	}
	if len(places) > 0 {
		log.Printf("[Geocoding] re-enqueued %d unresolved place(s)", len(places))
	}
	return nil
}

// ResetProvider re-enables a provider after manual intervention.
func (s *GeocodingService) ResetProvider(providerID int64) error {
	return s.providers.ResetProvider(providerID)
}

// ListProviders returns every registered provider with its health state.
func (s *GeocodingService) ListProviders() ([]models.GeocodeProvider, error) {
	return s.providers.ListProviders()
}

// AddProvider registers a new provider. The URL template must contain the
// {lat} and {lng} placeholders.
func (s *GeocodingService) AddProvider(name, urlTemplate string) (*models.GeocodeProvider, error) {
	if !strings.Contains(urlTemplate, "{lat}") || !strings.Contains(urlTemplate, "{lng}") {
		return nil, fmt.Errorf("url template must contain {lat} and {lng}")
	}
	provider := &models.GeocodeProvider{Name: name, URLTemplate: urlTemplate}
	if err := s.providers.CreateProvider(provider); err != nil {
		return nil, err
	}
	return provider, nil
}
