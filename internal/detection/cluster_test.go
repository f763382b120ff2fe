package detection

import (
	"testing"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

func defaultDetection() models.VisitDetection {
	return models.VisitDetection{
		SearchDistanceMeters: 50,
		MinAdjacentPoints:    5,
		MinStayTimeSeconds:   300,
		MaxMergeGapSeconds:   300,
	}
}

// dwell produces n points at the location, spaced interval seconds apart
// starting at start.
func dwell(start int64, n int, interval int64, lat, lng float64) []models.RawLocationPoint {
	points := make([]models.RawLocationPoint, n)
	for i := range points {
		points[i] = models.RawLocationPoint{
			Timestamp: start + int64(i)*interval,
			Latitude:  lat,
			Longitude: lng,
		}
	}
	return points
}

func TestDetectStaysFindsSingleDwell(t *testing.T) {
	// 45 minutes at one spot, one fix a minute.
	points := dwell(1000, 45, 60, 60.1699, 24.9384)

	stays := DetectStays(points, defaultDetection())
	if len(stays) != 1 {
		t.Fatalf("expected 1 stay, got %d", len(stays))
	}
	s := stays[0]
	if s.StartTime != 1000 || s.EndTime != 1000+44*60 {
		t.Errorf("unexpected stay bounds [%d, %d]", s.StartTime, s.EndTime)
	}
	if len(s.Points) != 45 {
		t.Errorf("expected all 45 points in the stay, got %d", len(s.Points))
	}
}

func TestDetectStaysIgnoresTransit(t *testing.T) {
	// Points about 900m apart each minute never dwell anywhere.
	points := make([]models.RawLocationPoint, 20)
	for i := range points {
		points[i] = models.RawLocationPoint{
			Timestamp: int64(i) * 60,
			Latitude:  60.0 + float64(i)*0.008,
			Longitude: 24.0,
		}
	}

	if stays := DetectStays(points, defaultDetection()); len(stays) != 0 {
		t.Errorf("moving stream should yield no stays, got %d", len(stays))
	}
}

func TestDetectStaysSplitsOnTimeGap(t *testing.T) {
	// Same spot, but a two-hour data gap in the middle: two distinct stays.
	points := append(
		dwell(0, 10, 60, 60.17, 24.93),
		dwell(2*3600+10*60, 10, 60, 60.17, 24.93)...,
	)

	stays := DetectStays(points, defaultDetection())
	if len(stays) != 2 {
		t.Fatalf("expected 2 stays around the gap, got %d", len(stays))
	}
}

func TestDetectStaysCoalescesAdjacentClusters(t *testing.T) {
	// Two dwells at the same spot separated by a 2-minute gap merge into
	// one stay since the gap stays under the merge threshold.
	points := append(
		dwell(0, 10, 60, 60.17, 24.93),
		dwell(9*60+120, 10, 60, 60.17, 24.93)...,
	)

	stays := DetectStays(points, defaultDetection())
	if len(stays) != 1 {
		t.Fatalf("expected coalesced stay, got %d", len(stays))
	}
	if stays[0].Duration() < 18*60 {
		t.Errorf("coalesced stay should span both dwells, got %ds", stays[0].Duration())
	}
}

func TestDetectStaysRespectsMinimums(t *testing.T) {
	cfg := defaultDetection()

	// Too few points.
	if stays := DetectStays(dwell(0, 4, 120, 60.17, 24.93), cfg); len(stays) != 0 {
		t.Errorf("4 points should not qualify, got %d stays", len(stays))
	}

	// Enough points but too short a span.
	if stays := DetectStays(dwell(0, 6, 30, 60.17, 24.93), cfg); len(stays) != 0 {
		t.Errorf("150s dwell should not qualify, got %d stays", len(stays))
	}
}

func TestDetectStaysSeparatesDistinctPlaces(t *testing.T) {
	// Home, then work 5km away. Walkover points in between are sparse.
	home := dwell(0, 10, 60, 60.17, 24.93)
	work := dwell(3600, 10, 60, 60.215, 24.93)

	stays := DetectStays(append(home, work...), defaultDetection())
	if len(stays) != 2 {
		t.Fatalf("expected separate home and work stays, got %d", len(stays))
	}
	if stays[0].Latitude > 60.19 || stays[1].Latitude < 60.19 {
		t.Errorf("stay centroids out of place: %.4f, %.4f", stays[0].Latitude, stays[1].Latitude)
	}
}

func TestDetectStaysEmptyInput(t *testing.T) {
	if stays := DetectStays(nil, defaultDetection()); stays != nil {
		t.Errorf("expected nil for empty input, got %v", stays)
	}
}
