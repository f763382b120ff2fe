package detection

import (
	"testing"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// track builds a slow, clean walk: one fix a minute, each about 65m north
// of the previous one.
func track(n int) []models.RawLocationPoint {
	points := make([]models.RawLocationPoint, n)
	for i := range points {
		points[i] = models.RawLocationPoint{
			Timestamp:      1000 + int64(i)*60,
			Latitude:       60.1700 + float64(i)*0.0006,
			Longitude:      24.9300,
			AccuracyMeters: 10,
		}
	}
	return points
}

func TestAnomalyFilterKeepsCleanTrack(t *testing.T) {
	points := track(10)
	kept := NewAnomalyFilter().Filter(points)
	if len(kept) != len(points) {
		t.Fatalf("a clean track should pass untouched, kept %d of %d", len(kept), len(points))
	}
}

func TestAnomalyFilterDropsPoorAccuracy(t *testing.T) {
	points := track(10)
	points[4].AccuracyMeters = 250

	kept := NewAnomalyFilter().Filter(points)
	if len(kept) != 9 {
		t.Fatalf("expected the inaccurate fix dropped, kept %d of 10", len(kept))
	}
	for _, p := range kept {
		if p.AccuracyMeters > 100 {
			t.Errorf("fix with accuracy %v survived", p.AccuracyMeters)
		}
	}
}

func TestAnomalyFilterDropsImpossibleSpeed(t *testing.T) {
	points := track(10)
	// A 2-degree jump in one minute is roughly 220km in 60s.
	points[5].Latitude += 2
	points[5].AccuracyMeters = 40

	kept := NewAnomalyFilter().Filter(points)
	for _, p := range kept {
		if p.Timestamp == points[5].Timestamp {
			t.Fatal("the teleporting fix should be dropped")
		}
	}
	if len(kept) != 9 {
		t.Errorf("only the bad fix should go, kept %d of 10", len(kept))
	}
}

func TestAnomalyFilterSpeedDropsWorseAccuracyPoint(t *testing.T) {
	points := track(10)
	points[5].Latitude += 2
	// The displaced fix reports better accuracy than its predecessor, so
	// the predecessor is the one discarded for that pair.
	points[5].AccuracyMeters = 5
	points[4].AccuracyMeters = 50

	kept := NewAnomalyFilter().Filter(points)
	for _, p := range kept {
		if p.Timestamp == points[4].Timestamp {
			t.Error("the worse-accuracy side of the violation should be dropped")
		}
	}
}

func TestAnomalyFilterDropsDistanceJump(t *testing.T) {
	// Long gaps keep the implied speed low, so only the jump detector
	// catches a 11km hop over four hours.
	points := make([]models.RawLocationPoint, 5)
	for i := range points {
		points[i] = models.RawLocationPoint{
			Timestamp:      1000 + int64(i)*14400,
			Latitude:       60.17,
			Longitude:      24.93,
			AccuracyMeters: 10,
		}
	}
	points[2].Latitude += 0.1
	points[2].AccuracyMeters = 30

	kept := NewAnomalyFilter().Filter(points)
	for _, p := range kept {
		if p.Latitude > 60.2 {
			t.Fatal("the displaced fix should be dropped")
		}
	}
}

func TestAnomalyFilterDropsSharpReversal(t *testing.T) {
	points := []models.RawLocationPoint{
		{Timestamp: 1000, Latitude: 60.1700, Longitude: 24.93, AccuracyMeters: 10},
		{Timestamp: 1060, Latitude: 60.1720, Longitude: 24.93, AccuracyMeters: 80},
		{Timestamp: 1120, Latitude: 60.1701, Longitude: 24.93, AccuracyMeters: 10},
	}

	kept := NewAnomalyFilter().Filter(points)
	if len(kept) != 2 {
		t.Fatalf("the doubled-back middle fix should be dropped, kept %d", len(kept))
	}
	for _, p := range kept {
		if p.Timestamp == 1060 {
			t.Error("middle fix survived the reversal check")
		}
	}
}

func TestAnomalyFilterKeepsReversalWithGoodAccuracy(t *testing.T) {
	// A genuine turn-around with solid fixes on all three points stays.
	points := []models.RawLocationPoint{
		{Timestamp: 1000, Latitude: 60.1700, Longitude: 24.93, AccuracyMeters: 10},
		{Timestamp: 1060, Latitude: 60.1720, Longitude: 24.93, AccuracyMeters: 10},
		{Timestamp: 1120, Latitude: 60.1701, Longitude: 24.93, AccuracyMeters: 10},
	}

	kept := NewAnomalyFilter().Filter(points)
	if len(kept) != 3 {
		t.Fatalf("a corroborated reversal should pass, kept %d", len(kept))
	}
}

func TestAnomalyFilterEmpty(t *testing.T) {
	if kept := NewAnomalyFilter().Filter(nil); len(kept) != 0 {
		t.Errorf("expected nothing, got %d", len(kept))
	}
}
