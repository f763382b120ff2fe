package detection

import (
	"math"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// AnomalyFilter rejects implausible fixes before they reach storage: poor
// accuracy, impossible speeds, teleport-sized jumps and sharp back-and-forth
// reversals that GPS multipath produces.
type AnomalyFilter struct {
	// MaxAccuracyMeters rejects fixes with a worse reported accuracy.
	MaxAccuracyMeters float64
	// MaxSpeedKmh bounds the implied speed between consecutive fixes.
	MaxSpeedKmh float64
	// MaxDistanceJumpMeters bounds the distance between consecutive fixes.
	MaxDistanceJumpMeters float64
	// EdgeTolerance relaxes the speed and jump bounds at the ends of a
	// batch, where there is no second neighbor to corroborate.
	EdgeTolerance float64
}

// NewAnomalyFilter returns a filter with the default thresholds.
func NewAnomalyFilter() *AnomalyFilter {
	return &AnomalyFilter{
		MaxAccuracyMeters:     100,
		MaxSpeedKmh:           1000,
		MaxDistanceJumpMeters: 5000,
		EdgeTolerance:         1.5,
	}
}

// Filter returns the points with anomalous fixes removed. The input is
// expected in chronological order and is not modified.
func (f *AnomalyFilter) Filter(points []models.RawLocationPoint) []models.RawLocationPoint {
	if len(points) == 0 {
		return points
	}

	bad := make(map[int]bool)
	f.markInaccurate(points, bad)
	f.markSpeedViolations(points, bad)
	f.markDistanceJumps(points, bad)
	f.markReversals(points, bad)
	if len(bad) == 0 {
		return points
	}

	kept := make([]models.RawLocationPoint, 0, len(points)-len(bad))
	for i, p := range points {
		if !bad[i] {
			kept = append(kept, p)
		}
	}
	return kept
}

func (f *AnomalyFilter) markInaccurate(points []models.RawLocationPoint, bad map[int]bool) {
	for i, p := range points {
		if p.AccuracyMeters > f.MaxAccuracyMeters {
			bad[i] = true
		}
	}
}

func (f *AnomalyFilter) markSpeedViolations(points []models.RawLocationPoint, bad map[int]bool) {
	for i := 1; i < len(points); i++ {
		prev, curr := points[i-1], points[i]
		dt := curr.Timestamp - prev.Timestamp
		if dt <= 0 {
			continue
		}
		distance := spatial.HaversineDistance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		speedKmh := distance / float64(dt) * 3.6

		maxSpeed := f.MaxSpeedKmh
		if f.isEdge(i, len(points)) {
			maxSpeed *= f.EdgeTolerance
		}
		if speedKmh > maxSpeed {
			bad[f.worseOf(i-1, i, points)] = true
		}
	}
}

func (f *AnomalyFilter) markDistanceJumps(points []models.RawLocationPoint, bad map[int]bool) {
	for i := 1; i < len(points); i++ {
		prev, curr := points[i-1], points[i]
		distance := spatial.HaversineDistance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)

		maxDistance := f.MaxDistanceJumpMeters
		if f.isEdge(i, len(points)) {
			maxDistance *= f.EdgeTolerance
		}
		if distance > maxDistance {
			if f.isEdge(i, len(points)) {
				bad[f.lessConsistentOf(i-1, i, points)] = true
			} else {
				bad[f.worseOf(i-1, i, points)] = true
			}
		}
	}
}

// markReversals flags a middle point when the track doubles back through it
// at a sharp angle over legs long enough to rule out jitter, and the point
// reports worse accuracy than both neighbors.
func (f *AnomalyFilter) markReversals(points []models.RawLocationPoint, bad map[int]bool) {
	for i := 1; i < len(points)-1; i++ {
		prev, curr, next := points[i-1], points[i], points[i+1]

		bearingIn := spatial.Bearing(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		bearingOut := spatial.Bearing(curr.Latitude, curr.Longitude, next.Latitude, next.Longitude)
		angle := math.Abs(bearingOut - bearingIn)
		if angle > 180 {
			angle = 360 - angle
		}

		legIn := spatial.HaversineDistance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		legOut := spatial.HaversineDistance(curr.Latitude, curr.Longitude, next.Latitude, next.Longitude)
		if angle > 150 && legIn > 50 && legOut > 50 &&
			curr.AccuracyMeters > math.Max(prev.AccuracyMeters, next.AccuracyMeters) {
			bad[i] = true
		}
	}
}

// worseOf picks the index with the worse reported accuracy.
func (f *AnomalyFilter) worseOf(a, b int, points []models.RawLocationPoint) int {
	if points[b].AccuracyMeters > points[a].AccuracyMeters {
		return b
	}
	return a
}

// lessConsistentOf picks which of two adjacent edge points to drop by
// checking which one sits further from the nearest corroborating neighbor.
// When neither side clearly disagrees it falls back to accuracy.
func (f *AnomalyFilter) lessConsistentOf(a, b int, points []models.RawLocationPoint) int {
	const corroborationSlack = 1000

	if b == 1 && len(points) > 2 {
		witness := points[b+1]
		distA := spatial.HaversineDistance(points[a].Latitude, points[a].Longitude, witness.Latitude, witness.Longitude)
		distB := spatial.HaversineDistance(points[b].Latitude, points[b].Longitude, witness.Latitude, witness.Longitude)
		if math.Abs(distA-distB) > corroborationSlack {
			if distA > distB {
				return a
			}
			return b
		}
	}
	if b == len(points)-1 && len(points) > 2 {
		witness := points[a-1]
		distA := spatial.HaversineDistance(points[a].Latitude, points[a].Longitude, witness.Latitude, witness.Longitude)
		distB := spatial.HaversineDistance(points[b].Latitude, points[b].Longitude, witness.Latitude, witness.Longitude)
		if math.Abs(distA-distB) > corroborationSlack {
			if distA > distB {
				return a
			}
			return b
		}
	}
	return f.worseOf(a, b, points)
}

func (f *AnomalyFilter) isEdge(index, total int) bool {
	return index == 0 || index == total-1
}
