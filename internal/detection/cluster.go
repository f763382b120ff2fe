package detection

import (
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// Cluster is one detected stay: a run of points dwelling around a common
// centroid.
type Cluster struct {
	Latitude  float64
	Longitude float64
	StartTime int64
	EndTime   int64
	Points    []models.RawLocationPoint
}

// Duration returns the dwell time in seconds.
func (c *Cluster) Duration() int64 {
	return c.EndTime - c.StartTime
}

// clusterBuilder accumulates points into a running accuracy-weighted
// centroid.
type clusterBuilder struct {
	points     []models.RawLocationPoint
	lats       []float64
	lons       []float64
	accuracies []float64
	lat        float64
	lon        float64
}

func (b *clusterBuilder) add(p models.RawLocationPoint) {
	b.points = append(b.points, p)
	b.lats = append(b.lats, p.Latitude)
	b.lons = append(b.lons, p.Longitude)
	b.accuracies = append(b.accuracies, p.AccuracyMeters)
	b.lat, b.lon = spatial.WeightedCentroid(b.lats, b.lons, b.accuracies)
}

func (b *clusterBuilder) last() models.RawLocationPoint {
	return b.points[len(b.points)-1]
}

func (b *clusterBuilder) toCluster() Cluster {
	return Cluster{
		Latitude:  b.lat,
		Longitude: b.lon,
		StartTime: b.points[0].Timestamp,
		EndTime:   b.last().Timestamp,
		Points:    b.points,
	}
}

// DetectStays clusters a chronologically ordered point stream into stays.
//
// A cluster grows while the next point lies within SearchDistanceMeters of
// its running accuracy-weighted centroid and the time gap to the previous
// point does not exceed MaxMergeGapSeconds. A cluster qualifies as a stay
// when it holds at least MinAdjacentPoints points spanning at least
// MinStayTimeSeconds. Adjacent qualifying clusters whose centroids sit
// within SearchDistanceMeters and whose time gap is at most
// MaxMergeGapSeconds are coalesced.
func DetectStays(points []models.RawLocationPoint, cfg models.VisitDetection) []Cluster {
	if len(points) == 0 {
		return nil
	}

	var raw []Cluster
	b := &clusterBuilder{}
	b.add(points[0])

	for _, p := range points[1:] {
		gap := p.Timestamp - b.last().Timestamp
		dist := spatial.HaversineDistance(b.lat, b.lon, p.Latitude, p.Longitude)
		if gap <= cfg.MaxMergeGapSeconds && dist <= cfg.SearchDistanceMeters {
			b.add(p)
			continue
		}
		raw = append(raw, b.toCluster())
		b = &clusterBuilder{}
		b.add(p)
	}
	raw = append(raw, b.toCluster())

	var stays []Cluster
	for _, c := range raw {
		if len(c.Points) < cfg.MinAdjacentPoints || c.Duration() < cfg.MinStayTimeSeconds {
			continue
		}
		if n := len(stays); n > 0 {
			prev := &stays[n-1]
			gap := c.StartTime - prev.EndTime
			dist := spatial.HaversineDistance(prev.Latitude, prev.Longitude, c.Latitude, c.Longitude)
			if gap <= cfg.MaxMergeGapSeconds && dist <= cfg.SearchDistanceMeters {
				merged := coalesce(*prev, c)
				stays[n-1] = merged
				continue
			}
		}
		stays = append(stays, c)
	}
	return stays
}

func coalesce(a, b Cluster) Cluster {
	points := append(append([]models.RawLocationPoint{}, a.Points...), b.Points...)
	lats := make([]float64, len(points))
	lons := make([]float64, len(points))
	accs := make([]float64, len(points))
	for i, p := range points {
		lats[i] = p.Latitude
		lons[i] = p.Longitude
		accs[i] = p.AccuracyMeters
	}
	lat, lon := spatial.WeightedCentroid(lats, lons, accs)
	return Cluster{
		Latitude:  lat,
		Longitude: lon,
		StartTime: a.StartTime,
		EndTime:   b.EndTime,
		Points:    points,
	}
}
