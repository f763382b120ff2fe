package spatial

import (
	"math"

	"github.com/golang/geo/s2"
)

// Earth's mean radius in meters
const EarthRadiusMeters = 6371000.0

// HaversineDistance calculates the great-circle distance between two points
// in meters
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// PathDistance sums the consecutive point-to-point distances along a path of
// (lat, lon) pairs.
func PathDistance(coords [][2]float64) float64 {
	if len(coords) < 2 {
		return 0
	}
	total := 0.0
	for i := 0; i < len(coords)-1; i++ {
		total += HaversineDistance(coords[i][0], coords[i][1], coords[i+1][0], coords[i+1][1])
	}
	return total
}

// Bearing returns the initial great-circle bearing from one point to
// another, in degrees clockwise from north in [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	deltaLng := (lon2 - lon1) * math.Pi / 180.0

	y := math.Sin(deltaLng) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLng)

	bearing := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(bearing+360, 360)
}

// BoundingBoxDeltas returns the latitude and longitude half-widths in degrees
// of a box centered at the given latitude that contains a circle of
// radiusMeters. Near the poles the longitude delta covers the full range.
func BoundingBoxDeltas(lat, radiusMeters float64) (latDelta, lngDelta float64) {
	latDelta = radiusMeters / EarthRadiusMeters * 180.0 / math.Pi
	cosLat := math.Cos(lat * math.Pi / 180.0)
	if cosLat < 1e-6 {
		return latDelta, 180.0
	}
	return latDelta, latDelta / cosLat
}

// WeightedCentroid calculates the accuracy-weighted mean position of a set of
// points. Points with better (lower) accuracy get a higher weight; points
// without accuracy get weight 1.
func WeightedCentroid(lats, lons, accuracies []float64) (float64, float64) {
	weightSum := 0.0
	latSum := 0.0
	lonSum := 0.0

	for i := range lats {
		weight := 1.0
		if i < len(accuracies) && accuracies[i] > 0 {
			weight = 1.0 / accuracies[i]
		}
		weightSum += weight
		latSum += lats[i] * weight
		lonSum += lons[i] * weight
	}

	if weightSum == 0 {
		return 0, 0
	}
	return latSum / weightSum, lonSum / weightSum
}
