package detection

import "github.com/karelvirta/timeline-backend-go/internal/models"

// ModeClassifier infers the transport mode of a trip from its speed profile.
type ModeClassifier interface {
	Classify(avgSpeedKmh, maxSpeedKmh float64) string
}

// SpeedThresholdClassifier buckets trips by average speed, with a high-speed
// override for rail travel.
type SpeedThresholdClassifier struct {
	// Average-speed upper bounds in km/h per mode.
	WalkingMaxKmh float64
	CyclingMaxKmh float64
	DrivingMaxKmh float64
	// A sustained average at or above TransitAvgKmh combined with a peak at
	// or above TransitMaxKmh classifies as transit even below DrivingMaxKmh.
	TransitAvgKmh float64
	TransitMaxKmh float64
}

// NewSpeedThresholdClassifier returns a classifier with the default
// thresholds.
func NewSpeedThresholdClassifier() *SpeedThresholdClassifier {
	return &SpeedThresholdClassifier{
		WalkingMaxKmh: 7,
		CyclingMaxKmh: 20,
		DrivingMaxKmh: 120,
		TransitAvgKmh: 90,
		TransitMaxKmh: 160,
	}
}

// Classify maps a speed profile to a transport mode. Near-zero movement is
// unknown rather than walking so data gaps do not masquerade as strolls.
func (c *SpeedThresholdClassifier) Classify(avgSpeedKmh, maxSpeedKmh float64) string {
	if avgSpeedKmh <= 0.1 {
		return models.TransportModeUnknown
	}
	if avgSpeedKmh >= c.TransitAvgKmh && maxSpeedKmh >= c.TransitMaxKmh {
		return models.TransportModeTransit
	}
	switch {
	case avgSpeedKmh < c.WalkingMaxKmh:
		return models.TransportModeWalking
	case avgSpeedKmh < c.CyclingMaxKmh:
		return models.TransportModeCycling
	case avgSpeedKmh < c.DrivingMaxKmh:
		return models.TransportModeDriving
	default:
		return models.TransportModeTransit
	}
}
