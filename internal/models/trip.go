package models

// Trip is the inferred movement segment between two consecutive processed
// visits. Invariant: StartTime equals the start visit's end time and EndTime
// equals the end visit's start time.
type Trip struct {
	ID                      int64   `json:"id" db:"id"`
	UserID                  int64   `json:"userId" db:"user_id"`
	StartVisitID            int64   `json:"startVisitId" db:"start_visit_id"`
	EndVisitID              int64   `json:"endVisitId" db:"end_visit_id"`
	StartTime               int64   `json:"startTime" db:"start_time"`
	EndTime                 int64   `json:"endTime" db:"end_time"`
	DurationSeconds         int64   `json:"durationSeconds" db:"duration_seconds"`
	EstimatedDistanceMeters float64 `json:"estimatedDistanceMeters" db:"estimated_distance_meters"`
	TravelledDistanceMeters float64 `json:"travelledDistanceMeters" db:"travelled_distance_meters"`
	TransportModeInferred   string  `json:"transportModeInferred" db:"transport_mode_inferred"`
	Version                 int64   `json:"version" db:"version"`
}

// Transport mode constants
const (
	TransportModeUnknown = "UNKNOWN"
	TransportModeWalking = "WALKING"
	TransportModeCycling = "CYCLING"
	TransportModeDriving = "DRIVING"
	TransportModeTransit = "TRANSIT"
)
