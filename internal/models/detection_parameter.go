package models

// VisitDetection holds the clustering thresholds of one configuration window.
type VisitDetection struct {
	SearchDistanceMeters float64 `json:"searchDistanceMeters" yaml:"search_distance_meters"`
	MinAdjacentPoints    int     `json:"minAdjacentPoints" yaml:"min_adjacent_points"`
	MinStayTimeSeconds   int64   `json:"minStayTimeSeconds" yaml:"min_stay_time_seconds"`
	MaxMergeGapSeconds   int64   `json:"maxMergeGapSeconds" yaml:"max_merge_gap_seconds"`
}

// VisitMerging holds the merge thresholds of one configuration window.
type VisitMerging struct {
	SearchWindowHours  int64   `json:"searchWindowHours" yaml:"search_window_hours"`
	MaxMergeGapSeconds int64   `json:"maxMergeGapSeconds" yaml:"max_merge_gap_seconds"`
	MinDistanceMeters  float64 `json:"minDistanceMeters" yaml:"min_distance_meters"`
}

// DetectionParameter is one validity-windowed detection configuration.
// ValidSince nil marks the default (floor) window. The configuration current
// at time T is the latest one with ValidSince <= T, falling back to the
// default.
type DetectionParameter struct {
	ID                 int64          `json:"id" db:"id"`
	UserID             int64          `json:"userId" db:"user_id"`
	ValidSince         *int64         `json:"validSince,omitempty" db:"valid_since"` // Unix timestamp, nil = default
	VisitDetection     VisitDetection `json:"visitDetection"`
	VisitMerging       VisitMerging   `json:"visitMerging"`
	NeedsRecalculation bool           `json:"needsRecalculation" db:"needs_recalculation"`
}

// DefaultDetectionParameter returns the built-in floor configuration created
// for every new user.
func DefaultDetectionParameter(userID int64) *DetectionParameter {
	return &DetectionParameter{
		UserID: userID,
		VisitDetection: VisitDetection{
			SearchDistanceMeters: 50,
			MinAdjacentPoints:    5,
			MinStayTimeSeconds:   300,
			MaxMergeGapSeconds:   300,
		},
		VisitMerging: VisitMerging{
			SearchWindowHours:  24,
			MaxMergeGapSeconds: 300,
			MinDistanceMeters:  100,
		},
	}
}
