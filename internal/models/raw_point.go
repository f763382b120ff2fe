package models

// RawLocationPoint is a single GPS fix as delivered by a device.
// Immutable once stored except for the processed flag.
type RawLocationPoint struct {
	ID             int64   `json:"id" db:"id"`
	UserID         int64   `json:"userId" db:"user_id"`
	Timestamp      int64   `json:"timestamp" db:"timestamp"` // Unix timestamp (seconds)
	Latitude       float64 `json:"latitude" db:"latitude"`
	Longitude      float64 `json:"longitude" db:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters,omitempty" db:"accuracy_meters"`
	Processed      bool    `json:"processed" db:"processed"`
	Version        int64   `json:"version" db:"version"`
}

// LocationBatch is the ingestion input: a set of fixes for one user.
type LocationBatch struct {
	Username string          `json:"username"`
	Points   []LocationPoint `json:"points" binding:"required"`
}

// LocationPoint is one entry of an ingestion batch. Timestamp is ISO-8601
// with offset; malformed entries are skipped, not fatal to the batch.
type LocationPoint struct {
	Timestamp      string  `json:"timestamp" binding:"required"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters"`
	ActivityHint   string  `json:"activityHint,omitempty"`
}
