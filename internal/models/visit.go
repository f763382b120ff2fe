package models

// Visit is one raw stay-point cluster before place merging. Created by the
// stay detector, consumed and deleted by the visit merger.
type Visit struct {
	ID              int64   `json:"id" db:"id"`
	UserID          int64   `json:"userId" db:"user_id"`
	PlaceID         int64   `json:"placeId,omitempty" db:"place_id"` // 0 until resolved
	Latitude        float64 `json:"latitude" db:"latitude"`
	Longitude       float64 `json:"longitude" db:"longitude"`
	StartTime       int64   `json:"startTime" db:"start_time"` // Unix timestamp
	EndTime         int64   `json:"endTime" db:"end_time"`     // Unix timestamp
	DurationSeconds int64   `json:"durationSeconds" db:"duration_seconds"`
	Processed       bool    `json:"processed" db:"processed"`
	Version         int64   `json:"version" db:"version"`
}

// ProcessedVisit is the durable, place-linked stay record.
// Invariant: StartTime < EndTime and no two processed visits of one user
// overlap in time.
type ProcessedVisit struct {
	ID              int64 `json:"id" db:"id"`
	UserID          int64 `json:"userId" db:"user_id"`
	PlaceID         int64 `json:"placeId" db:"place_id"`
	StartTime       int64 `json:"startTime" db:"start_time"`
	EndTime         int64 `json:"endTime" db:"end_time"`
	DurationSeconds int64 `json:"durationSeconds" db:"duration_seconds"`
	Version         int64 `json:"version" db:"version"`
}
