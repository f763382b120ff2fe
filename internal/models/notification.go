package models

// Notification kinds pushed to UI/federation collaborators.
const (
	NotifyRawData = "RAW_DATA"
	NotifyVisits  = "VISITS"
	NotifyTrips   = "TRIPS"
)

// UserNotification tells collaborators that derived data changed for a user
// around a given date.
type UserNotification struct {
	Type         string `json:"type"`
	TargetUserID int64  `json:"targetUserId"`
	SourceUserID int64  `json:"sourceUserId,omitempty"`
	AffectedDate string `json:"affectedDate,omitempty"` // YYYY-MM-DD
}
