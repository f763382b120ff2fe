package models

// User represents an account whose location stream is processed
type User struct {
	ID          int64  `json:"id" db:"id"`
	Username    string `json:"username" db:"username"`
	DisplayName string `json:"displayName,omitempty" db:"display_name"`
}
