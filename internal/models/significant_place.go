package models

// SignificantPlace is a durable location a user visits repeatedly. Created
// lazily the first time a cluster centroid falls outside the radius of the
// user's existing places; never auto-deleted.
type SignificantPlace struct {
	ID          int64   `json:"id" db:"id"`
	UserID      int64   `json:"userId" db:"user_id"`
	Name        string  `json:"name,omitempty" db:"name"`
	Address     string  `json:"address,omitempty" db:"address"`
	Latitude    float64 `json:"latitude" db:"latitude"`
	Longitude   float64 `json:"longitude" db:"longitude"`
	CountryCode string  `json:"countryCode,omitempty" db:"country_code"`
	Type        string  `json:"type" db:"type"`
	Geocoded    bool    `json:"geocoded" db:"geocoded"`
	Version     int64   `json:"version" db:"version"`
}

// Place type constants
const (
	PlaceTypeHome  = "HOME"
	PlaceTypeWork  = "WORK"
	PlaceTypeOther = "OTHER"
)
