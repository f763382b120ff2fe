package models

// GeocodeProvider is an external reverse-geocoding endpoint. Providers are
// tried least-recently-used first and disabled after too many consecutive
// errors until manually reset.
type GeocodeProvider struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	URLTemplate string `json:"urlTemplate" db:"url_template"` // contains {lat} and {lng}
	Enabled     bool   `json:"enabled" db:"enabled"`
	ErrorCount  int    `json:"errorCount" db:"error_count"`
	LastUsed    int64  `json:"lastUsed" db:"last_used"` // Unix timestamp
}

// GeocodeResult is the parsed outcome of a reverse geocoding call.
type GeocodeResult struct {
	Label       string `json:"label"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
}
