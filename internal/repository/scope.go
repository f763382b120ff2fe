package repository

// Scope selects between the live tables and a preview-id keyed copy.
// The zero value is the live scope.
type Scope struct {
	PreviewID string
	// PreviewCreatedAt stamps rows written in preview scope so the TTL
	// cleanup job can find them. Unix timestamp.
	PreviewCreatedAt int64
}

// Live is the zero scope targeting the live tables.
var Live = Scope{}

// Preview returns a scope targeting the preview tables for the given id.
func Preview(previewID string, createdAt int64) Scope {
	return Scope{PreviewID: previewID, PreviewCreatedAt: createdAt}
}

// IsPreview reports whether the scope targets preview tables.
func (s Scope) IsPreview() bool {
	return s.PreviewID != ""
}

// Table maps a base table name into the scope.
func (s Scope) Table(base string) string {
	if s.IsPreview() {
		return "preview_" + base
	}
	return base
}
