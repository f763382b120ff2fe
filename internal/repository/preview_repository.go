package repository

import (
	"database/sql"
	"fmt"
)

// previewTables lists every table carrying preview rows, for cleanup.
var previewTables = []string{
	"preview_raw_location_points",
	"preview_significant_places",
	"preview_visits",
	"preview_processed_visits",
	"preview_trips",
	"preview_detection_parameters",
}

// PreviewRepository handles lifecycle operations on the preview sandbox
// tables that span individual entity repositories.
type PreviewRepository struct {
	db *sql.DB
}

// NewPreviewRepository creates a new preview repository
func NewPreviewRepository(db *sql.DB) *PreviewRepository {
	return &PreviewRepository{db: db}
}

// DeleteOlderThan removes all preview rows created at or before the cutoff
// across every preview table. Returns the total number of removed rows.
func (r *PreviewRepository) DeleteOlderThan(cutoff int64) (int64, error) {
	var total int64
	for _, table := range previewTables {
		res, err := r.db.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE preview_created_at <= ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// Delete removes every row belonging to one preview session.
func (r *PreviewRepository) Delete(previewID string) error {
	for _, table := range previewTables {
		if _, err := r.db.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE preview_id = ?", table), previewID); err != nil {
			return fmt.Errorf("failed to delete preview rows from %s: %w", table, err)
		}
	}
	return nil
}

// Exists reports whether any data belongs to the preview session.
func (r *PreviewRepository) Exists(previewID string) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM preview_raw_location_points WHERE preview_id = ?", previewID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check preview existence: %w", err)
	}
	return n > 0, nil
}
