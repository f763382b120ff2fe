package repository

import (
	"database/sql"
	"fmt"
	"time"
)

// ProcessingStateRepository guards the per-user pipeline lock. Only one
// processing run per (user, preview) pair may be active at a time.
type ProcessingStateRepository struct {
	db *sql.DB
}

// NewProcessingStateRepository creates a new processing state repository
func NewProcessingStateRepository(db *sql.DB) *ProcessingStateRepository {
	return &ProcessingStateRepository{db: db}
}

// TryClaim attempts to mark processing as running for the user. Returns false
// when another run already holds the claim. Claims older than staleAfter are
// taken over.
func (r *ProcessingStateRepository) TryClaim(userID int64, previewID string, staleAfter time.Duration) (bool, error) {
	now := time.Now().Unix()
	stale := now - int64(staleAfter.Seconds())
	res, err := r.db.Exec(`
		INSERT INTO processing_state (user_id, preview_id, running, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (user_id, preview_id) DO UPDATE SET running = 1, updated_at = excluded.updated_at
		WHERE running = 0 OR updated_at < ?`,
		userID, previewID, now, stale)
	if err != nil {
		return false, fmt.Errorf("failed to claim processing state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Release clears the running flag for the user.
func (r *ProcessingStateRepository) Release(userID int64, previewID string) error {
	_, err := r.db.Exec(`
		UPDATE processing_state SET running = 0, updated_at = ?
		WHERE user_id = ? AND preview_id = ?`,
		time.Now().Unix(), userID, previewID)
	if err != nil {
		return fmt.Errorf("failed to release processing state: %w", err)
	}
	return nil
}

// IsRunning reports whether a processing run currently holds the claim.
func (r *ProcessingStateRepository) IsRunning(userID int64, previewID string) (bool, error) {
	var running int
	err := r.db.QueryRow(`
		SELECT running FROM processing_state WHERE user_id = ? AND preview_id = ?`,
		userID, previewID).Scan(&running)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read processing state: %w", err)
	}
	return running != 0, nil
}
