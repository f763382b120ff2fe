package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// ProcessedVisitRepository handles database operations for processed visits
type ProcessedVisitRepository struct {
	db *sql.DB
}

// NewProcessedVisitRepository creates a new processed visit repository
func NewProcessedVisitRepository(db *sql.DB) *ProcessedVisitRepository {
	return &ProcessedVisitRepository{db: db}
}

// Create inserts a processed visit, silently skipping an exact duplicate on
// (user, start, end). Returns false when the row already existed.
func (r *ProcessedVisitRepository) Create(scope Scope, pv *models.ProcessedVisit) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if scope.IsPreview() {
		res, err = r.db.Exec(`
			INSERT OR IGNORE INTO preview_processed_visits
				(user_id, place_id, start_time, end_time, duration_seconds, version, preview_id, preview_created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			pv.UserID, pv.PlaceID, pv.StartTime, pv.EndTime, pv.DurationSeconds,
			scope.PreviewID, scope.PreviewCreatedAt)
	} else {
		res, err = r.db.Exec(`
			INSERT OR IGNORE INTO processed_visits
				(user_id, place_id, start_time, end_time, duration_seconds, version)
			VALUES (?, ?, ?, ?, ?, 1)`,
			pv.UserID, pv.PlaceID, pv.StartTime, pv.EndTime, pv.DurationSeconds)
	}
	if err != nil {
		return false, fmt.Errorf("failed to create processed visit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	pv.ID = id
	pv.Version = 1
	return true, nil
}

// FindWindow returns all processed visits of a user overlapping [start, end],
// ordered by start time. Zero start and end returns the full history.
func (r *ProcessedVisitRepository) FindWindow(scope Scope, userID, start, end int64) ([]models.ProcessedVisit, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, place_id, start_time, end_time, duration_seconds, version
		FROM %s
		WHERE user_id = ?`, scope.Table("processed_visits"))
	args := []interface{}{userID}
	if start != 0 || end != 0 {
		query += " AND end_time >= ? AND start_time <= ?"
		args = append(args, start, end)
	}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY start_time ASC"
	return r.queryProcessedVisits(query, args...)
}

// FindPrevious returns the latest processed visit that ends at or before the
// given time, or ErrNotFound.
func (r *ProcessedVisitRepository) FindPrevious(scope Scope, userID, before int64) (*models.ProcessedVisit, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, place_id, start_time, end_time, duration_seconds, version
		FROM %s
		WHERE user_id = ? AND end_time <= ?`, scope.Table("processed_visits"))
	args := []interface{}{userID, before}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY end_time DESC LIMIT 1"

	pv := &models.ProcessedVisit{}
	err := r.db.QueryRow(query, args...).Scan(&pv.ID, &pv.UserID, &pv.PlaceID, &pv.StartTime, &pv.EndTime, &pv.DurationSeconds, &pv.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find previous processed visit: %w", err)
	}
	return pv, nil
}

func (r *ProcessedVisitRepository) queryProcessedVisits(query string, args ...interface{}) ([]models.ProcessedVisit, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed visits: %w", err)
	}
	defer rows.Close()

	var visits []models.ProcessedVisit
	for rows.Next() {
		var pv models.ProcessedVisit
		if err := rows.Scan(&pv.ID, &pv.UserID, &pv.PlaceID, &pv.StartTime, &pv.EndTime, &pv.DurationSeconds, &pv.Version); err != nil {
			return nil, fmt.Errorf("failed to scan processed visit: %w", err)
		}
		visits = append(visits, pv)
	}
	return visits, rows.Err()
}

// Update performs an optimistic-locked update. Returns ErrVersionConflict
// when the stored version moved.
func (r *ProcessedVisitRepository) Update(scope Scope, pv *models.ProcessedVisit) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET place_id = ?, start_time = ?, end_time = ?, duration_seconds = ?, version = version + 1
		WHERE id = ? AND version = ?`, scope.Table("processed_visits"))
	res, err := r.db.Exec(query, pv.PlaceID, pv.StartTime, pv.EndTime, pv.DurationSeconds, pv.ID, pv.Version)
	if err != nil {
		return fmt.Errorf("failed to update processed visit %d: %w", pv.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	pv.Version++
	return nil
}

// ReplaceWindow atomically swaps a window's derived data: trips anchored on
// the superseded processed visits go first, then the visits themselves, the
// merged replacements are inserted and the consumed raw visits removed. A
// crash leaves either the old window or the new one, never a gap.
func (r *ProcessedVisitRepository) ReplaceWindow(scope Scope, priorIDs []int64, merged []*models.ProcessedVisit, consumedVisitIDs []int64) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		if len(priorIDs) > 0 {
			placeholders := idPlaceholders(len(priorIDs))
			args := make([]interface{}, 0, len(priorIDs)*2)
			for _, id := range priorIDs {
				args = append(args, id)
			}
			for _, id := range priorIDs {
				args = append(args, id)
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE start_visit_id IN (%s) OR end_visit_id IN (%s)",
				scope.Table("trips"), placeholders, placeholders)
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("failed to delete superseded trips: %w", err)
			}

			query = fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", scope.Table("processed_visits"), placeholders)
			if _, err := tx.Exec(query, args[:len(priorIDs)]...); err != nil {
				return fmt.Errorf("failed to delete superseded processed visits: %w", err)
			}
		}

		for _, pv := range merged {
			var (
				res sql.Result
				err error
			)
			if scope.IsPreview() {
				res, err = tx.Exec(`
					INSERT OR IGNORE INTO preview_processed_visits
						(user_id, place_id, start_time, end_time, duration_seconds, version, preview_id, preview_created_at)
					VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
					pv.UserID, pv.PlaceID, pv.StartTime, pv.EndTime, pv.DurationSeconds,
					scope.PreviewID, scope.PreviewCreatedAt)
			} else {
				res, err = tx.Exec(`
					INSERT OR IGNORE INTO processed_visits
						(user_id, place_id, start_time, end_time, duration_seconds, version)
					VALUES (?, ?, ?, ?, ?, 1)`,
					pv.UserID, pv.PlaceID, pv.StartTime, pv.EndTime, pv.DurationSeconds)
			}
			if err != nil {
				return fmt.Errorf("failed to insert merged processed visit: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				if id, err := res.LastInsertId(); err == nil {
					pv.ID = id
					pv.Version = 1
				}
			}
		}

		if len(consumedVisitIDs) > 0 {
			args := make([]interface{}, 0, len(consumedVisitIDs))
			for _, id := range consumedVisitIDs {
				args = append(args, id)
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)",
				scope.Table("visits"), idPlaceholders(len(consumedVisitIDs)))
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("failed to delete consumed visits: %w", err)
			}
		}
		return nil
	})
}

func idPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// DeleteRange removes all of a user's processed visits inside [start, end).
// Zero start and end removes the full history.
func (r *ProcessedVisitRepository) DeleteRange(scope Scope, userID, start, end int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", scope.Table("processed_visits"))
	args := []interface{}{userID}
	if start != 0 || end != 0 {
		query += " AND start_time >= ? AND start_time < ?"
		args = append(args, start, end)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete processed visit range: %w", err)
	}
	return nil
}
