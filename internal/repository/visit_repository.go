package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// VisitRepository handles database operations for raw visits
type VisitRepository struct {
	db *sql.DB
}

// NewVisitRepository creates a new visit repository
func NewVisitRepository(db *sql.DB) *VisitRepository {
	return &VisitRepository{db: db}
}

// Create inserts a visit and returns it with its assigned id.
func (r *VisitRepository) Create(scope Scope, v *models.Visit) error {
	var (
		res sql.Result
		err error
	)
	if scope.IsPreview() {
		res, err = r.db.Exec(`
			INSERT INTO preview_visits
				(user_id, place_id, latitude, longitude, start_time, end_time, duration_seconds, processed, version, preview_id, preview_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
			v.UserID, nullableID(v.PlaceID), v.Latitude, v.Longitude, v.StartTime, v.EndTime, v.DurationSeconds,
			scope.PreviewID, scope.PreviewCreatedAt)
	} else {
		res, err = r.db.Exec(`
			INSERT INTO visits
				(user_id, place_id, latitude, longitude, start_time, end_time, duration_seconds, processed, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)`,
			v.UserID, nullableID(v.PlaceID), v.Latitude, v.Longitude, v.StartTime, v.EndTime, v.DurationSeconds)
	}
	if err != nil {
		return fmt.Errorf("failed to create visit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	v.ID = id
	v.Version = 1
	return nil
}

// FindWindow returns all visits of a user overlapping [start, end], ordered
// by start time.
func (r *VisitRepository) FindWindow(scope Scope, userID, start, end int64) ([]models.Visit, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, COALESCE(place_id, 0), latitude, longitude, start_time, end_time, duration_seconds, processed, version
		FROM %s
		WHERE user_id = ? AND end_time >= ? AND start_time <= ?`, scope.Table("visits"))
	args := []interface{}{userID, start, end}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY start_time ASC"
	return r.queryVisits(query, args...)
}

// FindOverlapping returns visits overlapping the span (start, end), used by
// the stay detector to extend existing visits instead of duplicating them.
func (r *VisitRepository) FindOverlapping(scope Scope, userID, start, end int64) ([]models.Visit, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, COALESCE(place_id, 0), latitude, longitude, start_time, end_time, duration_seconds, processed, version
		FROM %s
		WHERE user_id = ? AND start_time <= ? AND end_time >= ?`, scope.Table("visits"))
	args := []interface{}{userID, end, start}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY start_time ASC"
	return r.queryVisits(query, args...)
}

func (r *VisitRepository) queryVisits(query string, args ...interface{}) ([]models.Visit, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var visits []models.Visit
	for rows.Next() {
		var v models.Visit
		if err := rows.Scan(&v.ID, &v.UserID, &v.PlaceID, &v.Latitude, &v.Longitude, &v.StartTime, &v.EndTime, &v.DurationSeconds, &v.Processed, &v.Version); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// Update performs an optimistic-locked update. Returns ErrVersionConflict
// when the stored version moved.
func (r *VisitRepository) Update(scope Scope, v *models.Visit) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET place_id = ?, latitude = ?, longitude = ?, start_time = ?, end_time = ?,
			duration_seconds = ?, processed = ?, version = version + 1
		WHERE id = ? AND version = ?`, scope.Table("visits"))
	res, err := r.db.Exec(query,
		nullableID(v.PlaceID), v.Latitude, v.Longitude, v.StartTime, v.EndTime,
		v.DurationSeconds, v.Processed, v.ID, v.Version)
	if err != nil {
		return fmt.Errorf("failed to update visit %d: %w", v.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	v.Version++
	return nil
}

// DeleteRange removes all of a user's visits inside [start, end).
// Zero start and end removes the full history.
func (r *VisitRepository) DeleteRange(scope Scope, userID, start, end int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", scope.Table("visits"))
	args := []interface{}{userID}
	if start != 0 || end != 0 {
		query += " AND start_time >= ? AND start_time < ?"
		args = append(args, start, end)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete visit range: %w", err)
	}
	return nil
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
