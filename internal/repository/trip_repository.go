package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// TripRepository handles database operations for trips
type TripRepository struct {
	db *sql.DB
}

// NewTripRepository creates a new trip repository
func NewTripRepository(db *sql.DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = "id, user_id, start_visit_id, end_visit_id, start_time, end_time, duration_seconds, estimated_distance_meters, travelled_distance_meters, transport_mode_inferred, version"

// Create inserts a trip, silently skipping an exact duplicate on
// (user, start, end). Returns false when the row already existed.
func (r *TripRepository) Create(scope Scope, t *models.Trip) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if scope.IsPreview() {
		res, err = r.db.Exec(`
			INSERT OR IGNORE INTO preview_trips
				(user_id, start_visit_id, end_visit_id, start_time, end_time, duration_seconds,
				 estimated_distance_meters, travelled_distance_meters, transport_mode_inferred, version,
				 preview_id, preview_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			t.UserID, nullableID(t.StartVisitID), nullableID(t.EndVisitID), t.StartTime, t.EndTime, t.DurationSeconds,
			t.EstimatedDistanceMeters, t.TravelledDistanceMeters, t.TransportModeInferred,
			scope.PreviewID, scope.PreviewCreatedAt)
	} else {
		res, err = r.db.Exec(`
			INSERT OR IGNORE INTO trips
				(user_id, start_visit_id, end_visit_id, start_time, end_time, duration_seconds,
				 estimated_distance_meters, travelled_distance_meters, transport_mode_inferred, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			t.UserID, nullableID(t.StartVisitID), nullableID(t.EndVisitID), t.StartTime, t.EndTime, t.DurationSeconds,
			t.EstimatedDistanceMeters, t.TravelledDistanceMeters, t.TransportModeInferred)
	}
	if err != nil {
		return false, fmt.Errorf("failed to create trip: %w", err)
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
	t.ID = id
	t.Version = 1
	return true, nil
}

// FindWindow returns all of a user's trips overlapping [start, end], ordered
// by start time. Zero start and end returns the full history.
func (r *TripRepository) FindWindow(scope Scope, userID, start, end int64) ([]models.Trip, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ?", tripColumns, scope.Table("trips"))
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

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		var t models.Trip
		var startVisit, endVisit sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &startVisit, &endVisit, &t.StartTime, &t.EndTime, &t.DurationSeconds,
			&t.EstimatedDistanceMeters, &t.TravelledDistanceMeters, &t.TransportModeInferred, &t.Version); err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		t.StartVisitID = startVisit.Int64
		t.EndVisitID = endVisit.Int64
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// DeleteRange removes all of a user's trips that touch [start, end). Zero
// start and end removes the full history.
func (r *TripRepository) DeleteRange(scope Scope, userID, start, end int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", scope.Table("trips"))
	args := []interface{}{userID}
	if start != 0 || end != 0 {
		query += " AND end_time >= ? AND start_time < ?"
		args = append(args, start, end)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete trip range: %w", err)
	}
	return nil
}

