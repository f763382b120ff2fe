package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// RawPointRepository handles database operations for raw location points
type RawPointRepository struct {
	db *sql.DB
}

// NewRawPointRepository creates a new raw point repository
func NewRawPointRepository(db *sql.DB) *RawPointRepository {
	return &RawPointRepository{db: db}
}

// BulkInsert stores a batch of points, silently skipping duplicates on
// (user, timestamp). Returns the number of newly stored points.
func (r *RawPointRepository) BulkInsert(scope Scope, points []models.RawLocationPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.Transaction(r.db, func(tx *sql.Tx) error {
		var stmt *sql.Stmt
		var err error
		if scope.IsPreview() {
			stmt, err = tx.Prepare(`
				INSERT OR IGNORE INTO preview_raw_location_points
					(user_id, timestamp, latitude, longitude, accuracy_meters, processed, version, preview_id, preview_created_at)
				VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?)`)
		} else {
			stmt, err = tx.Prepare(`
				INSERT OR IGNORE INTO raw_location_points
					(user_id, timestamp, latitude, longitude, accuracy_meters, processed, version)
				VALUES (?, ?, ?, ?, ?, 0, 1)`)
		}
		if err != nil {
			return fmt.Errorf("failed to prepare point insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			var res sql.Result
			if scope.IsPreview() {
				res, err = stmt.Exec(p.UserID, p.Timestamp, p.Latitude, p.Longitude, p.AccuracyMeters, scope.PreviewID, scope.PreviewCreatedAt)
			} else {
				res, err = stmt.Exec(p.UserID, p.Timestamp, p.Latitude, p.Longitude, p.AccuracyMeters)
			}
			if err != nil {
				return fmt.Errorf("failed to insert point: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// FindUnprocessed returns up to limit unprocessed points for a user with
// timestamp > after, in ascending time order. Keyset pagination keeps the
// walk stable while workers flip processed flags underneath it.
func (r *RawPointRepository) FindUnprocessed(scope Scope, userID, after int64, limit int) ([]models.RawLocationPoint, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, timestamp, latitude, longitude, COALESCE(accuracy_meters, 0), processed, version
		FROM %s
		WHERE user_id = ? AND processed = 0 AND timestamp > ?`, scope.Table("raw_location_points"))
	args := []interface{}{userID, after}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY timestamp ASC LIMIT ?"
	args = append(args, limit)

	return r.queryPoints(query, args...)
}

// FindRange returns all points for a user with start <= timestamp <= end in
// ascending time order.
func (r *RawPointRepository) FindRange(scope Scope, userID, start, end int64) ([]models.RawLocationPoint, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, timestamp, latitude, longitude, COALESCE(accuracy_meters, 0), processed, version
		FROM %s
		WHERE user_id = ? AND timestamp >= ? AND timestamp <= ?`, scope.Table("raw_location_points"))
	args := []interface{}{userID, start, end}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY timestamp ASC"

	return r.queryPoints(query, args...)
}

func (r *RawPointRepository) queryPoints(query string, args ...interface{}) ([]models.RawLocationPoint, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []models.RawLocationPoint
	for rows.Next() {
		var p models.RawLocationPoint
		if err := rows.Scan(&p.ID, &p.UserID, &p.Timestamp, &p.Latitude, &p.Longitude, &p.AccuracyMeters, &p.Processed, &p.Version); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// MarkProcessed flips the processed flag for the given point ids.
func (r *RawPointRepository) MarkProcessed(scope Scope, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE %s SET processed = 1, version = version + 1 WHERE id IN (", scope.Table("raw_location_points"))
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark points processed: %w", err)
	}
	return nil
}

// MarkUnprocessedRange clears the processed flag for all of a user's points
// inside [start, end]. Zero start and end clears the full history.
func (r *RawPointRepository) MarkUnprocessedRange(scope Scope, userID, start, end int64) error {
	query := fmt.Sprintf("UPDATE %s SET processed = 0, version = version + 1 WHERE user_id = ?", scope.Table("raw_location_points"))
	args := []interface{}{userID}
	if start != 0 || end != 0 {
		query += " AND timestamp >= ? AND timestamp < ?"
		args = append(args, start, end)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark points unprocessed: %w", err)
	}
	return nil
}

// ContainsDataAfter reports whether the user has any raw points at or after
// the given timestamp.
func (r *RawPointRepository) ContainsDataAfter(userID, since int64) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM raw_location_points WHERE user_id = ? AND timestamp >= ?",
		userID, since,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count points: %w", err)
	}
	return n > 0, nil
}

// ContainsDataBetween reports whether the user has any raw points in
// [start, end).
func (r *RawPointRepository) ContainsDataBetween(userID, start, end int64) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM raw_location_points WHERE user_id = ? AND timestamp >= ? AND timestamp < ?",
		userID, start, end,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count points: %w", err)
	}
	return n > 0, nil
}

// CopyRangeToPreview copies a user's live points inside (start, end] into the
// preview table under the given scope, with the processed flag cleared.
func (r *RawPointRepository) CopyRangeToPreview(scope Scope, userID, start, end int64) (int, error) {
	if !scope.IsPreview() {
		return 0, fmt.Errorf("copy requires a preview scope")
	}
	res, err := r.db.Exec(`
		INSERT INTO preview_raw_location_points
			(user_id, timestamp, latitude, longitude, accuracy_meters, processed, version, preview_id, preview_created_at)
		SELECT user_id, timestamp, latitude, longitude, accuracy_meters, 0, version, ?, ?
		FROM raw_location_points
		WHERE user_id = ? AND timestamp > ? AND timestamp <= ?`,
		scope.PreviewID, scope.PreviewCreatedAt, userID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to copy points to preview: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
