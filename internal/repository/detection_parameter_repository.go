package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// DetectionParameterRepository handles database operations for detection
// parameter windows
type DetectionParameterRepository struct {
	db *sql.DB
}

// NewDetectionParameterRepository creates a new detection parameter repository
func NewDetectionParameterRepository(db *sql.DB) *DetectionParameterRepository {
	return &DetectionParameterRepository{db: db}
}

const paramColumns = `id, user_id, valid_since,
	detection_search_distance_meters, detection_minimum_adjacent_points,
	detection_minimum_stay_time_seconds, detection_max_merge_gap_seconds,
	merging_search_window_hours, merging_max_merge_gap_seconds, merging_min_distance_meters,
	needs_recalculation`

// Create inserts a new parameter window.
func (r *DetectionParameterRepository) Create(scope Scope, p *models.DetectionParameter) error {
	var (
		res sql.Result
		err error
	)
	if scope.IsPreview() {
		res, err = r.db.Exec(`
			INSERT INTO preview_detection_parameters
				(user_id, valid_since,
				 detection_search_distance_meters, detection_minimum_adjacent_points,
				 detection_minimum_stay_time_seconds, detection_max_merge_gap_seconds,
				 merging_search_window_hours, merging_max_merge_gap_seconds, merging_min_distance_meters,
				 needs_recalculation, preview_id, preview_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UserID, p.ValidSince,
			p.VisitDetection.SearchDistanceMeters, p.VisitDetection.MinAdjacentPoints,
			p.VisitDetection.MinStayTimeSeconds, p.VisitDetection.MaxMergeGapSeconds,
			p.VisitMerging.SearchWindowHours, p.VisitMerging.MaxMergeGapSeconds, p.VisitMerging.MinDistanceMeters,
			boolToInt(p.NeedsRecalculation), scope.PreviewID, scope.PreviewCreatedAt)
	} else {
		res, err = r.db.Exec(`
			INSERT INTO detection_parameters
				(user_id, valid_since,
				 detection_search_distance_meters, detection_minimum_adjacent_points,
				 detection_minimum_stay_time_seconds, detection_max_merge_gap_seconds,
				 merging_search_window_hours, merging_max_merge_gap_seconds, merging_min_distance_meters,
				 needs_recalculation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UserID, p.ValidSince,
			p.VisitDetection.SearchDistanceMeters, p.VisitDetection.MinAdjacentPoints,
			p.VisitDetection.MinStayTimeSeconds, p.VisitDetection.MaxMergeGapSeconds,
			p.VisitMerging.SearchWindowHours, p.VisitMerging.MaxMergeGapSeconds, p.VisitMerging.MinDistanceMeters,
			boolToInt(p.NeedsRecalculation))
	}
	if err != nil {
		return fmt.Errorf("failed to create detection parameter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// FindAll returns a user's parameter windows, newest validity first with the
// default (nil valid_since) window last.
func (r *DetectionParameterRepository) FindAll(scope Scope, userID int64) ([]models.DetectionParameter, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ?", paramColumns, scope.Table("detection_parameters"))
	args := []interface{}{userID}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY valid_since IS NULL ASC, valid_since DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection parameters: %w", err)
	}
	defer rows.Close()

	var params []models.DetectionParameter
	for rows.Next() {
		p, err := scanParam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection parameter: %w", err)
		}
		params = append(params, *p)
	}
	return params, rows.Err()
}

// GetByID fetches a single parameter window or ErrNotFound.
func (r *DetectionParameterRepository) GetByID(scope Scope, id int64) (*models.DetectionParameter, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", paramColumns, scope.Table("detection_parameters"))
	args := []interface{}{id}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	p, err := scanParam(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection parameter %d: %w", id, err)
	}
	return p, nil
}

// FindCurrentAt returns the window governing time t: the latest window with
// valid_since <= t, falling back to the default window, then to the built-in
// defaults when the user has no rows at all.
func (r *DetectionParameterRepository) FindCurrentAt(scope Scope, userID, t int64) (*models.DetectionParameter, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = ? AND (valid_since IS NULL OR valid_since <= ?)`,
		paramColumns, scope.Table("detection_parameters"))
	args := []interface{}{userID, t}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY valid_since IS NULL ASC, valid_since DESC LIMIT 1"

	p, err := scanParam(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return models.DefaultDetectionParameter(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find current detection parameter: %w", err)
	}
	return p, nil
}

// Update overwrites the threshold values and flags of an existing window.
func (r *DetectionParameterRepository) Update(scope Scope, p *models.DetectionParameter) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			valid_since = ?,
			detection_search_distance_meters = ?, detection_minimum_adjacent_points = ?,
			detection_minimum_stay_time_seconds = ?, detection_max_merge_gap_seconds = ?,
			merging_search_window_hours = ?, merging_max_merge_gap_seconds = ?, merging_min_distance_meters = ?,
			needs_recalculation = ?
		WHERE id = ?`, scope.Table("detection_parameters"))
	res, err := r.db.Exec(query,
		p.ValidSince,
		p.VisitDetection.SearchDistanceMeters, p.VisitDetection.MinAdjacentPoints,
		p.VisitDetection.MinStayTimeSeconds, p.VisitDetection.MaxMergeGapSeconds,
		p.VisitMerging.SearchWindowHours, p.VisitMerging.MaxMergeGapSeconds, p.VisitMerging.MinDistanceMeters,
		boolToInt(p.NeedsRecalculation), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update detection parameter %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a non-default window. The default window cannot be deleted.
func (r *DetectionParameterRepository) Delete(scope Scope, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND valid_since IS NOT NULL", scope.Table("detection_parameters"))
	res, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete detection parameter %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindFlagged returns the windows of a user marked as needing recalculation.
func (r *DetectionParameterRepository) FindFlagged(scope Scope, userID int64) ([]models.DetectionParameter, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = ? AND needs_recalculation = 1`,
		paramColumns, scope.Table("detection_parameters"))
	args := []interface{}{userID}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY valid_since IS NULL DESC, valid_since ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged parameters: %w", err)
	}
	defer rows.Close()

	var params []models.DetectionParameter
	for rows.Next() {
		p, err := scanParam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection parameter: %w", err)
		}
		params = append(params, *p)
	}
	return params, rows.Err()
}

// ClearFlags resets needs_recalculation for every window of the user.
func (r *DetectionParameterRepository) ClearFlags(scope Scope, userID int64) error {
	query := fmt.Sprintf("UPDATE %s SET needs_recalculation = 0 WHERE user_id = ?", scope.Table("detection_parameters"))
	args := []interface{}{userID}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to clear recalculation flags: %w", err)
	}
	return nil
}

func scanParam(row rowScanner) (*models.DetectionParameter, error) {
	p := &models.DetectionParameter{}
	var validSince sql.NullInt64
	var needsRecalc int
	err := row.Scan(&p.ID, &p.UserID, &validSince,
		&p.VisitDetection.SearchDistanceMeters, &p.VisitDetection.MinAdjacentPoints,
		&p.VisitDetection.MinStayTimeSeconds, &p.VisitDetection.MaxMergeGapSeconds,
		&p.VisitMerging.SearchWindowHours, &p.VisitMerging.MaxMergeGapSeconds, &p.VisitMerging.MinDistanceMeters,
		&needsRecalc)
	if err != nil {
		return nil, err
	}
	if validSince.Valid {
		v := validSince.Int64
		p.ValidSince = &v
	}
	p.NeedsRecalculation = needsRecalc != 0
	return p, nil
}
