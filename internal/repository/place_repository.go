package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/spatial"
)

// PlaceRepository handles database operations for significant places
type PlaceRepository struct {
	db *sql.DB
}

// NewPlaceRepository creates a new place repository
func NewPlaceRepository(db *sql.DB) *PlaceRepository {
	return &PlaceRepository{db: db}
}

const placeColumns = "id, user_id, name, address, latitude, longitude, country_code, type, geocoded, version"

// Create inserts a new significant place and fills in its id.
func (r *PlaceRepository) Create(scope Scope, p *models.SignificantPlace) error {
	if p.Type == "" {
		p.Type = models.PlaceTypeOther
	}
	var (
		res sql.Result
		err error
	)
	if scope.IsPreview() {
		res, err = r.db.Exec(`
			INSERT INTO preview_significant_places
				(user_id, name, address, latitude, longitude, country_code, type, geocoded, version, preview_id, preview_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			p.UserID, p.Name, p.Address, p.Latitude, p.Longitude, p.CountryCode, p.Type, boolToInt(p.Geocoded),
			scope.PreviewID, scope.PreviewCreatedAt)
	} else {
		res, err = r.db.Exec(`
			INSERT INTO significant_places
				(user_id, name, address, latitude, longitude, country_code, type, geocoded, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			p.UserID, p.Name, p.Address, p.Latitude, p.Longitude, p.CountryCode, p.Type, boolToInt(p.Geocoded))
	}
	if err != nil {
		return fmt.Errorf("failed to create place: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	p.Version = 1
	return nil
}

// GetByID fetches a single place or ErrNotFound.
func (r *PlaceRepository) GetByID(scope Scope, id int64) (*models.SignificantPlace, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", placeColumns, scope.Table("significant_places"))
	args := []interface{}{id}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	p, err := scanPlace(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place %d: %w", id, err)
	}
	return p, nil
}

// FindNearest returns the user's place closest to the given point within
// radiusMeters, or ErrNotFound when none qualifies. A bounding box narrows
// the candidate set before the exact distance check.
func (r *PlaceRepository) FindNearest(scope Scope, userID int64, lat, lng, radiusMeters float64) (*models.SignificantPlace, error) {
	latDelta, lngDelta := spatial.BoundingBoxDeltas(lat, radiusMeters)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE user_id = ?
		  AND latitude BETWEEN ? AND ?
		  AND longitude BETWEEN ? AND ?`, placeColumns, scope.Table("significant_places"))
	args := []interface{}{userID, lat - latDelta, lat + latDelta, lng - lngDelta, lng + lngDelta}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby places: %w", err)
	}
	defer rows.Close()

	var best *models.SignificantPlace
	bestDist := radiusMeters
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan place: %w", err)
		}
		d := spatial.HaversineDistance(lat, lng, p.Latitude, p.Longitude)
		if d <= bestDist {
			best = p
			bestDist = d
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// FindUngeocoded returns places that have not been geocoded yet.
func (r *PlaceRepository) FindUngeocoded(scope Scope, limit int) ([]models.SignificantPlace, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE geocoded = 0", placeColumns, scope.Table("significant_places"))
	var args []interface{}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)
	return r.queryPlaces(query, args...)
}

// ListByUser returns all of a user's places ordered by id.
func (r *PlaceRepository) ListByUser(scope Scope, userID int64) ([]models.SignificantPlace, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ?", placeColumns, scope.Table("significant_places"))
	args := []interface{}{userID}
	if scope.IsPreview() {
		query += " AND preview_id = ?"
		args = append(args, scope.PreviewID)
	}
	query += " ORDER BY id ASC"
	return r.queryPlaces(query, args...)
}

func (r *PlaceRepository) queryPlaces(query string, args ...interface{}) ([]models.SignificantPlace, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query places: %w", err)
	}
	defer rows.Close()

	var places []models.SignificantPlace
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan place: %w", err)
		}
		places = append(places, *p)
	}
	return places, rows.Err()
}

// Update performs an optimistic-locked update of a place.
func (r *PlaceRepository) Update(scope Scope, p *models.SignificantPlace) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET name = ?, address = ?, latitude = ?, longitude = ?, country_code = ?, type = ?, geocoded = ?, version = version + 1
		WHERE id = ? AND version = ?`, scope.Table("significant_places"))
	res, err := r.db.Exec(query, p.Name, p.Address, p.Latitude, p.Longitude, p.CountryCode, p.Type, boolToInt(p.Geocoded), p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update place %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlace(row rowScanner) (*models.SignificantPlace, error) {
	p := &models.SignificantPlace{}
	var name, address, countryCode sql.NullString
	var geocoded int
	if err := row.Scan(&p.ID, &p.UserID, &name, &address, &p.Latitude, &p.Longitude, &countryCode, &p.Type, &geocoded, &p.Version); err != nil {
		return nil, err
	}
	p.Name = name.String
	p.Address = address.String
	p.CountryCode = countryCode.String
	p.Geocoded = geocoded != 0
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
