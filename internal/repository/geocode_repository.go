package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// GeocodeRepository handles database operations for geocoding providers and
// the request audit trail
type GeocodeRepository struct {
	db *sql.DB
}

// NewGeocodeRepository creates a new geocode repository
func NewGeocodeRepository(db *sql.DB) *GeocodeRepository {
	return &GeocodeRepository{db: db}
}

// CreateProvider registers a new provider. New providers start enabled with a
// clean error count.
func (r *GeocodeRepository) CreateProvider(p *models.GeocodeProvider) error {
	res, err := r.db.Exec(`
		INSERT INTO geocode_providers (name, url_template, enabled, error_count, last_used)
		VALUES (?, ?, 1, 0, 0)`,
		p.Name, p.URLTemplate)
	if err != nil {
		return fmt.Errorf("failed to create geocode provider: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	p.Enabled = true
	p.ErrorCount = 0
	return nil
}

// FindEnabled returns the enabled providers, least recently used first.
func (r *GeocodeRepository) FindEnabled() ([]models.GeocodeProvider, error) {
	rows, err := r.db.Query(`
		SELECT id, name, url_template, enabled, error_count, last_used
		FROM geocode_providers
		WHERE enabled = 1
		ORDER BY last_used ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query geocode providers: %w", err)
	}
	defer rows.Close()
	return scanProviders(rows)
}

// ListProviders returns every provider regardless of state.
func (r *GeocodeRepository) ListProviders() ([]models.GeocodeProvider, error) {
	rows, err := r.db.Query(`
		SELECT id, name, url_template, enabled, error_count, last_used
		FROM geocode_providers
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list geocode providers: %w", err)
	}
	defer rows.Close()
	return scanProviders(rows)
}

func scanProviders(rows *sql.Rows) ([]models.GeocodeProvider, error) {
	var providers []models.GeocodeProvider
	for rows.Next() {
		var p models.GeocodeProvider
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.URLTemplate, &enabled, &p.ErrorCount, &p.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan geocode provider: %w", err)
		}
		p.Enabled = enabled != 0
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// MarkUsed bumps the provider's last-used time so rotation moves on.
func (r *GeocodeRepository) MarkUsed(providerID int64) error {
	_, err := r.db.Exec(`UPDATE geocode_providers SET last_used = ? WHERE id = ?`,
		time.Now().Unix(), providerID)
	if err != nil {
		return fmt.Errorf("failed to mark provider used: %w", err)
	}
	return nil
}

// RecordSuccess resets the provider's consecutive error count.
func (r *GeocodeRepository) RecordSuccess(providerID int64) error {
	_, err := r.db.Exec(`UPDATE geocode_providers SET error_count = 0 WHERE id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("failed to record provider success: %w", err)
	}
	return nil
}

// RecordError increments the provider's consecutive error count and disables
// it once maxErrors is reached.
func (r *GeocodeRepository) RecordError(providerID int64, maxErrors int) error {
	_, err := r.db.Exec(`
		UPDATE geocode_providers
		SET error_count = error_count + 1,
		    enabled = CASE WHEN error_count + 1 >= ? THEN 0 ELSE enabled END
		WHERE id = ?`,
		maxErrors, providerID)
	if err != nil {
		return fmt.Errorf("failed to record provider error: %w", err)
	}
	return nil
}

// ResetProvider re-enables a provider and clears its error count.
func (r *GeocodeRepository) ResetProvider(providerID int64) error {
	res, err := r.db.Exec(`
		UPDATE geocode_providers SET enabled = 1, error_count = 0 WHERE id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("failed to reset provider %d: %w", providerID, err)
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

// Audit records the outcome of one reverse-geocoding call.
func (r *GeocodeRepository) Audit(providerID int64, lat, lng float64, status, rawResponse string) error {
	_, err := r.db.Exec(`
		INSERT INTO geocode_audit (provider_id, latitude, longitude, status, raw_response)
		VALUES (?, ?, ?, ?, ?)`,
		providerID, lat, lng, status, rawResponse)
	if err != nil {
		return fmt.Errorf("failed to write geocode audit: %w", err)
	}
	return nil
}
