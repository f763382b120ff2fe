package database

import (
	"database/sql"
	"fmt"
	"log"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered, in-code migration list. Append only.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "users",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	{
		Version: 2,
		Name:    "raw_location_points",
		SQL: `
		CREATE TABLE IF NOT EXISTS raw_location_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			timestamp INTEGER NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy_meters REAL,
			processed INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE (user_id, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_raw_points_user_unprocessed
			ON raw_location_points (user_id, processed, timestamp);`,
	},
	{
		Version: 3,
		Name:    "significant_places",
		SQL: `
		CREATE TABLE IF NOT EXISTS significant_places (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			name TEXT,
			address TEXT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			country_code TEXT,
			type TEXT NOT NULL DEFAULT 'OTHER',
			geocoded INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_places_user ON significant_places (user_id);`,
	},
	{
		Version: 4,
		Name:    "visits_and_processed_visits",
		SQL: `
		CREATE TABLE IF NOT EXISTS visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			place_id INTEGER REFERENCES significant_places(id),
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_visits_user_time ON visits (user_id, start_time);

		CREATE TABLE IF NOT EXISTS processed_visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			place_id INTEGER NOT NULL REFERENCES significant_places(id),
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE (user_id, start_time, end_time)
		);
		CREATE INDEX IF NOT EXISTS idx_processed_visits_user_time
			ON processed_visits (user_id, start_time);`,
	},
	{
		Version: 5,
		Name:    "trips",
		SQL: `
		CREATE TABLE IF NOT EXISTS trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			start_visit_id INTEGER REFERENCES processed_visits(id),
			end_visit_id INTEGER REFERENCES processed_visits(id),
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			estimated_distance_meters REAL NOT NULL DEFAULT 0,
			travelled_distance_meters REAL NOT NULL DEFAULT 0,
			transport_mode_inferred TEXT NOT NULL DEFAULT 'UNKNOWN',
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE (user_id, start_time, end_time)
		);
		CREATE INDEX IF NOT EXISTS idx_trips_user_time ON trips (user_id, start_time);`,
	},
	{
		Version: 6,
		Name:    "detection_parameters",
		SQL: `
		CREATE TABLE IF NOT EXISTS detection_parameters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			valid_since INTEGER,
			detection_search_distance_meters REAL NOT NULL,
			detection_minimum_adjacent_points INTEGER NOT NULL,
			detection_minimum_stay_time_seconds INTEGER NOT NULL,
			detection_max_merge_gap_seconds INTEGER NOT NULL,
			merging_search_window_hours INTEGER NOT NULL,
			merging_max_merge_gap_seconds INTEGER NOT NULL,
			merging_min_distance_meters REAL NOT NULL,
			needs_recalculation INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, valid_since)
		);`,
	},
	{
		Version: 7,
		Name:    "preview_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS preview_raw_location_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy_meters REAL,
			processed INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL,
			UNIQUE (preview_id, user_id, timestamp)
		);
		CREATE TABLE IF NOT EXISTS preview_significant_places (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT,
			address TEXT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			country_code TEXT,
			type TEXT NOT NULL DEFAULT 'OTHER',
			geocoded INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS preview_visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			place_id INTEGER,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS preview_processed_visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			place_id INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL,
			UNIQUE (preview_id, user_id, start_time, end_time)
		);
		CREATE TABLE IF NOT EXISTS preview_trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			start_visit_id INTEGER,
			end_visit_id INTEGER,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			estimated_distance_meters REAL NOT NULL DEFAULT 0,
			travelled_distance_meters REAL NOT NULL DEFAULT 0,
			transport_mode_inferred TEXT NOT NULL DEFAULT 'UNKNOWN',
			version INTEGER NOT NULL DEFAULT 1,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL,
			UNIQUE (preview_id, user_id, start_time, end_time)
		);
		CREATE TABLE IF NOT EXISTS preview_detection_parameters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			valid_since INTEGER,
			detection_search_distance_meters REAL NOT NULL,
			detection_minimum_adjacent_points INTEGER NOT NULL,
			detection_minimum_stay_time_seconds INTEGER NOT NULL,
			detection_max_merge_gap_seconds INTEGER NOT NULL,
			merging_search_window_hours INTEGER NOT NULL,
			merging_max_merge_gap_seconds INTEGER NOT NULL,
			merging_min_distance_meters REAL NOT NULL,
			needs_recalculation INTEGER NOT NULL DEFAULT 0,
			preview_id TEXT NOT NULL,
			preview_created_at INTEGER NOT NULL
		);`,
	},
	{
		Version: 8,
		Name:    "queue_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL,
			claimed_until INTEGER,
			last_error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_messages (queue, status, available_at);`,
	},
	{
		Version: 9,
		Name:    "processing_state",
		SQL: `
		CREATE TABLE IF NOT EXISTS processing_state (
			user_id INTEGER NOT NULL,
			preview_id TEXT NOT NULL DEFAULT '',
			running INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, preview_id)
		);`,
	},
	{
		Version: 10,
		Name:    "geocoding",
		SQL: `
		CREATE TABLE IF NOT EXISTS geocode_providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			url_template TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS geocode_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id INTEGER NOT NULL REFERENCES geocode_providers(id),
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			status TEXT NOT NULL,
			raw_response TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	},
}

// Migrate applies all pending migrations in version order.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := db.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}

	return nil
}
