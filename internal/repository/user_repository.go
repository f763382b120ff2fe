package repository

import (
	"database/sql"
	"fmt"

	"github.com/karelvirta/timeline-backend-go/internal/models"
)

// UserRepository handles database operations for users
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user and returns it with its assigned id.
func (r *UserRepository) Create(user *models.User) error {
	result, err := r.db.Exec(
		"INSERT INTO users (username, display_name) VALUES (?, ?)",
		user.Username, user.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	user.ID = id
	return nil
}

// EnsureExists inserts a user row for the username unless one already
// exists. Account management lives outside this service; this only seeds
// the rows the pipeline references.
func (r *UserRepository) EnsureExists(username string) error {
	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO users (username, display_name) VALUES (?, ?)",
		username, username,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", username, err)
	}
	return nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(username string) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRow(
		"SELECT id, username, display_name FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return user, nil
}

// GetByID retrieves a user by id
func (r *UserRepository) GetByID(id int64) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRow(
		"SELECT id, username, display_name FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.Username, &user.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return user, nil
}

// List returns all users
func (r *UserRepository) List() ([]models.User, error) {
	rows, err := r.db.Query("SELECT id, username, display_name FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
