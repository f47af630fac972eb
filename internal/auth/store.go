package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/portcullis/internal/validation"
)

var (
	// ErrIdentityMismatch means the user id does not exist or belongs to
	// a different token subject. Callers map this to 403.
	ErrIdentityMismatch = errors.New("user not found in system or id mismatch")

	// ErrUserNotFound is returned for lookups of ids that do not exist.
	ErrUserNotFound = errors.New("user not found")
)

// User is a row in the user directory.
type User struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// UserStore maps token subjects to user ids with a SQLite backend.
type UserStore struct {
	db *sql.DB
}

// NewUserStore opens (creating if needed) the user directory at dbPath.
func NewUserStore(dbPath string) (*UserStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &UserStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *UserStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		display_name TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_users_subject ON users(subject);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *UserStore) Close() error {
	return s.db.Close()
}

// CreateUser registers a user id for a token subject. An empty id gets
// a generated one.
func (s *UserStore) CreateUser(ctx context.Context, id, subject, displayName string) (*User, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := validation.ValidateUserID(id); err != nil {
		return nil, err
	}

	user := &User{
		ID:          id,
		Subject:     subject,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, subject, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Subject, user.DisplayName, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	return user, nil
}

// VerifyIdentity checks that userID exists and belongs to subject.
// Returns ErrIdentityMismatch when it does not; any other error means
// the directory itself could not be consulted.
func (s *UserStore) VerifyIdentity(ctx context.Context, subject, userID string) error {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT subject FROM users WHERE id = ?`, userID).Scan(&stored)
	if err == sql.ErrNoRows {
		return ErrIdentityMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to query user %s: %w", userID, err)
	}
	if stored != subject {
		return ErrIdentityMismatch
	}

	// Update last seen time
	go s.touchUser(userID)

	return nil
}

func (s *UserStore) touchUser(userID string) {
	_, _ = s.db.Exec(`UPDATE users SET last_seen_at = ? WHERE id = ?`, time.Now(), userID)
}

// GetUser returns a user by id
func (s *UserStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	var displayName sql.NullString
	var lastSeenAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, display_name, created_at, last_seen_at FROM users WHERE id = ?`,
		userID,
	).Scan(&user.ID, &user.Subject, &displayName, &user.CreatedAt, &lastSeenAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if displayName.Valid {
		user.DisplayName = displayName.String
	}
	if lastSeenAt.Valid {
		user.LastSeenAt = &lastSeenAt.Time
	}

	return &user, nil
}

// ListUsers returns all registered users, newest first.
func (s *UserStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, display_name, created_at, last_seen_at FROM users ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		var user User
		var displayName sql.NullString
		var lastSeenAt sql.NullTime

		if err := rows.Scan(&user.ID, &user.Subject, &displayName, &user.CreatedAt, &lastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		if displayName.Valid {
			user.DisplayName = displayName.String
		}
		if lastSeenAt.Valid {
			user.LastSeenAt = &lastSeenAt.Time
		}

		users = append(users, &user)
	}

	return users, rows.Err()
}

// DeleteUser removes a user from the directory
func (s *UserStore) DeleteUser(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}
