package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
)

// User is a backend account. Authentication itself is an external concern;
// the metastore only persists the records.
type User struct {
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// AddUser creates or replaces a user record.
func (s *Store) AddUser(ctx context.Context, u User) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?)
	`, u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, is_admin, created_at
		FROM users WHERE username = ?
	`, username).Scan(&u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

// ListUsersPage returns one page of users ordered by username. Pages are
// one-based.
func (s *Store) ListUsersPage(ctx context.Context, page, pageSize int) ([]User, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page and page size must be positive", errors.ErrInvalidConfig)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, is_admin, created_at
		FROM users ORDER BY username
		LIMIT ? OFFSET ?
	`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RemoveUser deletes a user record. Removing a missing user is a no-op.
func (s *Store) RemoveUser(ctx context.Context, username string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
