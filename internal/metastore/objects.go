package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/errors"
)

// =============================================================================
// Named configuration objects
// =============================================================================

// ConfigObject is a named configuration value persisted across restarts.
type ConfigObject struct {
	Name      string
	Value     string
	UpdatedAt time.Time
}

// WriteConfigObject creates or replaces a configuration object.
func (s *Store) WriteConfigObject(ctx context.Context, obj ConfigObject) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO config_objects (name, value, updated_at)
		VALUES (?, ?, ?)
	`, obj.Name, obj.Value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write config object: %w", err)
	}
	return nil
}

// ReadConfigObject retrieves a configuration object by name.
func (s *Store) ReadConfigObject(ctx context.Context, name string) (*ConfigObject, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	obj := &ConfigObject{}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, value, updated_at FROM config_objects WHERE name = ?
	`, name).Scan(&obj.Name, &obj.Value, &obj.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("read config object: %w", err)
	}
	return obj, nil
}

// RemoveConfigObject deletes a configuration object. No-op when missing.
func (s *Store) RemoveConfigObject(ctx context.Context, name string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM config_objects WHERE name = ?`, name); err != nil {
		return fmt.Errorf("remove config object: %w", err)
	}
	return nil
}

// =============================================================================
// Registration tickets
// =============================================================================

// Ticket is a one-time registration ticket issued for a product role.
type Ticket struct {
	ID        uuid.UUID
	Product   string
	Role      string
	ExpiresAt time.Time
}

// WriteTicket persists a registration ticket.
func (s *Store) WriteTicket(ctx context.Context, t Ticket) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tickets (id, product, role, expires_at)
		VALUES (?, ?, ?, ?)
	`, t.ID.String(), t.Product, t.Role, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("write ticket: %w", err)
	}
	return nil
}

// ReadTicket retrieves a registration ticket by id.
func (s *Store) ReadTicket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		t     Ticket
		rawID string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product, role, expires_at FROM tickets WHERE id = ?
	`, id.String()).Scan(&rawID, &t.Product, &t.Role, &t.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTicketNotFound
		}
		return nil, fmt.Errorf("read ticket: %w", err)
	}

	t.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse ticket id: %w", err)
	}
	return &t, nil
}

// RemoveTicket deletes a registration ticket. No-op when missing.
func (s *Store) RemoveTicket(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("remove ticket: %w", err)
	}
	return nil
}

// =============================================================================
// Single-value sensor content
// =============================================================================

// LatestValue is the stored content of a single-value-only sensor (file
// sensors keep only their newest value due to payload size).
type LatestValue struct {
	Product  string
	Path     string
	Received time.Time
	Payload  []byte
}

// PutLatestValue stores the newest value of a single-value-only sensor,
// replacing the previous one.
func (s *Store) PutLatestValue(ctx context.Context, v LatestValue) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO latest_values (product, path, received, payload)
		VALUES (?, ?, ?, ?)
	`, v.Product, v.Path, v.Received, v.Payload)
	if err != nil {
		return fmt.Errorf("put latest value: %w", err)
	}
	return nil
}

// GetLatestValue retrieves the stored value of a single-value-only sensor.
func (s *Store) GetLatestValue(ctx context.Context, product, path string) (*LatestValue, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	v := &LatestValue{}
	err := s.db.QueryRowContext(ctx, `
		SELECT product, path, received, payload FROM latest_values
		WHERE product = ? AND path = ?
	`, product, path).Scan(&v.Product, &v.Path, &v.Received, &v.Payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("get latest value: %w", err)
	}
	return v, nil
}
