package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
)

// Product represents a monitored product (the top-level sensor grouping).
type Product struct {
	Name        string
	Description string
	AccessKey   string
	CreatedAt   time.Time
}

// AddProduct creates or replaces a product record.
func (s *Store) AddProduct(ctx context.Context, p Product) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO products (name, description, access_key, created_at)
		VALUES (?, ?, ?, ?)
	`, p.Name, p.Description, p.AccessKey, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product by name.
func (s *Store) GetProduct(ctx context.Context, name string) (*Product, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	p := &Product{}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, access_key, created_at
		FROM products WHERE name = ?
	`, name).Scan(&p.Name, &p.Description, &p.AccessKey, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrProductNotFound
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// ListProducts returns every product ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, access_key, created_at
		FROM products ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.Name, &p.Description, &p.AccessKey, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemoveProduct deletes a product record. Removing a missing product is a
// no-op so that a retried cascade stays idempotent.
func (s *Store) RemoveProduct(ctx context.Context, name string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}
