package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/storage/types"
)

// AddSensor registers a sensor. An existing registration for the same
// (product, path) is replaced.
func (s *Store) AddSensor(ctx context.Context, info types.SensorInfo) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sensors (product, path, type, description, ttl_seconds, last_received, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, info.Product, info.Path, info.Type.String(), info.Description,
		int64(info.TTL.Seconds()), nullableTime(info.LastReceived), info.Created)
	if err != nil {
		return fmt.Errorf("insert sensor: %w", err)
	}
	return nil
}

// GetSensor retrieves a sensor registration.
func (s *Store) GetSensor(ctx context.Context, product, path string) (*types.SensorInfo, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT product, path, type, description, ttl_seconds, last_received, created_at
		FROM sensors WHERE product = ? AND path = ?
	`, product, path)

	info, err := scanSensor(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrSensorNotFound
		}
		return nil, fmt.Errorf("select sensor: %w", err)
	}
	return info, nil
}

// SensorExists reports whether a sensor is registered.
func (s *Store) SensorExists(ctx context.Context, product, path string) (bool, error) {
	_, err := s.GetSensor(ctx, product, path)
	if err != nil {
		if errors.Is(err, errors.ErrSensorNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSensors returns every sensor of a product ordered by path.
func (s *Store) ListSensors(ctx context.Context, product string) ([]types.SensorInfo, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product, path, type, description, ttl_seconds, last_received, created_at
		FROM sensors WHERE product = ? ORDER BY path
	`, product)
	if err != nil {
		return nil, fmt.Errorf("select sensors: %w", err)
	}
	defer rows.Close()

	var out []types.SensorInfo
	for rows.Next() {
		info, err := scanSensor(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// ListSensorsWithTTL returns every sensor that has a timeout configured,
// for the periodic TTL check.
func (s *Store) ListSensorsWithTTL(ctx context.Context) ([]types.SensorInfo, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product, path, type, description, ttl_seconds, last_received, created_at
		FROM sensors WHERE ttl_seconds > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("select ttl sensors: %w", err)
	}
	defer rows.Close()

	var out []types.SensorInfo
	for rows.Next() {
		info, err := scanSensor(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// TouchSensor updates the sensor's last-received timestamp.
func (s *Store) TouchSensor(ctx context.Context, product, path string, received time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sensors SET last_received = ? WHERE product = ? AND path = ?
	`, received, product, path)
	if err != nil {
		return fmt.Errorf("touch sensor: %w", err)
	}
	return nil
}

// RemoveSensor deletes a sensor registration and its latest-only value.
// Removing a missing sensor is a no-op.
func (s *Store) RemoveSensor(ctx context.Context, product, path string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensors WHERE product = ? AND path = ?`, product, path); err != nil {
		return fmt.Errorf("delete sensor: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM latest_values WHERE product = ? AND path = ?`, product, path); err != nil {
		return fmt.Errorf("delete latest value: %w", err)
	}
	return nil
}

func scanSensor(scan func(...any) error) (*types.SensorInfo, error) {
	var (
		info         types.SensorInfo
		typeName     string
		ttlSeconds   int64
		lastReceived sql.NullTime
	)
	err := scan(&info.Product, &info.Path, &typeName, &info.Description,
		&ttlSeconds, &lastReceived, &info.Created)
	if err != nil {
		return nil, err
	}

	sensorType, err := types.ParseSensorType(typeName)
	if err != nil {
		return nil, err
	}
	info.Type = sensorType
	info.TTL = time.Duration(ttlSeconds) * time.Second
	if lastReceived.Valid {
		info.LastReceived = lastReceived.Time
	}
	return &info, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
