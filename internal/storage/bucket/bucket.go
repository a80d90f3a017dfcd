// Package bucket implements one time-bounded sensor sub-database.
//
// A bucket owns a single embedded KV database holding the raw points of
// every sensor for a fixed [from, to) time range. Keys order points by
// (product, path, time), so per-sensor range scans are contiguous.
package bucket

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/storage/kv"
	"github.com/xtxerr/vigil/internal/storage/types"
)

// Store is a single time-bounded sub-database.
type Store struct {
	from time.Time
	to   time.Time
	dir  string
	db   kv.Store
}

// Open opens (or creates) the bucket database at dir covering [from, to).
// The returned Store owns the underlying database handle exclusively.
func Open(dir string, from, to time.Time) (*Store, error) {
	db, err := kv.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open bucket [%s, %s): %w", from, to, err)
	}
	return &Store{from: from, to: to, dir: dir, db: db}, nil
}

// From returns the inclusive lower bound of the bucket's time range.
func (s *Store) From() time.Time { return s.from }

// To returns the exclusive upper bound of the bucket's time range.
func (s *Store) To() time.Time { return s.to }

// Dir returns the bucket's on-disk directory.
func (s *Store) Dir() string { return s.dir }

// Contains reports whether t falls inside the bucket's range.
func (s *Store) Contains(t time.Time) bool {
	return !t.Before(s.from) && t.Before(s.to)
}

// Overlaps reports whether the bucket's range intersects [from, to].
// A zero from or to means unbounded on that side.
func (s *Store) Overlaps(from, to time.Time) bool {
	// Skip too old data.
	if !to.IsZero() && s.from.After(to) {
		return false
	}
	// Skip too new data.
	if !from.IsZero() && !s.to.After(from) {
		return false
	}
	return true
}

// Put writes a point. A duplicate (product, path, time) key overwrites the
// earlier point.
func (s *Store) Put(p types.Point) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.db.Put(pointKey(p.Product, p.Path, p.Time), data); err != nil {
		return fmt.Errorf("bucket put %s/%s: %w", p.Product, p.Path, err)
	}
	return nil
}

// Scan iterates the points of one sensor within [from, to] in ascending
// time order, calling fn for each. Iteration stops when fn returns false
// or ctx is cancelled; cancellation returns ctx.Err().
func (s *Store) Scan(ctx context.Context, product, path string, from, to time.Time, fn func(types.Point) bool) error {
	start, limit := scanBounds(product, path, from, to)

	var decodeErr error
	err := s.db.Scan(start, limit, func(key, value []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		p, err := types.DecodePoint(product, path, value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(p)
	})
	if err != nil {
		return err
	}
	if decodeErr != nil {
		return decodeErr
	}
	return ctx.Err()
}

// Points collects the points of one sensor within [from, to].
func (s *Store) Points(ctx context.Context, product, path string, from, to time.Time) ([]types.Point, error) {
	var out []types.Point
	err := s.Scan(ctx, product, path, from, to, func(p types.Point) bool {
		out = append(out, p)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanAll iterates every point in the bucket across all sensors, grouped
// by (product, path) and ascending by time within each sensor. Used by the
// retention archiver.
func (s *Store) ScanAll(ctx context.Context, fn func(types.Point) bool) error {
	var decodeErr error
	err := s.db.Scan(nil, nil, func(key, value []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		product, path, ok := parseKey(key)
		if !ok {
			// Foreign key shape; skip rather than fail the export.
			return true
		}
		p, err := types.DecodePoint(product, path, value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(p)
	})
	if err != nil {
		return err
	}
	if decodeErr != nil {
		return decodeErr
	}
	return ctx.Err()
}

// Latest returns the newest point of a sensor in this bucket, or nil when
// the bucket holds no data for it.
func (s *Store) Latest(product, path string) (*types.Point, error) {
	prefix := seriesPrefix(product, path)

	var (
		found     *types.Point
		decodeErr error
	)
	err := s.db.ScanReverse(prefix, kv.PrefixLimit(prefix), func(key, value []byte) bool {
		p, err := types.DecodePoint(product, path, value)
		if err != nil {
			decodeErr = err
			return false
		}
		found = &p
		return false
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return found, nil
}

// DeleteAll removes every point of a sensor from this bucket only. The
// storage engine fans the call out across all buckets.
func (s *Store) DeleteAll(product, path string) error {
	prefix := seriesPrefix(product, path)

	var keys [][]byte
	err := s.db.Scan(prefix, kv.PrefixLimit(prefix), func(key, value []byte) bool {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return fmt.Errorf("bucket delete scan %s/%s: %w", product, path, err)
	}

	for _, k := range keys {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("bucket delete %s/%s: %w", product, path, err)
		}
	}
	return nil
}

// Size returns the stored payload bytes of one sensor in this bucket.
// Used for storage telemetry, not correctness-critical.
func (s *Store) Size(product, path string) (int64, error) {
	prefix := seriesPrefix(product, path)

	var size int64
	err := s.db.Scan(prefix, kv.PrefixLimit(prefix), func(key, value []byte) bool {
		size += int64(len(value))
		return true
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// Close releases the bucket database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bucket %s: %w", s.dir, err)
	}
	return nil
}

// =============================================================================
// Key encoding
// =============================================================================

// Point keys are product 0x00 path 0x00 time, with the timestamp encoded
// as a sign-flipped big-endian int64 nanosecond count so lexicographic key
// order equals chronological order. Product and path cannot contain NUL
// (rejected by validation), so the separators are unambiguous.

func seriesPrefix(product, path string) []byte {
	key := make([]byte, 0, len(product)+len(path)+2)
	key = append(key, product...)
	key = append(key, 0)
	key = append(key, path...)
	key = append(key, 0)
	return key
}

func pointKey(product, path string, t time.Time) []byte {
	key := seriesPrefix(product, path)
	return appendTime(key, t)
}

func appendTime(key []byte, t time.Time) []byte {
	// Flipping the sign bit keeps pre-1970 timestamps ordered below
	// post-1970 ones in unsigned byte comparison.
	return binary.BigEndian.AppendUint64(key, uint64(t.UnixNano())^(1<<63))
}

func parseKey(key []byte) (product, path string, ok bool) {
	first := -1
	for i, b := range key {
		if b != 0 {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		// The remaining 8 bytes are the timestamp.
		if len(key)-i-1 != 8 {
			return "", "", false
		}
		return string(key[:first]), string(key[first+1 : i]), true
	}
	return "", "", false
}

func scanBounds(product, path string, from, to time.Time) (start, limit []byte) {
	prefix := seriesPrefix(product, path)

	if from.IsZero() {
		start = prefix
	} else {
		start = appendTime(seriesPrefix(product, path), from)
	}

	if to.IsZero() {
		limit = kv.PrefixLimit(prefix)
	} else {
		// KV ranges are half-open; to is inclusive, so bump by one tick.
		limit = appendTime(seriesPrefix(product, path), to.Add(time.Nanosecond))
	}
	return start, limit
}

// ErrCorrupt reports whether err indicates an unreadable bucket, which
// fails reads for this bucket only.
func ErrCorrupt(err error) bool {
	return errors.Is(err, errors.ErrBucketCorrupt)
}
