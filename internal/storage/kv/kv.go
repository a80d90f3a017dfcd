// Package kv abstracts the embedded ordered key-value engine used by the
// bucket and journal databases. The engine itself is an external concern;
// everything above this package depends only on the Store interface.
package kv

// Store is an embedded ordered key-value store with range-scan support.
// Keys iterate in lexicographic byte order. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key. Returns errors.ErrNotFound when the
	// key does not exist.
	Get(key []byte) ([]byte, error)

	// Put writes a key-value pair, overwriting an existing value.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is a no-op.
	Delete(key []byte) error

	// Scan iterates entries in [start, limit) in ascending key order and
	// calls fn for each. Iteration stops when fn returns false. A nil
	// limit means "to the end of the keyspace".
	Scan(start, limit []byte, fn func(key, value []byte) bool) error

	// ScanReverse iterates entries in [start, limit) in descending key
	// order.
	ScanReverse(start, limit []byte, fn func(key, value []byte) bool) error

	// Close releases the underlying database. The store must not be used
	// after Close.
	Close() error
}

// PrefixLimit returns the smallest key greater than every key with the
// given prefix, for use as a Scan limit. Returns nil when no such key
// exists (the prefix is all 0xff).
func PrefixLimit(prefix []byte) []byte {
	limit := make([]byte, len(prefix))
	copy(limit, prefix)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}
