// Package partition maintains the ordered set of time-bucket databases.
//
// Buckets are half-open [from, to) ranges, non-overlapping and ordered by
// from. The set is read on every write and query but mutated only when a
// timestamp falls outside every existing bucket, so reads go through an
// RWMutex over an immutable slice that is replaced on change.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/storage/bucket"
)

var log = logging.Component("partition")

// namePrefix starts every bucket directory name. The full form is
// sensorvalues_<fromNanos>_<toNanos>.
const namePrefix = "sensorvalues"

// Index is the ordered set of open buckets.
type Index struct {
	mu      sync.RWMutex
	dir     string
	period  time.Duration
	buckets []*bucket.Store // ascending by From, replaced on change

	create singleflight.Group
}

// Open scans dir for existing bucket databases and opens them. A directory
// whose name does not parse as bucket bounds is logged and skipped; this
// tolerates partially written or foreign directories.
func Open(dir string, period time.Duration) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read buckets dir: %w", err)
	}

	ix := &Index{dir: dir, period: period}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		from, to, ok := parseBucketName(entry.Name())
		if !ok {
			log.Warn("skipping unrecognized directory", "name", entry.Name())
			continue
		}
		b, err := bucket.Open(filepath.Join(dir, entry.Name()), from, to)
		if err != nil {
			return nil, fmt.Errorf("open existing bucket %s: %w", entry.Name(), err)
		}
		ix.buckets = append(ix.buckets, b)
	}

	sort.Slice(ix.buckets, func(i, j int) bool {
		return ix.buckets[i].From().Before(ix.buckets[j].From())
	})

	log.Info("partition index opened", "buckets", len(ix.buckets), "period", period)
	return ix, nil
}

// SelectForWrite returns the bucket whose range contains t, creating a new
// bucket when none does. Creation is the only implicit mutation path and
// is idempotent under concurrent writers: racers share a single creation
// and the losers adopt the winner's bucket.
func (ix *Index) SelectForWrite(t time.Time) (*bucket.Store, error) {
	if b := ix.lookup(t); b != nil {
		return b, nil
	}

	from, to := ix.alignRange(t)

	v, err, _ := ix.create.Do(strconv.FormatInt(from.UnixNano(), 10), func() (any, error) {
		return ix.createBucket(t, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.(*bucket.Store), nil
}

// SelectForRead returns every bucket intersecting [from, to], ascending by
// bucket start. A zero bound means unbounded on that side.
func (ix *Index) SelectForRead(from, to time.Time) []*bucket.Store {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*bucket.Store
	for _, b := range ix.buckets {
		if b.Overlaps(from, to) {
			out = append(out, b)
		}
	}
	return out
}

// All returns every open bucket, ascending by bucket start.
func (ix *Index) All() []*bucket.Store {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*bucket.Store, len(ix.buckets))
	copy(out, ix.buckets)
	return out
}

// Detach removes b from the set and closes it. The caller owns the
// on-disk directory afterwards; used by the retention worker before
// archiving and deleting an expired bucket.
func (ix *Index) Detach(b *bucket.Store) error {
	ix.mu.Lock()
	next := make([]*bucket.Store, 0, len(ix.buckets))
	for _, have := range ix.buckets {
		if have != b {
			next = append(next, have)
		}
	}
	ix.buckets = next
	ix.mu.Unlock()

	return b.Close()
}

// Close closes every bucket. The index must not be used after Close.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var firstErr error
	for _, b := range ix.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ix.buckets = nil
	return firstErr
}

// Count returns the number of open buckets.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.buckets)
}

func (ix *Index) lookup(t time.Time) *bucket.Store {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// Writes overwhelmingly target the newest bucket.
	for i := len(ix.buckets) - 1; i >= 0; i-- {
		if ix.buckets[i].Contains(t) {
			return ix.buckets[i]
		}
	}
	return nil
}

// alignRange truncates t to the bucket granularity.
func (ix *Index) alignRange(t time.Time) (from, to time.Time) {
	from = t.UTC().Truncate(ix.period)
	return from, from.Add(ix.period)
}

func (ix *Index) createBucket(t, from, to time.Time) (*bucket.Store, error) {
	// Another creator may have won between the lookup and the
	// singleflight slot.
	if b := ix.lookup(t); b != nil {
		return b, nil
	}

	// Discovered buckets may carry foreign bounds; clamp the aligned
	// range against neighbors so the set stays non-overlapping.
	ix.mu.RLock()
	for _, have := range ix.buckets {
		if !have.To().After(t) && have.To().After(from) {
			from = have.To()
		}
		if have.From().After(t) && have.From().Before(to) {
			to = have.From()
		}
	}
	ix.mu.RUnlock()

	dir := filepath.Join(ix.dir, bucketName(from, to))
	b, err := bucket.Open(dir, from, to)
	if err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	ix.mu.Lock()
	next := make([]*bucket.Store, 0, len(ix.buckets)+1)
	next = append(next, ix.buckets...)
	next = append(next, b)
	sort.Slice(next, func(i, j int) bool {
		return next[i].From().Before(next[j].From())
	})
	ix.buckets = next
	ix.mu.Unlock()

	log.Info("bucket created", "from", from, "to", to, "dir", dir)
	return b, nil
}

// =============================================================================
// Directory naming
// =============================================================================

func bucketName(from, to time.Time) string {
	return fmt.Sprintf("%s_%d_%d", namePrefix, from.UnixNano(), to.UnixNano())
}

func parseBucketName(name string) (from, to time.Time, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != namePrefix {
		return time.Time{}, time.Time{}, false
	}
	fromNanos, err1 := strconv.ParseInt(parts[1], 10, 64)
	toNanos, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || fromNanos >= toNanos {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(0, fromNanos).UTC(), time.Unix(0, toNanos).UTC(), true
}
