// Package retention handles expiry of old bucket databases.
//
// A bucket is expired when its whole range is older than the retention
// horizon. Expired buckets are optionally exported to the Parquet archive,
// then detached from the partition index and deleted. This worker is the
// only path that ever destroys a bucket.
package retention

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/storage/archive"
	"github.com/xtxerr/vigil/internal/storage/partition"
)

var log = logging.Component("retention")

// Manager finds and removes expired buckets.
type Manager struct {
	mu     sync.Mutex
	cfg    config.RetentionConfig
	index  *partition.Index
	writer *archive.Writer

	stats Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime     time.Time
	BucketsDeleted  int64
	BucketsArchived int64
	RowsArchived    int64
	Errors          int64
}

// CleanupResult holds the outcome for one expired bucket.
type CleanupResult struct {
	Dir          string
	From         time.Time
	To           time.Time
	RowsArchived int64
	Deleted      bool
	Err          error
}

// New creates a retention manager. The writer may be nil when archiving is
// disabled.
func New(cfg config.RetentionConfig, index *partition.Index, writer *archive.Writer) *Manager {
	return &Manager{cfg: cfg, index: index, writer: writer}
}

// RunCleanup archives and deletes every expired bucket.
func (m *Manager) RunCleanup(ctx context.Context) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = time.Now()
	horizon := time.Now().Add(-m.cfg.MaxAge.Duration())

	var results []CleanupResult
	for _, b := range m.index.All() {
		if b.To().After(horizon) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		result := CleanupResult{Dir: b.Dir(), From: b.From(), To: b.To()}

		if m.cfg.Archive && m.writer != nil {
			rows, err := m.writer.ExportBucket(ctx, b)
			if err != nil {
				// Keep the bucket; the next run retries the export.
				result.Err = err
				results = append(results, result)
				m.stats.Errors++
				log.Error("bucket archive failed", "dir", b.Dir(), "error", err)
				continue
			}
			result.RowsArchived = rows
			m.stats.BucketsArchived++
			m.stats.RowsArchived += rows
		}

		if err := m.index.Detach(b); err != nil {
			log.Warn("close expired bucket", "dir", b.Dir(), "error", err)
		}
		if err := os.RemoveAll(b.Dir()); err != nil {
			result.Err = err
			m.stats.Errors++
			log.Error("delete expired bucket", "dir", b.Dir(), "error", err)
		} else {
			result.Deleted = true
			m.stats.BucketsDeleted++
			log.Info("expired bucket removed", "from", b.From(), "to", b.To(), "rows_archived", result.RowsArchived)
		}

		results = append(results, result)
	}

	return results
}

// DryRun reports which buckets would be removed without touching them.
func (m *Manager) DryRun() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := time.Now().Add(-m.cfg.MaxAge.Duration())

	var results []CleanupResult
	for _, b := range m.index.All() {
		if b.To().After(horizon) {
			continue
		}
		results = append(results, CleanupResult{Dir: b.Dir(), From: b.From(), To: b.To()})
	}
	return results
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
