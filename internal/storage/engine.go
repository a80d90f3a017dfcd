// Package storage composes the time-partitioned sensor store, the
// environment metastore, the journal and the retention worker behind one
// façade used by the ingestion and query paths.
package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metastore"
	"github.com/xtxerr/vigil/internal/storage/archive"
	"github.com/xtxerr/vigil/internal/storage/journal"
	"github.com/xtxerr/vigil/internal/storage/partition"
	"github.com/xtxerr/vigil/internal/storage/retention"
	"github.com/xtxerr/vigil/internal/storage/types"
)

var log = logging.Component("storage")

// Engine is the storage façade.
type Engine struct {
	cfg *config.Config

	meta    *metastore.Store
	index   *partition.Index
	journal *journal.Log

	retention *retention.Manager
	archive   *archive.Reader // nil when archiving is disabled

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats EngineStats
}

// EngineStats holds storage operation counters.
type EngineStats struct {
	WritesCompleted atomic.Int64
	WriteErrors     atomic.Int64
	QueriesExecuted atomic.Int64
	PointsReturned  atomic.Int64
	DegradedQueries atomic.Int64
}

// New opens all storage components. The engine is constructed once at
// process start and passed explicitly to its callers.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	meta, err := metastore.Open(metastore.Config{
		Path:         cfg.MetastorePath(),
		QueryTimeout: cfg.Metastore.QueryTimeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	index, err := partition.Open(cfg.BucketsDir(), cfg.Partition.BucketPeriod.Duration())
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open partition index: %w", err)
	}

	jnl, err := journal.Open(cfg.JournalDir())
	if err != nil {
		index.Close()
		meta.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		meta:    meta,
		index:   index,
		journal: jnl,
	}

	if cfg.Retention.Enabled && cfg.Retention.Archive {
		reader, err := archive.NewReader(cfg.ArchiveDir())
		if err != nil {
			jnl.Close()
			index.Close()
			meta.Close()
			return nil, fmt.Errorf("open archive reader: %w", err)
		}
		e.archive = reader
		e.retention = retention.New(cfg.Retention, index, archive.NewWriter(cfg.ArchiveDir()))
	} else if cfg.Retention.Enabled {
		e.retention = retention.New(cfg.Retention, index, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancel = cancel

	return e, nil
}

// Start launches the background workers.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	if e.retention != nil {
		e.wg.Add(1)
		go e.retentionWorker()
	}

	log.Info("storage engine started", "buckets", e.index.Count())
	return nil
}

// Stop stops workers and closes all databases.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}

	e.cancel()
	e.wg.Wait()

	var errs []error
	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if err := e.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := e.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close partition index: %w", err))
	}
	if err := e.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metastore: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// Meta returns the environment metastore.
func (e *Engine) Meta() *metastore.Store { return e.meta }

// Journal returns the journal log.
func (e *Engine) Journal() *journal.Log { return e.journal }

// WritePoint durably stores a point, registering the sensor's metadata
// when unseen. Write failures are fatal for the value being written and
// surface to the caller.
func (e *Engine) WritePoint(ctx context.Context, p types.Point) error {
	registered, err := e.meta.SensorExists(ctx, p.Product, p.Path)
	if err != nil {
		e.stats.WriteErrors.Add(1)
		return fmt.Errorf("check sensor registration: %w", err)
	}
	if !registered {
		err := e.meta.AddSensor(ctx, types.SensorInfo{
			Product: p.Product,
			Path:    p.Path,
			Type:    p.Type,
		})
		if err != nil {
			e.stats.WriteErrors.Add(1)
			return fmt.Errorf("register sensor: %w", err)
		}
	}

	b, err := e.index.SelectForWrite(p.Time)
	if err != nil {
		e.stats.WriteErrors.Add(1)
		return err
	}
	if err := b.Put(p); err != nil {
		e.stats.WriteErrors.Add(1)
		return err
	}

	e.stats.WritesCompleted.Add(1)
	return nil
}

// Query returns a sensor's points within [from, to], ascending by time.
// Zero bounds are unbounded. Per-bucket read failures degrade the result
// to the healthy buckets; the query fails only when every candidate
// bucket failed or the context was cancelled.
func (e *Engine) Query(ctx context.Context, product, path string, from, to time.Time) ([]types.Point, error) {
	buckets := e.index.SelectForRead(from, to)
	if len(buckets) == 0 {
		return nil, nil
	}

	perBucket := make([][]types.Point, len(buckets))
	bucketErrs := make([]error, len(buckets))

	var g errgroup.Group
	for i, b := range buckets {
		g.Go(func() error {
			points, err := b.Points(ctx, product, path, from, to)
			if err != nil {
				bucketErrs[i] = err
				return nil
			}
			perBucket[i] = points
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		out    []types.Point
		failed int
	)
	for i := range buckets {
		if bucketErrs[i] != nil {
			failed++
			log.Warn("bucket read failed, excluding from result",
				"dir", buckets[i].Dir(), "error", bucketErrs[i])
			continue
		}
		// Buckets are non-overlapping and ordered, and each scan is
		// ascending, so concatenation preserves time order.
		out = append(out, perBucket[i]...)
	}

	if failed == len(buckets) {
		return nil, errors.ErrAllBucketsFail
	}
	if failed > 0 {
		e.stats.DegradedQueries.Add(1)
	}

	e.stats.QueriesExecuted.Add(1)
	e.stats.PointsReturned.Add(int64(len(out)))
	return out, nil
}

// Latest returns a sensor's newest value, or nil when the sensor has no
// data. Single-value-only sensors are served from the metastore; others
// scan buckets newest to oldest and stop at the first hit.
func (e *Engine) Latest(ctx context.Context, product, path string) (*types.Point, error) {
	info, err := e.meta.GetSensor(ctx, product, path)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	if info != nil && info.Type.SingleValueOnly() {
		return e.latestSingleValue(ctx, product, path, info.Type)
	}

	buckets := e.index.All()
	for i := len(buckets) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := buckets[i].Latest(product, path)
		if err != nil {
			log.Warn("bucket latest-value read failed", "dir", buckets[i].Dir(), "error", err)
			continue
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (e *Engine) latestSingleValue(ctx context.Context, product, path string, sensorType types.SensorType) (*types.Point, error) {
	v, err := e.meta.GetLatestValue(ctx, product, path)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	p, err := types.DecodePoint(product, path, v.Payload)
	if err != nil {
		return nil, err
	}
	p.Type = sensorType
	return &p, nil
}

// SensorSize sums the sensor's stored bytes across all buckets. Buckets
// that fail to report are skipped; the figure is telemetry, not
// accounting.
func (e *Engine) SensorSize(ctx context.Context, product, path string) int64 {
	var size int64
	for _, b := range e.index.All() {
		if ctx.Err() != nil {
			break
		}
		n, err := b.Size(product, path)
		if err != nil {
			log.Warn("bucket size read failed", "dir", b.Dir(), "error", err)
			continue
		}
		size += n
	}
	return size
}

// RemoveSensor deletes a sensor's metadata and fans the data delete out
// across every bucket. Partial failures are logged and surfaced; a second
// call is a no-op for already-deleted buckets and retries the rest.
func (e *Engine) RemoveSensor(ctx context.Context, product, path string) error {
	if err := e.meta.RemoveSensor(ctx, product, path); err != nil {
		return err
	}

	var firstErr error
	failed := 0
	for _, b := range e.index.All() {
		if err := b.DeleteAll(product, path); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			log.Error("bucket delete failed", "dir", b.Dir(), "product", product, "path", path, "error", err)
		}
	}
	if firstErr != nil {
		return fmt.Errorf("remove sensor %s/%s: %d bucket(s) failed: %w", product, path, failed, firstErr)
	}
	return nil
}

// RemoveProduct deletes a product, cascading over its sensors. Idempotent.
func (e *Engine) RemoveProduct(ctx context.Context, product string) error {
	sensors, err := e.meta.ListSensors(ctx, product)
	if err != nil {
		return err
	}
	if err := e.meta.RemoveProduct(ctx, product); err != nil {
		return err
	}

	var firstErr error
	for _, info := range sensors {
		if err := e.RemoveSensor(ctx, product, info.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// QueryArchive returns archived (cold) points of one sensor within
// [from, to]. Returns empty when archiving is disabled.
func (e *Engine) QueryArchive(ctx context.Context, product, path string, from, to time.Time) ([]types.Point, error) {
	if e.archive == nil {
		return nil, nil
	}
	return e.archive.Query(ctx, product, path, from, to)
}

// RunRetention manually triggers retention cleanup.
func (e *Engine) RunRetention(ctx context.Context) []retention.CleanupResult {
	if e.retention == nil {
		return nil
	}
	return e.retention.RunCleanup(ctx)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() (writes, writeErrs, queries, points, degraded int64) {
	return e.stats.WritesCompleted.Load(),
		e.stats.WriteErrors.Load(),
		e.stats.QueriesExecuted.Load(),
		e.stats.PointsReturned.Load(),
		e.stats.DegradedQueries.Load()
}

// BucketCount returns the number of open buckets.
func (e *Engine) BucketCount() int {
	return e.index.Count()
}

func (e *Engine) retentionWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Retention.CheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.retention.RunCleanup(e.ctx)
		}
	}
}
