// Package bar turns streams of numeric samples into fixed-period bar
// points (min/max/mean/sum/count, optional percentiles).
package bar

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/storage/types"
)

var log = logging.Component("bar")

// Sink receives closed bar points. Satisfied by the storage engine.
type Sink interface {
	WritePoint(ctx context.Context, p types.Point) error
}

// Aggregator maintains one open bar per sensor. Each bar carries its own
// lock, so samples for different sensors never contend.
type Aggregator struct {
	cfg  config.BarConfig
	sink Sink

	mu   sync.RWMutex
	bars map[string]*state

	pendingMu sync.Mutex
	pending   []types.Point

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

// Stats holds aggregator counters.
type Stats struct {
	SamplesProcessed atomic.Int64
	BarsClosed       atomic.Int64
	FlushErrors      atomic.Int64
}

// state is a single sensor's open bar. Empty when count == 0.
type state struct {
	mu sync.Mutex

	product    string
	path       string
	sensorType types.SensorType

	periodStart time.Time
	periodEnd   time.Time

	count     int64
	sum       float64
	min       float64
	max       float64
	firstTime time.Time
	lastTime  time.Time
	status    types.Status
	comment   string

	percentiles bool
	accuracy    float64
	sketch      *ddsketch.DDSketch
}

// newSketch builds a fresh quantile sketch, or nil when percentiles are
// disabled or the accuracy is rejected by ddsketch.
func (st *state) newSketch() *ddsketch.DDSketch {
	if !st.percentiles {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(st.accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// New creates an aggregator that writes closed bars to sink.
func New(cfg config.BarConfig, sink Sink) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		cfg:    cfg,
		sink:   sink,
		bars:   make(map[string]*state),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the background watcher that closes outdated bars and
// retries failed flushes.
func (a *Aggregator) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	a.wg.Add(1)
	go a.watcher()
	return nil
}

// Stop closes all open bars, flushes them and stops the watcher.
func (a *Aggregator) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	a.cancel()
	a.wg.Wait()

	a.CloseAll()
	return a.flushPending(context.Background())
}

// Add folds one numeric sample into the sensor's open bar. A sample that
// lands past the open bar's period closes that bar first. A value with
// the close marker set carries no sample; it only closes the open bar.
func (a *Aggregator) Add(v types.Value) {
	st := a.lookupOrCreate(v)

	st.mu.Lock()
	if v.Close {
		closed := st.closeLocked()
		st.mu.Unlock()
		if closed != nil {
			a.enqueue(closed)
		}
		return
	}

	periodStart := v.Time.UTC().Truncate(a.cfg.Period.Duration())

	if st.count > 0 && periodStart.After(st.periodStart) {
		a.enqueue(st.closeLocked())
	}
	if st.count == 0 {
		st.periodStart = periodStart
		st.periodEnd = periodStart.Add(a.cfg.Period.Duration())
	}

	st.addLocked(v)
	a.stats.SamplesProcessed.Add(1)
	st.mu.Unlock()
}

// Close closes a sensor's open bar regardless of period. A sensor with no
// open bar is a no-op, so closing twice only produces one point.
func (a *Aggregator) Close(product, path string) {
	a.mu.RLock()
	st := a.bars[types.SensorKey(product, path)]
	a.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	closed := st.closeLocked()
	st.mu.Unlock()

	if closed != nil {
		a.enqueue(closed)
	}
}

// Discard drops a sensor's open bar and its pending retries without
// flushing anything. Used when the sensor itself is removed: a flush
// would re-register it through the sink.
func (a *Aggregator) Discard(product, path string) {
	key := types.SensorKey(product, path)

	a.mu.Lock()
	delete(a.bars, key)
	a.mu.Unlock()

	a.pendingMu.Lock()
	kept := a.pending[:0]
	for _, p := range a.pending {
		if types.SensorKey(p.Product, p.Path) != key {
			kept = append(kept, p)
		}
	}
	a.pending = kept
	a.pendingMu.Unlock()
}

// CloseAll force-closes every open bar.
func (a *Aggregator) CloseAll() {
	a.mu.RLock()
	all := make([]*state, 0, len(a.bars))
	for _, st := range a.bars {
		all = append(all, st)
	}
	a.mu.RUnlock()

	for _, st := range all {
		st.mu.Lock()
		closed := st.closeLocked()
		st.mu.Unlock()
		if closed != nil {
			a.enqueue(closed)
		}
	}
}

// Flush writes all pending closed bars to the sink. Bars that fail to
// write stay pending for the next attempt.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.flushPending(ctx)
}

// ActiveCount returns the number of sensors with an open bar.
func (a *Aggregator) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, st := range a.bars {
		st.mu.Lock()
		if st.count > 0 {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// PendingCount returns the number of closed bars awaiting flush.
func (a *Aggregator) PendingCount() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}

// BarsClosed returns the number of bars closed since start.
func (a *Aggregator) BarsClosed() int64 {
	return a.stats.BarsClosed.Load()
}

func (a *Aggregator) lookupOrCreate(v types.Value) *state {
	key := types.SensorKey(v.Product, v.Path)

	a.mu.RLock()
	st := a.bars[key]
	a.mu.RUnlock()
	if st != nil {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st = a.bars[key]; st != nil {
		return st
	}
	st = &state{
		product:     v.Product,
		path:        v.Path,
		sensorType:  v.Type,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
		percentiles: a.cfg.Percentile.Enabled,
		accuracy:    a.cfg.Percentile.Accuracy,
	}
	st.sketch = st.newSketch()
	a.bars[key] = st
	return st
}

// addLocked folds the sample. Caller holds st.mu.
func (st *state) addLocked(v types.Value) {
	st.count++
	st.sum += v.Num
	if v.Num < st.min {
		st.min = v.Num
	}
	if v.Num > st.max {
		st.max = v.Num
	}

	t := v.Time.UTC()
	if st.firstTime.IsZero() || t.Before(st.firstTime) {
		st.firstTime = t
	}
	if t.After(st.lastTime) {
		st.lastTime = t
	}

	st.status = v.Status
	st.comment = v.Comment

	if st.sketch != nil {
		st.sketch.Add(v.Num)
	}
}

// closeLocked converts the open bar into a point and resets the state to
// empty. Returns nil when the bar is already empty, which makes close
// idempotent. Caller holds st.mu.
func (st *state) closeLocked() *types.Point {
	if st.count == 0 {
		return nil
	}

	bar := &types.Bar{
		Min:       st.min,
		Max:       st.max,
		Mean:      st.sum / float64(st.count),
		Sum:       st.sum,
		Count:     st.count,
		FirstTime: st.firstTime,
		LastTime:  st.lastTime,
	}
	if st.sketch != nil {
		if p50, err := st.sketch.GetValueAtQuantile(0.50); err == nil {
			bar.P50 = &p50
		}
		if p95, err := st.sketch.GetValueAtQuantile(0.95); err == nil {
			bar.P95 = &p95
		}
		if p99, err := st.sketch.GetValueAtQuantile(0.99); err == nil {
			bar.P99 = &p99
		}
	}

	p := &types.Point{
		Product: st.product,
		Path:    st.path,
		Type:    st.sensorType,
		Time:    st.periodStart,
		Status:  st.status,
		Comment: st.comment,
		Bar:     bar,
	}

	st.count = 0
	st.sum = 0
	st.min = math.MaxFloat64
	st.max = -math.MaxFloat64
	st.firstTime = time.Time{}
	st.lastTime = time.Time{}
	st.comment = ""
	st.sketch = st.newSketch()

	return p
}

func (a *Aggregator) enqueue(p *types.Point) {
	if p == nil {
		return
	}
	a.stats.BarsClosed.Add(1)

	if err := a.sink.WritePoint(a.ctx, *p); err != nil {
		a.stats.FlushErrors.Add(1)
		log.Warn("bar flush failed, queued for retry",
			"product", p.Product, "path", p.Path, "error", err)
		a.pendingMu.Lock()
		a.pending = append(a.pending, *p)
		a.pendingMu.Unlock()
	}
}

func (a *Aggregator) flushPending(ctx context.Context) error {
	a.pendingMu.Lock()
	pending := a.pending
	a.pending = nil
	a.pendingMu.Unlock()

	var firstErr error
	var retry []types.Point
	for _, p := range pending {
		if err := a.sink.WritePoint(ctx, p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			retry = append(retry, p)
		}
	}

	if len(retry) > 0 {
		a.pendingMu.Lock()
		a.pending = append(retry, a.pending...)
		a.pendingMu.Unlock()
	}
	return firstErr
}

// closeOutdated closes bars whose period has fully elapsed without an
// explicit close marker from the sender.
func (a *Aggregator) closeOutdated(now time.Time) {
	a.mu.RLock()
	all := make([]*state, 0, len(a.bars))
	for _, st := range a.bars {
		all = append(all, st)
	}
	a.mu.RUnlock()

	for _, st := range all {
		st.mu.Lock()
		var closed *types.Point
		if st.count > 0 && now.After(st.periodEnd) {
			closed = st.closeLocked()
		}
		st.mu.Unlock()
		if closed != nil {
			log.Debug("closing outdated bar", "product", closed.Product, "path", closed.Path)
			a.enqueue(closed)
		}
	}
}

func (a *Aggregator) watcher() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.CheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.closeOutdated(time.Now().UTC())
			if err := a.flushPending(a.ctx); err != nil {
				log.Warn("pending bar flush failed", "error", err)
			}
		}
	}
}
