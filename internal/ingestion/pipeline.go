// Package ingestion accepts sensor values, validates them synchronously
// and routes them to durable storage: scalar values through a bounded
// async write queue, bar samples through the bar aggregator, and
// single-value sensors straight into the metastore.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/ingestion/bar"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metastore"
	"github.com/xtxerr/vigil/internal/storage"
	"github.com/xtxerr/vigil/internal/storage/types"
	"github.com/xtxerr/vigil/internal/validation"
)

var log = logging.Component("ingestion")

// Observer is notified after a point has been durably stored. The ema
// argument is the sensor's updated moving average, nil for non-numeric
// sensors. Implementations must not block.
type Observer interface {
	ObservePoint(p types.Point, ema *float64)
}

// Pipeline is the ingestion front door.
type Pipeline struct {
	cfg      *config.Config
	engine   *storage.Engine
	bars     *bar.Aggregator
	observer Observer

	// queueMu is held read-side for sends and write-side for the close
	// in Stop, so a late Ingest cannot send on a closed channel.
	queueMu sync.RWMutex
	queue   chan types.Point

	typesMu     sync.RWMutex
	sensorTypes map[string]types.SensorType

	emaMu sync.RWMutex
	ema   map[string]float64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

// Stats holds pipeline counters.
type Stats struct {
	ValuesReceived atomic.Int64
	ValuesRejected atomic.Int64
	ValuesStored   atomic.Int64
	ValuesDropped  atomic.Int64
	WriteErrors    atomic.Int64
}

// New creates a pipeline over the storage engine. The observer may be
// nil.
func New(cfg *config.Config, engine *storage.Engine, observer Observer) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	p := &Pipeline{
		cfg:         cfg,
		engine:      engine,
		observer:    observer,
		queue:       make(chan types.Point, cfg.Ingestion.QueueSize),
		sensorTypes: make(map[string]types.SensorType),
		ema:         make(map[string]float64),
	}
	p.bars = bar.New(cfg.Bar, &barSink{p: p})

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	p.cancel = cancel
	return p
}

// Start launches the write workers and the bar watcher.
func (p *Pipeline) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	for i := 0; i < p.cfg.Ingestion.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if err := p.bars.Start(); err != nil {
		return err
	}

	log.Info("ingestion pipeline started", "workers", p.cfg.Ingestion.Workers, "queue", cap(p.queue))
	return nil
}

// Stop drains the queue, closes open bars and stops all workers. Values
// already accepted are written before Stop returns.
func (p *Pipeline) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	p.queueMu.Lock()
	close(p.queue)
	p.queueMu.Unlock()
	p.wg.Wait()
	p.cancel()

	return p.bars.Stop()
}

// Ingest validates a value and routes it. Validation failures are
// returned synchronously; accepted scalar values are written
// asynchronously by the worker pool.
func (p *Pipeline) Ingest(ctx context.Context, v types.Value) error {
	if !p.running.Load() {
		return errors.ErrNotRunning
	}
	p.stats.ValuesReceived.Add(1)

	if err := p.validate(ctx, &v); err != nil {
		p.stats.ValuesRejected.Add(1)
		return err
	}

	ctx = logging.ContextWithProduct(ctx, v.Product)
	ctx = logging.ContextWithPath(ctx, v.Path)

	switch {
	case v.Type.SingleValueOnly():
		return p.storeSingleValue(ctx, v)
	case v.Type.IsBar():
		p.bars.Add(v)
		return nil
	default:
		return p.enqueue(v.Point())
	}
}

func (p *Pipeline) enqueue(point types.Point) error {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()

	if !p.running.Load() {
		return errors.ErrNotRunning
	}
	select {
	case p.queue <- point:
		return nil
	default:
		p.stats.ValuesDropped.Add(1)
		return errors.ErrQueueFull
	}
}

// CloseBar force-closes a sensor's open bar.
func (p *Pipeline) CloseBar(product, path string) {
	p.bars.Close(product, path)
}

// RemoveSensor deletes the sensor from storage and drops the pipeline's
// state for it: the declared-type cache, the moving average and any open
// bar. A sensor re-created under the same path starts clean, so its
// first value may declare a different type.
func (p *Pipeline) RemoveSensor(ctx context.Context, product, path string) error {
	if err := p.engine.RemoveSensor(ctx, product, path); err != nil {
		return err
	}
	p.forget(product, path)
	return nil
}

// RemoveProduct deletes a product and every sensor under it, dropping
// the pipeline state of each.
func (p *Pipeline) RemoveProduct(ctx context.Context, product string) error {
	sensors, err := p.engine.Meta().ListSensors(ctx, product)
	if err != nil {
		return err
	}
	if err := p.engine.RemoveProduct(ctx, product); err != nil {
		return err
	}
	for _, info := range sensors {
		p.forget(product, info.Path)
	}
	return nil
}

func (p *Pipeline) forget(product, path string) {
	key := types.SensorKey(product, path)

	p.typesMu.Lock()
	delete(p.sensorTypes, key)
	p.typesMu.Unlock()

	p.emaMu.Lock()
	delete(p.ema, key)
	p.emaMu.Unlock()

	p.bars.Discard(product, path)
}

// EMA returns the sensor's exponential moving average, false when no
// numeric value has been seen yet.
func (p *Pipeline) EMA(product, path string) (float64, bool) {
	p.emaMu.RLock()
	defer p.emaMu.RUnlock()
	v, ok := p.ema[types.SensorKey(product, path)]
	return v, ok
}

// QueueDepth returns the number of values awaiting a write worker.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Bars returns the bar aggregator.
func (p *Pipeline) Bars() *bar.Aggregator { return p.bars }

// Snapshot returns current counter values.
func (p *Pipeline) Snapshot() (received, rejected, stored, dropped, writeErrs int64) {
	return p.stats.ValuesReceived.Load(),
		p.stats.ValuesRejected.Load(),
		p.stats.ValuesStored.Load(),
		p.stats.ValuesDropped.Load(),
		p.stats.WriteErrors.Load()
}

func (p *Pipeline) validate(ctx context.Context, v *types.Value) error {
	if err := validation.ValidateProductName(v.Product); err != nil {
		return err
	}
	if err := validation.ValidateSensorPath(v.Path); err != nil {
		return err
	}

	now := time.Now().UTC()
	if v.Time.IsZero() {
		v.Time = now
	}
	if v.Time.After(now.Add(p.cfg.Ingestion.MaxFutureSkew.Duration())) {
		return fmt.Errorf("%w: value timestamp %s is too far in the future",
			errors.ErrInvalidTime, v.Time.Format(time.RFC3339))
	}

	declared, err := p.declaredType(ctx, v.Product, v.Path)
	if err != nil {
		return err
	}
	if declared < 0 {
		// First value for this sensor fixes its type.
		declared = v.Type
		p.cacheType(v.Product, v.Path, declared)
	}
	return v.CheckType(declared)
}

// declaredType resolves the sensor's registered type, -1 when the sensor
// is unknown.
func (p *Pipeline) declaredType(ctx context.Context, product, path string) (types.SensorType, error) {
	key := types.SensorKey(product, path)

	p.typesMu.RLock()
	t, ok := p.sensorTypes[key]
	p.typesMu.RUnlock()
	if ok {
		return t, nil
	}

	info, err := p.engine.Meta().GetSensor(ctx, product, path)
	if err != nil {
		if errors.IsNotFound(err) {
			return -1, nil
		}
		return -1, err
	}
	p.cacheType(product, path, info.Type)
	return info.Type, nil
}

func (p *Pipeline) cacheType(product, path string, t types.SensorType) {
	p.typesMu.Lock()
	p.sensorTypes[types.SensorKey(product, path)] = t
	p.typesMu.Unlock()
}

// storeSingleValue writes a file sensor's value as the sensor's only
// stored value, replacing the previous one.
func (p *Pipeline) storeSingleValue(ctx context.Context, v types.Value) error {
	meta := p.engine.Meta()

	registered, err := meta.SensorExists(ctx, v.Product, v.Path)
	if err != nil {
		return err
	}
	if !registered {
		err := meta.AddSensor(ctx, types.SensorInfo{Product: v.Product, Path: v.Path, Type: v.Type})
		if err != nil {
			return err
		}
	}

	point := v.Point()
	payload, err := point.Encode()
	if err != nil {
		return err
	}
	err = meta.PutLatestValue(ctx, metastore.LatestValue{
		Product:  v.Product,
		Path:     v.Path,
		Received: v.Time,
		Payload:  payload,
	})
	if err != nil {
		p.stats.WriteErrors.Add(1)
		return err
	}

	if err := meta.TouchSensor(ctx, v.Product, v.Path, v.Time); err != nil {
		logging.WithContext(ctx).Warn("touch sensor failed", "error", err)
	}
	p.stats.ValuesStored.Add(1)
	p.notify(point, nil)
	return nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for point := range p.queue {
		if err := p.engine.WritePoint(p.ctx, point); err != nil {
			p.stats.WriteErrors.Add(1)
			log.Error("point write failed",
				"product", point.Product, "path", point.Path, "error", err)
			continue
		}
		p.stats.ValuesStored.Add(1)

		err := p.engine.Meta().TouchSensor(p.ctx, point.Product, point.Path, point.Time)
		if err != nil {
			log.Warn("touch sensor failed", "product", point.Product, "path", point.Path, "error", err)
		}

		var ema *float64
		if point.Type.IsNumeric() {
			ema = p.updateEMA(point.Product, point.Path, point.Num)
		}
		p.notify(point, ema)
	}
}

// updateEMA folds the value into the sensor's moving average. The first
// value seeds the average.
func (p *Pipeline) updateEMA(product, path string, value float64) *float64 {
	key := types.SensorKey(product, path)
	alpha := p.cfg.EMA.Alpha

	p.emaMu.Lock()
	prev, ok := p.ema[key]
	next := value
	if ok {
		next = alpha*value + (1-alpha)*prev
	}
	p.ema[key] = next
	p.emaMu.Unlock()

	return &next
}

func (p *Pipeline) notify(point types.Point, ema *float64) {
	if p.observer != nil {
		p.observer.ObservePoint(point, ema)
	}
}

// barSink writes closed bars through the engine, then folds the bar mean
// into the sensor's moving average and notifies the observer.
type barSink struct {
	p *Pipeline
}

func (s *barSink) WritePoint(ctx context.Context, point types.Point) error {
	if err := s.p.engine.WritePoint(ctx, point); err != nil {
		return err
	}
	s.p.stats.ValuesStored.Add(1)

	err := s.p.engine.Meta().TouchSensor(ctx, point.Product, point.Path, point.Time)
	if err != nil {
		log.Warn("touch sensor failed", "product", point.Product, "path", point.Path, "error", err)
	}

	var ema *float64
	if point.Bar != nil {
		ema = s.p.updateEMA(point.Product, point.Path, point.Bar.Mean)
	}
	s.p.notify(point, ema)
	return nil
}
