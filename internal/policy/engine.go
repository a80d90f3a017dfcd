package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metastore"
	"github.com/xtxerr/vigil/internal/storage/journal"
	"github.com/xtxerr/vigil/internal/storage/types"
)

var log = logging.Component("policy")

// Dispatcher receives alert results. Delivery and retry are its
// responsibility; the engine only deduplicates.
type Dispatcher interface {
	Dispatch(r *AlertResult)
}

// Engine evaluates sensors' policy sets against incoming values. Policy
// lists are replaced wholesale on configuration changes, so evaluation
// never observes a half-updated set.
type Engine struct {
	cfg     config.PolicyConfig
	meta    *metastore.Store
	journal *journal.Log

	dispatcher Dispatcher

	mu       sync.RWMutex
	policies map[string][]*Policy // sensor key -> immutable slice

	stateMu sync.Mutex
	state   map[stateKey]*policyState

	dedupeMu sync.Mutex
	window   map[stateKey]*windowEntry

	ttlMu      sync.Mutex
	ttlAlerted map[string]uuid.UUID

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats EngineStats
}

// EngineStats holds evaluation counters.
type EngineStats struct {
	Evaluations atomic.Int64
	Triggers    atomic.Int64
	Merged      atomic.Int64
	TTLAlerts   atomic.Int64
}

type stateKey struct {
	policy uuid.UUID
	sensor string
}

// policyState is the per-policy per-sensor evaluation state.
type policyState struct {
	lastStatus   types.Status
	pendingCount int
	nextSend     time.Time
}

type windowEntry struct {
	result  *AlertResult
	expires time.Time
}

// New creates the engine. The journal and dispatcher may be nil.
func New(cfg config.PolicyConfig, meta *metastore.Store, jnl *journal.Log, dispatcher Dispatcher) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		meta:       meta,
		journal:    jnl,
		dispatcher: dispatcher,
		policies:   make(map[string][]*Policy),
		state:      make(map[stateKey]*policyState),
		window:     make(map[stateKey]*windowEntry),
		ttlAlerted: make(map[string]uuid.UUID),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the sensor-timeout checker.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	e.wg.Add(1)
	go e.ttlWorker()
	return nil
}

// Stop stops the timeout checker.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// === Policy configuration ===

// Attach adds a policy to a sensor. A zero policy ID gets one assigned.
func (e *Engine) Attach(product, path string, p Policy) (uuid.UUID, error) {
	if err := p.Validate(); err != nil {
		return uuid.Nil, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	key := types.SensorKey(product, path)

	e.mu.Lock()
	old := e.policies[key]
	next := make([]*Policy, 0, len(old)+1)
	for _, existing := range old {
		if existing.ID == p.ID {
			e.mu.Unlock()
			return uuid.Nil, fmt.Errorf("%w: policy %s", errors.ErrAlreadyExists, p.ID)
		}
		next = append(next, existing)
	}
	next = append(next, &p)
	e.policies[key] = next
	e.mu.Unlock()

	e.recordChange(p.ID, key, "policy attached")
	return p.ID, nil
}

// Update replaces a sensor's policy in place by ID.
func (e *Engine) Update(product, path string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	key := types.SensorKey(product, path)

	e.mu.Lock()
	old := e.policies[key]
	found := false
	next := make([]*Policy, len(old))
	for i, existing := range old {
		if existing.ID == p.ID {
			next[i] = &p
			found = true
		} else {
			next[i] = existing
		}
	}
	if found {
		e.policies[key] = next
	}
	e.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: policy %s on %s", errors.ErrPolicyNotFound, p.ID, key)
	}
	e.recordChange(p.ID, key, "policy updated")
	return nil
}

// Detach removes a policy from a sensor and drops its state.
func (e *Engine) Detach(product, path string, id uuid.UUID) error {
	key := types.SensorKey(product, path)

	e.mu.Lock()
	old := e.policies[key]
	next := make([]*Policy, 0, len(old))
	for _, existing := range old {
		if existing.ID != id {
			next = append(next, existing)
		}
	}
	found := len(next) != len(old)
	if found {
		if len(next) == 0 {
			delete(e.policies, key)
		} else {
			e.policies[key] = next
		}
	}
	e.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: policy %s on %s", errors.ErrPolicyNotFound, id, key)
	}

	sk := stateKey{policy: id, sensor: key}
	e.stateMu.Lock()
	delete(e.state, sk)
	e.stateMu.Unlock()
	e.dedupeMu.Lock()
	delete(e.window, sk)
	e.dedupeMu.Unlock()

	e.recordChange(id, key, "policy detached")
	return nil
}

// PoliciesFor returns copies of a sensor's policies.
func (e *Engine) PoliciesFor(product, path string) []Policy {
	e.mu.RLock()
	list := e.policies[types.SensorKey(product, path)]
	e.mu.RUnlock()

	out := make([]Policy, len(list))
	for i, p := range list {
		out[i] = *p
	}
	return out
}

// === Evaluation ===

// ObservePoint feeds a stored point into evaluation and dispatches
// fresh alert results. Satisfies the ingestion observer contract.
func (e *Engine) ObservePoint(p types.Point, ema *float64) {
	for _, t := range e.evaluate(p, ema, time.Now().UTC()) {
		if t.fresh && e.dispatcher != nil {
			e.dispatcher.Dispatch(t.result)
		}
	}
}

// Evaluate runs a sensor's policies against one point and returns the
// affected alert results. A trigger inside the dedupe window returns the
// merged existing result rather than a new one.
func (e *Engine) Evaluate(p types.Point, ema *float64) []*AlertResult {
	triggered := e.evaluate(p, ema, time.Now().UTC())
	out := make([]*AlertResult, len(triggered))
	for i, t := range triggered {
		out[i] = t.result
	}
	return out
}

type trigger struct {
	result *AlertResult
	fresh  bool
}

func (e *Engine) evaluate(p types.Point, ema *float64, now time.Time) []trigger {
	key := types.SensorKey(p.Product, p.Path)
	e.clearTTLAlert(key)

	e.mu.RLock()
	list := e.policies[key]
	e.mu.RUnlock()
	if len(list) == 0 {
		return nil
	}

	snapshot := SnapshotOf(p, ema)

	var out []trigger
	for _, pol := range list {
		if pol.Disabled {
			continue
		}
		e.stats.Evaluations.Add(1)

		prev, count, matched := e.transition(pol, key, snapshot, now)
		if !matched {
			continue
		}
		e.stats.Triggers.Add(1)

		result := newAlertResult(pol, snapshot, prev, now)
		result.Count = count
		out = append(out, e.merge(pol.ID, key, result, now))
	}
	return out
}

// transition applies the policy's schedule and updates its per-sensor
// state. Returns the status seen before this value, the accumulated
// trigger count and whether the policy fires now.
func (e *Engine) transition(pol *Policy, sensor string, s Snapshot, now time.Time) (types.Status, int, bool) {
	sk := stateKey{policy: pol.ID, sensor: sensor}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	st := e.state[sk]
	if st == nil {
		st = &policyState{lastStatus: types.StatusOk}
		e.state[sk] = st
	}

	prev := st.lastStatus
	matched := pol.matches(s, prev)
	st.lastStatus = s.Status

	if !matched {
		return prev, 0, false
	}
	if pol.Schedule.InstantSend {
		return prev, 1, true
	}

	if st.nextSend.IsZero() {
		st.nextSend = now.Truncate(pol.Schedule.RepeatInterval).Add(pol.Schedule.RepeatInterval)
	}
	if now.Before(st.nextSend) {
		st.pendingCount++
		return prev, 0, false
	}

	count := st.pendingCount + 1
	st.pendingCount = 0
	st.nextSend = now.Truncate(pol.Schedule.RepeatInterval).Add(pol.Schedule.RepeatInterval)
	return prev, count, true
}

// merge folds the result into the dedupe window. Inside the window the
// existing result absorbs the new trigger; past it the new result opens
// a fresh window. The window's accumulator never leaves this function:
// callers get a copy, so later merges cannot mutate a result already
// handed to a dispatcher.
func (e *Engine) merge(id uuid.UUID, sensor string, r *AlertResult, now time.Time) trigger {
	sk := stateKey{policy: id, sensor: sensor}

	e.dedupeMu.Lock()
	defer e.dedupeMu.Unlock()

	if entry := e.window[sk]; entry != nil && now.Before(entry.expires) {
		if entry.result.TryAddResult(r) {
			e.stats.Merged.Add(1)
			return trigger{result: entry.result.clone(), fresh: false}
		}
	}
	e.window[sk] = &windowEntry{result: r.clone(), expires: now.Add(e.cfg.DedupeWindow.Duration())}
	return trigger{result: r, fresh: true}
}

// === Sensor timeouts ===

// ttlWorker periodically fires timeout alerts for sensors that stopped
// reporting. The alert fires once per silence and clears when a value
// arrives again.
func (e *Engine) ttlWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TTLCheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkTimeouts(e.ctx, time.Now().UTC())
		}
	}
}

func (e *Engine) checkTimeouts(ctx context.Context, now time.Time) {
	sensors, err := e.meta.ListSensorsWithTTL(ctx)
	if err != nil {
		log.Warn("sensor timeout check failed", "error", err)
		return
	}

	for _, info := range sensors {
		if info.LastReceived.IsZero() || now.Sub(info.LastReceived) < info.TTL {
			continue
		}
		key := info.Key()

		e.ttlMu.Lock()
		_, already := e.ttlAlerted[key]
		var id uuid.UUID
		if !already {
			id = uuid.New()
			e.ttlAlerted[key] = id
		}
		e.ttlMu.Unlock()
		if already {
			continue
		}

		e.stats.TTLAlerts.Add(1)
		result := &AlertResult{
			PolicyID:     id,
			Product:      info.Product,
			Path:         info.Path,
			LastStatus:   types.StatusError,
			LastComment:  fmt.Sprintf("no value received for %s (ttl %s)", now.Sub(info.LastReceived).Round(time.Second), info.TTL),
			Count:        1,
			FirstTrigger: now,
			LastTrigger:  now,
		}
		log.Info("sensor timeout", "product", info.Product, "path", info.Path, "ttl", info.TTL)
		if e.dispatcher != nil {
			e.dispatcher.Dispatch(result)
		}
	}
}

func (e *Engine) clearTTLAlert(sensor string) {
	e.ttlMu.Lock()
	delete(e.ttlAlerted, sensor)
	e.ttlMu.Unlock()
}

// === Misc ===

func (e *Engine) recordChange(id uuid.UUID, sensor, action string) {
	if e.journal == nil {
		return
	}
	err := e.journal.Append(journal.Record{
		EntityID: id,
		Type:     journal.RecordChanges,
		Path:     sensor,
		Value:    action,
	})
	if err != nil {
		log.Warn("journal write failed", "entity", id, "error", err)
	}
}

// Snapshot returns current counter values.
func (e *Engine) Snapshot() (evaluations, triggers, merged, ttlAlerts int64) {
	return e.stats.Evaluations.Load(),
		e.stats.Triggers.Load(),
		e.stats.Merged.Load(),
		e.stats.TTLAlerts.Load()
}
