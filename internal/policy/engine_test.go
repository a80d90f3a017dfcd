package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/storage/types"
)

type captureDispatcher struct {
	mu      sync.Mutex
	results []*AlertResult
}

func (d *captureDispatcher) Dispatch(r *AlertResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r)
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results)
}

func testEngine() (*Engine, *captureDispatcher) {
	d := &captureDispatcher{}
	cfg := config.PolicyConfig{
		DedupeWindow:     config.Duration(time.Minute),
		TTLCheckInterval: config.Duration(time.Second),
	}
	return New(cfg, nil, nil, d), d
}

func thresholdPolicy(target string) Policy {
	return Policy{
		Conditions:  []Condition{{Property: PropValue, Operation: OpGreater, Target: target}},
		Schedule:    Schedule{InstantSend: true},
		Destination: "ops",
	}
}

func numValue(v float64) types.Point {
	return types.Point{
		Product: "prod",
		Path:    "cpu/load",
		Type:    types.TypeDouble,
		Time:    time.Now().UTC(),
		Num:     v,
		Status:  types.StatusOk,
	}
}

func TestEngine_EvaluateAndDedupe(t *testing.T) {
	e, _ := testEngine()
	if _, err := e.Attach("prod", "cpu/load", thresholdPolicy("10")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Below threshold: nothing fires.
	if got := e.Evaluate(numValue(5), nil); len(got) != 0 {
		t.Fatalf("expected no results below threshold, got %d", len(got))
	}

	// First violation.
	results := e.Evaluate(numValue(15), nil)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Count != 1 {
		t.Errorf("first violation count = %d, want 1", results[0].Count)
	}

	// Second violation inside the dedupe window merges, no new result.
	merged := e.Evaluate(numValue(20), nil)
	if len(merged) != 1 {
		t.Fatalf("expected 1 result, got %d", len(merged))
	}
	if merged[0].PolicyID != results[0].PolicyID {
		t.Error("expected the merged existing result, not a fresh one")
	}
	if merged[0].Count != 2 {
		t.Errorf("merged count = %d, want 2", merged[0].Count)
	}
}

// TestEngine_DispatchedResultIsImmutable checks that a result handed to
// the dispatcher is a snapshot: triggers merged afterwards must not
// mutate it behind the dispatcher's back.
func TestEngine_DispatchedResultIsImmutable(t *testing.T) {
	e, d := testEngine()
	if _, err := e.Attach("prod", "cpu/load", thresholdPolicy("10")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	e.ObservePoint(numValue(15), nil)
	if d.count() != 1 {
		t.Fatalf("expected 1 dispatched result, got %d", d.count())
	}
	dispatched := d.results[0]

	// Merge several more triggers into the window.
	for i := 0; i < 4; i++ {
		e.ObservePoint(numValue(20), nil)
	}

	if dispatched.Count != 1 {
		t.Errorf("dispatched result mutated by later merges: count = %d", dispatched.Count)
	}
	merged := e.Evaluate(numValue(20), nil)
	if len(merged) != 1 || merged[0].Count != 6 {
		t.Fatalf("window accumulator = %+v, want count 6", merged)
	}
}

func TestEngine_DispatchOnlyFreshResults(t *testing.T) {
	e, d := testEngine()
	if _, err := e.Attach("prod", "cpu/load", thresholdPolicy("10")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	e.ObservePoint(numValue(15), nil)
	e.ObservePoint(numValue(25), nil)

	if d.count() != 1 {
		t.Errorf("expected 1 dispatched result for merged triggers, got %d", d.count())
	}
}

func TestEngine_DisabledPolicySkipped(t *testing.T) {
	e, _ := testEngine()
	p := thresholdPolicy("10")
	p.Disabled = true
	if _, err := e.Attach("prod", "cpu/load", p); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if got := e.Evaluate(numValue(100), nil); len(got) != 0 {
		t.Errorf("disabled policy fired: %d results", len(got))
	}
}

func TestEngine_ScheduleSuppression(t *testing.T) {
	e, _ := testEngine()
	p := thresholdPolicy("10")
	p.Schedule = Schedule{InstantSend: false, RepeatInterval: time.Hour}
	if _, err := e.Attach("prod", "cpu/load", p); err != nil {
		t.Fatalf("attach: %v", err)
	}

	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	// Violations before the boundary accumulate silently.
	for i := 0; i < 3; i++ {
		if got := e.evaluate(numValue(50), nil, now.Add(time.Duration(i)*time.Minute)); len(got) != 0 {
			t.Fatalf("suppressed policy fired early: %d results", len(got))
		}
	}

	// Past the boundary the accumulated count fires at once.
	fired := e.evaluate(numValue(50), nil, now.Add(time.Hour))
	if len(fired) != 1 {
		t.Fatalf("expected 1 result at boundary, got %d", len(fired))
	}
	if fired[0].result.Count != 4 {
		t.Errorf("expected accumulated count 4, got %d", fired[0].result.Count)
	}
}

func TestEngine_StatusChangePolicy(t *testing.T) {
	e, _ := testEngine()
	p := Policy{
		Conditions: []Condition{{Property: PropStatus, Operation: OpIsChangedToError}},
		Schedule:   Schedule{InstantSend: true},
	}
	if _, err := e.Attach("prod", "disk", p); err != nil {
		t.Fatalf("attach: %v", err)
	}

	errPoint := types.Point{Product: "prod", Path: "disk", Type: types.TypeBoolean, Status: types.StatusError}
	okPoint := types.Point{Product: "prod", Path: "disk", Type: types.TypeBoolean, Status: types.StatusOk}

	results := e.Evaluate(errPoint, nil)
	if len(results) != 1 {
		t.Fatalf("expected transition to fire, got %d results", len(results))
	}
	if results[0].Chain() != "Ok->Error" {
		t.Errorf("chain = %q, want Ok->Error", results[0].Chain())
	}

	// Error again: no transition, nothing fires.
	if got := e.Evaluate(errPoint, nil); len(got) != 0 {
		t.Errorf("repeated error status fired: %d results", len(got))
	}

	// Recovery then failure again fires and chains within the window.
	e.Evaluate(okPoint, nil)
	again := e.Evaluate(errPoint, nil)
	if len(again) != 1 {
		t.Fatalf("expected second transition to fire, got %d", len(again))
	}
	if again[0].Chain() != "Ok->Error->Ok->Error" {
		t.Errorf("chain = %q, want Ok->Error->Ok->Error", again[0].Chain())
	}
}

func TestEngine_AttachUpdateDetach(t *testing.T) {
	e, _ := testEngine()

	id, err := e.Attach("prod", "cpu/load", thresholdPolicy("10"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(e.PoliciesFor("prod", "cpu/load")) != 1 {
		t.Fatal("policy not attached")
	}

	updated := thresholdPolicy("90")
	updated.ID = id
	if err := e.Update("prod", "cpu/load", updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := e.Evaluate(numValue(50), nil); len(got) != 0 {
		t.Error("updated threshold should not fire at 50")
	}

	if err := e.Detach("prod", "cpu/load", id); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(e.PoliciesFor("prod", "cpu/load")) != 0 {
		t.Error("policy still attached after detach")
	}
	if err := e.Detach("prod", "cpu/load", id); !errors.Is(err, errors.ErrPolicyNotFound) {
		t.Errorf("second detach error = %v, want ErrPolicyNotFound", err)
	}

	if err := e.Update("prod", "cpu/load", updated); !errors.Is(err, errors.ErrPolicyNotFound) {
		t.Errorf("update of missing policy error = %v, want ErrPolicyNotFound", err)
	}
}

func TestEngine_AttachRejectsInvalidPolicy(t *testing.T) {
	e, _ := testEngine()

	if _, err := e.Attach("prod", "cpu/load", Policy{}); err == nil {
		t.Error("empty policy accepted")
	}

	bad := thresholdPolicy("not-a-number")
	if _, err := e.Attach("prod", "cpu/load", bad); err == nil {
		t.Error("bad target accepted")
	}

	dup := thresholdPolicy("10")
	dup.ID = uuid.New()
	if _, err := e.Attach("prod", "cpu/load", dup); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := e.Attach("prod", "cpu/load", dup); !errors.Is(err, errors.ErrAlreadyExists) {
		t.Errorf("duplicate attach error = %v, want ErrAlreadyExists", err)
	}
}
