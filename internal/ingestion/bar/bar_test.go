package bar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/storage/types"
)

// captureSink records written points and can be told to fail.
type captureSink struct {
	mu     sync.Mutex
	points []types.Point
	fail   bool
}

func (s *captureSink) WritePoint(ctx context.Context, p types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.points = append(s.points, p)
	return nil
}

func (s *captureSink) written() []types.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Point, len(s.points))
	copy(out, s.points)
	return out
}

func testConfig() config.BarConfig {
	return config.BarConfig{
		Period:        config.Duration(5 * time.Minute),
		CheckInterval: config.Duration(time.Second),
	}
}

func sample(at time.Time, v float64) types.Value {
	return types.Value{
		Product: "prod",
		Path:    "net/latency",
		Type:    types.TypeDoubleBar,
		Time:    at,
		Num:     v,
	}
}

func TestAggregator_CloseMarkerFlushes(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	agg.Add(sample(base, 10))
	agg.Add(sample(base.Add(time.Second), 30))
	agg.Add(sample(base.Add(2*time.Second), 20))

	// A bare marker flushes without contributing a sample; min stays 10,
	// not the marker's zero value.
	marker := sample(base.Add(3*time.Second), 0)
	marker.Close = true
	agg.Add(marker)

	points := sink.written()
	if len(points) != 1 {
		t.Fatalf("expected 1 flushed bar, got %d", len(points))
	}
	bar := points[0].Bar
	if bar == nil {
		t.Fatal("flushed point has no bar payload")
	}
	if bar.Count != 3 {
		t.Errorf("expected count=3, got %d", bar.Count)
	}
	if bar.Min != 10 || bar.Max != 30 {
		t.Errorf("expected min=10 max=30, got min=%f max=%f", bar.Min, bar.Max)
	}
	if bar.Mean != 20 {
		t.Errorf("expected mean=20, got %f", bar.Mean)
	}
	if bar.Min > bar.Mean || bar.Mean > bar.Max {
		t.Errorf("invariant min <= mean <= max violated: %f %f %f", bar.Min, bar.Mean, bar.Max)
	}
	if !bar.FirstTime.Equal(base) || !bar.LastTime.Equal(base.Add(2*time.Second)) {
		t.Errorf("first/last times wrong: %s / %s", bar.FirstTime, bar.LastTime)
	}
}

func TestAggregator_CloseIsIdempotent(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)

	agg.Add(sample(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), 1))
	agg.Close("prod", "net/latency")
	agg.Close("prod", "net/latency")
	agg.Close("prod", "unknown")

	if got := len(sink.written()); got != 1 {
		t.Fatalf("expected exactly 1 flushed bar, got %d", got)
	}
}

func TestAggregator_DiscardDropsState(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	agg.Add(sample(base, 10))
	agg.Add(sample(base.Add(time.Second), 20))

	agg.Discard("prod", "net/latency")
	agg.Close("prod", "net/latency")
	if got := len(sink.written()); got != 0 {
		t.Fatalf("discarded bar was flushed: %d points", got)
	}

	// Pending retries for the discarded sensor are dropped too.
	sink.fail = true
	agg.Add(sample(base.Add(2*time.Second), 30))
	agg.Close("prod", "net/latency")
	if agg.PendingCount() != 1 {
		t.Fatalf("expected 1 pending bar, got %d", agg.PendingCount())
	}
	agg.Discard("prod", "net/latency")
	if agg.PendingCount() != 0 {
		t.Errorf("pending retries survived discard: %d", agg.PendingCount())
	}
}

func TestAggregator_PeriodRollover(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	agg.Add(sample(base, 1))
	agg.Add(sample(base.Add(time.Minute), 2))

	// A sample in the next period closes the previous bar first.
	agg.Add(sample(base.Add(6*time.Minute), 3))

	points := sink.written()
	if len(points) != 1 {
		t.Fatalf("expected rollover to flush 1 bar, got %d", len(points))
	}
	if points[0].Bar.Count != 2 {
		t.Errorf("expected first bar count=2, got %d", points[0].Bar.Count)
	}
	if agg.ActiveCount() != 1 {
		t.Errorf("expected the new period's bar to stay open, got %d active", agg.ActiveCount())
	}
}

func TestAggregator_OutdatedBarClosed(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		agg.Add(sample(base.Add(time.Duration(i)*time.Second), float64(i+1)))
	}

	// Watcher tick past the period end.
	agg.closeOutdated(base.Add(6 * time.Minute))

	points := sink.written()
	if len(points) != 1 {
		t.Fatalf("expected watcher to close 1 bar, got %d", len(points))
	}
	if points[0].Bar.Count != 3 {
		t.Errorf("expected count=3, got %d", points[0].Bar.Count)
	}
	if points[0].Bar.Min != 1 || points[0].Bar.Max != 3 {
		t.Errorf("expected min=1 max=3, got min=%f max=%f", points[0].Bar.Min, points[0].Bar.Max)
	}

	// A second tick must not re-flush.
	agg.closeOutdated(base.Add(7 * time.Minute))
	if got := len(sink.written()); got != 1 {
		t.Errorf("outdated close not idempotent: %d points", got)
	}
}

func TestAggregator_FlushRetry(t *testing.T) {
	sink := &captureSink{fail: true}
	agg := New(testConfig(), sink)

	agg.Add(sample(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), 42))
	agg.Close("prod", "net/latency")

	if agg.PendingCount() != 1 {
		t.Fatalf("expected 1 pending bar after failed flush, got %d", agg.PendingCount())
	}

	// Sink stays down: the bar stays pending.
	if err := agg.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error while sink is down")
	}
	if agg.PendingCount() != 1 {
		t.Fatalf("pending bar lost after failed retry, got %d", agg.PendingCount())
	}

	// Sink recovers.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	if err := agg.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if agg.PendingCount() != 0 {
		t.Errorf("expected empty pending list, got %d", agg.PendingCount())
	}
	if got := len(sink.written()); got != 1 {
		t.Errorf("expected 1 recovered bar, got %d", got)
	}
}

func TestAggregator_Percentiles(t *testing.T) {
	cfg := testConfig()
	cfg.Percentile.Enabled = true
	cfg.Percentile.Accuracy = 0.01

	sink := &captureSink{}
	agg := New(cfg, sink)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 100; i++ {
		agg.Add(sample(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	agg.Close("prod", "net/latency")

	points := sink.written()
	if len(points) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(points))
	}
	bar := points[0].Bar
	if bar.P50 == nil || bar.P95 == nil || bar.P99 == nil {
		t.Fatal("expected percentiles on the flushed bar")
	}
	if *bar.P50 < 45 || *bar.P50 > 55 {
		t.Errorf("p50 out of tolerance: %f", *bar.P50)
	}
	if *bar.P99 < 95 || *bar.P99 > 101 {
		t.Errorf("p99 out of tolerance: %f", *bar.P99)
	}
}

func TestAggregator_PerSensorIsolation(t *testing.T) {
	sink := &captureSink{}
	agg := New(testConfig(), sink)
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	a := sample(base, 1)
	b := sample(base, 100)
	b.Path = "net/errors"
	agg.Add(a)
	agg.Add(b)

	agg.Close("prod", "net/latency")

	points := sink.written()
	if len(points) != 1 {
		t.Fatalf("expected 1 flushed bar, got %d", len(points))
	}
	if points[0].Path != "net/latency" || points[0].Bar.Max != 1 {
		t.Errorf("wrong bar flushed: %+v", points[0])
	}
	if agg.ActiveCount() != 1 {
		t.Errorf("expected the other sensor's bar open, got %d", agg.ActiveCount())
	}
}
