package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/metastore"
	"github.com/xtxerr/vigil/internal/storage"
	"github.com/xtxerr/vigil/internal/storage/types"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retention.Enabled = false

	eng, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return eng
}

func testPoint(product, path string, ts time.Time, value float64) types.Point {
	return types.Point{
		Product: product,
		Path:    path,
		Type:    types.TypeDouble,
		Time:    ts,
		Status:  types.StatusOk,
		Num:     value,
	}
}

// TestEngine_WriteQueryRoundTrip writes points and reads them back through
// the full engine path: sensor registration, bucket selection and query
// fan-out.
func TestEngine_WriteQueryRoundTrip(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		p := testPoint("factory", "line1/temp", base.Add(time.Duration(i)*time.Minute), float64(i))
		if err := eng.WritePoint(ctx, p); err != nil {
			t.Fatalf("WritePoint %d: %v", i, err)
		}
	}

	got, err := eng.Query(ctx, "factory", "line1/temp", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 points, got %d", len(got))
	}
	for i, p := range got {
		if p.Num != float64(i) {
			t.Errorf("point %d: value = %f", i, p.Num)
		}
		if i > 0 && !got[i-1].Time.Before(p.Time) {
			t.Errorf("points out of order at %d", i)
		}
	}

	// Bounded subrange, [from, to] inclusive of from, exclusive of
	// nothing the range holds.
	got, err = eng.Query(ctx, "factory", "line1/temp", base.Add(2*time.Minute), base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Query subrange: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("expected 4 points in subrange, got %d", len(got))
	}

	writes, writeErrs, queries, points, degraded := eng.Stats()
	if writes != 10 || writeErrs != 0 {
		t.Errorf("writes = %d, errors = %d", writes, writeErrs)
	}
	if queries != 2 || degraded != 0 {
		t.Errorf("queries = %d, degraded = %d", queries, degraded)
	}
	if points != 14 {
		t.Errorf("points returned = %d", points)
	}
}

// TestEngine_SensorRegistration checks that the first write registers the
// sensor's metadata.
func TestEngine_SensorRegistration(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	p := testPoint("factory", "line1/pressure", time.Now().UTC(), 1.5)
	if err := eng.WritePoint(ctx, p); err != nil {
		t.Fatalf("WritePoint: %v", err)
	}

	info, err := eng.Meta().GetSensor(ctx, "factory", "line1/pressure")
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if info.Type != types.TypeDouble {
		t.Errorf("registered type = %s", info.Type)
	}
}

func TestEngine_Latest(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	p, err := eng.Latest(ctx, "factory", "nope")
	if err != nil {
		t.Fatalf("Latest on empty: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil latest for unknown sensor, got %+v", p)
	}

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		pt := testPoint("factory", "line1/temp", base.Add(time.Duration(i)*time.Minute), float64(i*10))
		if err := eng.WritePoint(ctx, pt); err != nil {
			t.Fatalf("WritePoint: %v", err)
		}
	}

	p, err = eng.Latest(ctx, "factory", "line1/temp")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if p == nil || p.Num != 20 {
		t.Fatalf("latest = %+v, want value 20", p)
	}
}

// TestEngine_MultiBucketQuery spreads writes across bucket boundaries and
// verifies the query concatenates them in order.
func TestEngine_MultiBucketQuery(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	// Default bucket period is a week; three writes a week apart land in
	// three buckets.
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		p := testPoint("factory", "line1/temp", base.Add(time.Duration(i)*7*24*time.Hour), float64(i))
		if err := eng.WritePoint(ctx, p); err != nil {
			t.Fatalf("WritePoint: %v", err)
		}
	}

	if eng.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", eng.BucketCount())
	}

	got, err := eng.Query(ctx, "factory", "line1/temp", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 points across buckets, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Time.Before(got[i].Time) {
			t.Errorf("points out of order at %d", i)
		}
	}
}

func TestEngine_RemoveSensor(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, path := range []string{"line1/temp", "line1/pressure"} {
		if err := eng.WritePoint(ctx, testPoint("factory", path, base, 1)); err != nil {
			t.Fatalf("WritePoint: %v", err)
		}
	}

	if err := eng.RemoveSensor(ctx, "factory", "line1/temp"); err != nil {
		t.Fatalf("RemoveSensor: %v", err)
	}

	got, err := eng.Query(ctx, "factory", "line1/temp", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query after remove: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no points after remove, got %d", len(got))
	}

	// Sibling sensor untouched.
	got, err = eng.Query(ctx, "factory", "line1/pressure", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query sibling: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("sibling lost data: %d points", len(got))
	}
}

func TestEngine_FileSensorLatestOnly(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()

	if err := eng.Meta().AddSensor(ctx, types.SensorInfo{
		Product: "factory",
		Path:    "line1/report",
		Type:    types.TypeFile,
	}); err != nil {
		t.Fatalf("AddSensor: %v", err)
	}

	p := types.Point{
		Product: "factory",
		Path:    "line1/report",
		Type:    types.TypeFile,
		Time:    time.Now().UTC(),
		File:    &types.FileData{Extension: "txt", Content: []byte("hello")},
	}
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	err = eng.Meta().PutLatestValue(ctx, metastore.LatestValue{
		Product:  "factory",
		Path:     "line1/report",
		Received: p.Time,
		Payload:  data,
	})
	if err != nil {
		t.Fatalf("PutLatestValue: %v", err)
	}

	got, err := eng.Latest(ctx, "factory", "line1/report")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil || got.File == nil || string(got.File.Content) != "hello" {
		t.Fatalf("latest file = %+v", got)
	}
	if got.Type != types.TypeFile {
		t.Errorf("latest type = %s", got.Type)
	}
}
