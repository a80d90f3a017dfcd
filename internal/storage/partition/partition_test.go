package partition

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestIndex(t *testing.T, dir string) *Index {
	t.Helper()

	ix, err := Open(dir, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndex_CreateOnFirstWrite(t *testing.T) {
	ix := openTestIndex(t, t.TempDir())

	at := time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC)
	b, err := ix.SelectForWrite(at)
	if err != nil {
		t.Fatalf("select for write: %v", err)
	}
	if !b.Contains(at) {
		t.Errorf("created bucket [%s, %s) does not contain %s", b.From(), b.To(), at)
	}
	if ix.Count() != 1 {
		t.Errorf("expected 1 bucket, got %d", ix.Count())
	}

	// Same timestamp reuses, never creates a second bucket.
	b2, err := ix.SelectForWrite(at)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if b2 != b {
		t.Error("expected the same bucket instance")
	}
	if ix.Count() != 1 {
		t.Errorf("expected 1 bucket after reuse, got %d", ix.Count())
	}
}

func TestIndex_ConcurrentCreateIsIdempotent(t *testing.T) {
	ix := openTestIndex(t, t.TempDir())
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ix.SelectForWrite(at); err != nil {
				t.Errorf("concurrent select: %v", err)
			}
		}()
	}
	wg.Wait()

	if ix.Count() != 1 {
		t.Fatalf("racing writers created %d buckets, want 1", ix.Count())
	}
}

func TestIndex_SelectForRead(t *testing.T) {
	ix := openTestIndex(t, t.TempDir())

	// Three consecutive weeks.
	t0 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for w := 0; w < 3; w++ {
		if _, err := ix.SelectForWrite(t0.Add(time.Duration(w) * 7 * 24 * time.Hour)); err != nil {
			t.Fatalf("select for write week %d: %v", w, err)
		}
	}
	if ix.Count() != 3 {
		t.Fatalf("expected 3 buckets, got %d", ix.Count())
	}

	// A range inside the second week touches exactly one bucket.
	from := t0.Add(8 * 24 * time.Hour)
	to := from.Add(24 * time.Hour)
	got := ix.SelectForRead(from, to)
	if len(got) != 1 {
		t.Fatalf("expected 1 overlapping bucket, got %d", len(got))
	}

	// Unbounded range returns all, ascending.
	all := ix.SelectForRead(time.Time{}, time.Time{})
	if len(all) != 3 {
		t.Fatalf("expected 3 buckets for unbounded range, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i].From().After(all[i-1].From()) {
			t.Error("buckets not ascending by from")
		}
	}
}

func TestIndex_DiscoverySkipsForeignDirs(t *testing.T) {
	dir := t.TempDir()

	ix := openTestIndex(t, dir)
	at := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if _, err := ix.SelectForWrite(at); err != nil {
		t.Fatalf("select for write: %v", err)
	}
	ix.Close()

	// Foreign and half-written directories must not break discovery.
	os.Mkdir(filepath.Join(dir, "lost+found"), 0o755)
	os.Mkdir(filepath.Join(dir, "sensorvalues_garbage"), 0o755)
	os.Mkdir(filepath.Join(dir, "sensorvalues_123"), 0o755)

	reopened := openTestIndex(t, dir)
	if reopened.Count() != 1 {
		t.Fatalf("expected 1 discovered bucket, got %d", reopened.Count())
	}
	if !reopened.All()[0].Contains(at) {
		t.Error("discovered bucket lost its bounds")
	}
}

func TestIndex_Detach(t *testing.T) {
	ix := openTestIndex(t, t.TempDir())

	b, err := ix.SelectForWrite(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("select for write: %v", err)
	}
	if err := ix.Detach(b); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if ix.Count() != 0 {
		t.Errorf("expected empty index after detach, got %d", ix.Count())
	}
}

func TestParseBucketName(t *testing.T) {
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)

	name := bucketName(from, to)
	gotFrom, gotTo, ok := parseBucketName(name)
	if !ok {
		t.Fatalf("round-trip parse failed for %q", name)
	}
	if !gotFrom.Equal(from) || !gotTo.Equal(to) {
		t.Errorf("bounds changed: got [%s, %s), want [%s, %s)", gotFrom, gotTo, from, to)
	}

	for _, bad := range []string{"", "sensorvalues", "sensorvalues_1_2_3", "other_1_2", "sensorvalues_x_y"} {
		if _, _, ok := parseBucketName(bad); ok {
			t.Errorf("parse accepted %q", bad)
		}
	}
}
