// Package archive exports expired buckets to Parquet and serves cold
// history reads over the archived files through DuckDB.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/vigil/internal/storage/bucket"
	"github.com/xtxerr/vigil/internal/storage/types"
)

// PointRow is a stored point in Parquet format. File payloads never reach
// buckets (single-value sensors live in the metastore), so rows carry only
// scalar and bar fields.
type PointRow struct {
	Product string `parquet:"product,zstd"`
	Path    string `parquet:"path,zstd"`
	Type    string `parquet:"type,zstd"`
	TimeNs  int64  `parquet:"time_ns"`
	Status  int32  `parquet:"status"`
	Comment string `parquet:"comment,optional,zstd"`

	Bool bool    `parquet:"bool"`
	Num  float64 `parquet:"num"`
	Text string  `parquet:"text,optional,zstd"`

	BarMin     float64 `parquet:"bar_min,optional"`
	BarMax     float64 `parquet:"bar_max,optional"`
	BarMean    float64 `parquet:"bar_mean,optional"`
	BarCount   int64   `parquet:"bar_count,optional"`
	BarFirstNs int64   `parquet:"bar_first_ns,optional"`
	BarLastNs  int64   `parquet:"bar_last_ns,optional"`
}

// Writer exports bucket contents to Parquet files in one directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer targeting dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// ExportBucket writes every point of b into one Parquet file named after
// the bucket's bounds. Returns the number of rows written. The export is
// atomic: rows go to a temp file renamed into place on success.
func (w *Writer) ExportBucket(ctx context.Context, b *bucket.Store) (int64, error) {
	name := fmt.Sprintf("bucket_%d_%d.parquet", b.From().UnixNano(), b.To().UnixNano())
	dest := filepath.Join(w.dir, name)
	tmp := dest + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}

	pw := parquet.NewGenericWriter[PointRow](f, parquet.Compression(&parquet.Zstd))

	var rows int64
	scanErr := b.ScanAll(ctx, func(p types.Point) bool {
		row := toRow(p)
		if _, err = pw.Write([]PointRow{row}); err != nil {
			return false
		}
		rows++
		return true
	})

	if scanErr == nil && err == nil {
		err = pw.Close()
	} else {
		pw.Close()
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if scanErr != nil || err != nil {
		os.Remove(tmp)
		if scanErr != nil {
			return 0, fmt.Errorf("export bucket: %w", scanErr)
		}
		return 0, fmt.Errorf("export bucket: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("finalize archive file: %w", err)
	}
	return rows, nil
}

func toRow(p types.Point) PointRow {
	row := PointRow{
		Product: p.Product,
		Path:    p.Path,
		Type:    p.Type.String(),
		TimeNs:  p.Time.UnixNano(),
		Status:  int32(p.Status),
		Comment: p.Comment,
		Bool:    p.Bool,
		Num:     p.Num,
		Text:    p.Text,
	}
	if p.Bar != nil {
		row.BarMin = p.Bar.Min
		row.BarMax = p.Bar.Max
		row.BarMean = p.Bar.Mean
		row.BarCount = p.Bar.Count
		row.BarFirstNs = p.Bar.FirstTime.UnixNano()
		row.BarLastNs = p.Bar.LastTime.UnixNano()
	}
	return row
}

// Reader serves cold history reads over archived Parquet files.
type Reader struct {
	mu  sync.Mutex
	dir string
	db  *sql.DB
}

// NewReader opens an in-memory DuckDB instance over the archive directory.
func NewReader(dir string) (*Reader, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open archive reader: %w", err)
	}
	return &Reader{dir: dir, db: db}, nil
}

// Close releases the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Query returns archived points of one sensor within [from, to], ascending
// by time. A missing or empty archive yields an empty result.
func (r *Reader) Query(ctx context.Context, product, path string, from, to time.Time) ([]types.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern := filepath.Join(r.dir, "*.parquet")
	if matches, _ := filepath.Glob(pattern); len(matches) == 0 {
		return nil, nil
	}

	fromNs, toNs := rangeBounds(from, to)

	rows, err := r.db.QueryContext(ctx, `
		SELECT product, path, type, time_ns, status, comment,
		       bool, num, text,
		       bar_min, bar_max, bar_mean, bar_count, bar_first_ns, bar_last_ns
		FROM read_parquet($1)
		WHERE product = $2
		  AND path = $3
		  AND time_ns >= $4
		  AND time_ns <= $5
		ORDER BY time_ns
	`, pattern, product, path, fromNs, toNs)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []types.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func rangeBounds(from, to time.Time) (int64, int64) {
	fromNs := int64(0)
	if !from.IsZero() {
		fromNs = from.UnixNano()
	}
	toNs := int64(1<<63 - 1)
	if !to.IsZero() {
		toNs = to.UnixNano()
	}
	return fromNs, toNs
}

func scanPoint(rows *sql.Rows) (types.Point, error) {
	var (
		row      PointRow
		comment  sql.NullString
		text     sql.NullString
		barMin   sql.NullFloat64
		barMax   sql.NullFloat64
		barMean  sql.NullFloat64
		barCount sql.NullInt64
		barFirst sql.NullInt64
		barLast  sql.NullInt64
	)
	err := rows.Scan(&row.Product, &row.Path, &row.Type, &row.TimeNs, &row.Status, &comment,
		&row.Bool, &row.Num, &text,
		&barMin, &barMax, &barMean, &barCount, &barFirst, &barLast)
	if err != nil {
		return types.Point{}, fmt.Errorf("scan archive row: %w", err)
	}

	sensorType, err := types.ParseSensorType(row.Type)
	if err != nil {
		return types.Point{}, err
	}

	p := types.Point{
		Product: row.Product,
		Path:    row.Path,
		Type:    sensorType,
		Time:    time.Unix(0, row.TimeNs).UTC(),
		Status:  types.Status(row.Status),
		Comment: comment.String,
		Bool:    row.Bool,
		Num:     row.Num,
		Text:    text.String,
	}
	if barCount.Valid && barCount.Int64 > 0 {
		p.Bar = &types.Bar{
			Min:       barMin.Float64,
			Max:       barMax.Float64,
			Mean:      barMean.Float64,
			Count:     barCount.Int64,
			FirstTime: time.Unix(0, barFirst.Int64).UTC(),
			LastTime:  time.Unix(0, barLast.Int64).UTC(),
		}
	}
	return p, nil
}
