package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value is an inbound sensor reading as submitted by a client, before
// validation and routing.
type Value struct {
	Product string
	Path    string
	Type    SensorType
	Time    time.Time
	Status  Status
	Comment string

	// Payload, one of the following depending on Type.
	Bool bool
	Num  float64 // int and double sensors, and single bar samples
	Text string
	File *FileData

	// Close marks the explicit end of an open bar. It replaces the
	// original sentinel-date convention: a bar value with Close set
	// carries no sample and flushes the open aggregate immediately.
	Close bool
}

// FileData is the payload of a file sensor value.
type FileData struct {
	Extension string `json:"extension,omitempty"`
	Content   []byte `json:"content"`
}

// CheckType reports whether the value payload is compatible with the
// declared sensor type.
func (v *Value) CheckType(declared SensorType) error {
	if v.Type != declared {
		return fmt.Errorf("sensor declared as %s, got %s", declared, v.Type)
	}
	if v.Type == TypeFile && v.File == nil {
		return fmt.Errorf("file sensor value has no file payload")
	}
	return nil
}

// Point converts a non-bar value into its stored form.
func (v *Value) Point() Point {
	return Point{
		Product: v.Product,
		Path:    v.Path,
		Type:    v.Type,
		Time:    v.Time,
		Status:  v.Status,
		Comment: v.Comment,
		Bool:    v.Bool,
		Num:     v.Num,
		Text:    v.Text,
		File:    v.File,
	}
}

// Point is a single stored sensor data point. Identity is
// (Product, Path, Time); points are immutable once written, and a later
// write with an identical timestamp overwrites the earlier one.
type Point struct {
	// Product and Path form the key together with Time; they are not part
	// of the stored payload.
	Product string `json:"-"`
	Path    string `json:"-"`

	Type    SensorType `json:"type"`
	Time    time.Time  `json:"time"`
	Status  Status     `json:"status,omitempty"`
	Comment string     `json:"comment,omitempty"`

	Bool bool      `json:"bool,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Text string    `json:"text,omitempty"`
	File *FileData `json:"file,omitempty"`
	Bar  *Bar      `json:"bar,omitempty"`

	// Size is the raw payload size in bytes, filled on write for storage
	// accounting.
	Size int64 `json:"size,omitempty"`
}

// Bar is the aggregated payload of a bar sensor point.
type Bar struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`

	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`

	// Optional percentiles, present when sketch tracking is enabled.
	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// Encode serializes the point payload for storage.
func (p *Point) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode point: %w", err)
	}
	return data, nil
}

// DecodePoint deserializes a stored point payload. Product and path come
// from the key, not the payload.
func DecodePoint(product, path string, data []byte) (Point, error) {
	var p Point
	if err := json.Unmarshal(data, &p); err != nil {
		return Point{}, fmt.Errorf("decode point: %w", err)
	}
	p.Product = product
	p.Path = path
	return p, nil
}

// SensorInfo is the registered metadata of a sensor.
type SensorInfo struct {
	Product      string
	Path         string
	Type         SensorType
	Description  string
	TTL          time.Duration // zero means no timeout policy
	LastReceived time.Time
	Created      time.Time
}

// Key returns the unique key for this sensor.
func (s SensorInfo) Key() string {
	return s.Product + "/" + s.Path
}

// SensorKey returns the unique key for a (product, path) pair.
func SensorKey(product, path string) string {
	return product + "/" + path
}
