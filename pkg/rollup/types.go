package rollup

import (
	"context"
	"time"
)

// Standard bucket widths. Anything positive works; these are what the
// scheduler drives.
const (
	Hourly = time.Hour
	Daily  = 24 * time.Hour
)

// Value is one raw observation fed into a rollup bucket. Sources adapt
// their row type (metric sample, cost record) into this shape.
type Value struct {
	Time     time.Time
	DeviceID string
	Metric   string
	Value    float64
}

// Source supplies raw values for a time window. Scans are bounded to the
// delta window being refreshed, never the full history.
type Source interface {
	// Name identifies the source table; it namespaces rollup keys.
	Name() string

	Scan(ctx context.Context, start, end time.Time) ([]Value, error)
}

// Row is one materialized rollup bucket for a (bucket, device, metric)
// triple. Writes replace the whole row, never accumulate into it, so a
// retried refresh cannot double-count.
type Row struct {
	BucketStart time.Time `json:"bucket_start"`
	DeviceID    string    `json:"device_id"`
	Metric      string    `json:"metric_type"`
	SampleCount int       `json:"sample_count"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Sum         float64   `json:"sum"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	StdDev      float64   `json:"stddev"`
}
