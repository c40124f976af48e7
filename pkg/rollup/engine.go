package rollup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/wattvault/wattvault/pkg/storage"
)

// Engine maintains incrementally-updated rollup rows over one source.
// Each refresh recomputes only the buckets between the last watermark
// and now minus the watermark lag; the lag keeps the most recent bucket
// out of reach until no more in-order writes are expected into it.
//
// Refreshes are idempotent: a bucket is always rebuilt from scratch and
// written as a whole row, so a retry after a failure produces the same
// output and can never leave a half-updated row behind.
type Engine struct {
	source  Source
	backend storage.Backend
	log     zerolog.Logger

	// one refresh at a time per engine; concurrent refreshes of the same
	// width would race on the watermark.
	mu sync.Mutex
}

// New creates a rollup engine over source, persisting rows and watermarks
// through backend.
func New(source Source, backend storage.Backend, logger zerolog.Logger) *Engine {
	return &Engine{
		source:  source,
		backend: backend,
		log:     logger.With().Str("component", "rollup").Str("source", source.Name()).Logger(),
	}
}

// Backend key layout:
//
//	a|<source>|<width>|r|<bucketStart:8><seriesHash:8>  rollup row
//	a|<source>|<width>|w                                watermark
func (e *Engine) prefix(width time.Duration, kind byte) []byte {
	k := make([]byte, 0, len(e.source.Name())+16)
	k = append(k, 'a', '|')
	k = append(k, e.source.Name()...)
	k = append(k, '|')
	k = append(k, widthLabel(width)...)
	k = append(k, '|', kind, '|')
	return k
}

func (e *Engine) rowKey(width time.Duration, bucketStart time.Time, device, metric string) []byte {
	k := e.prefix(width, 'r')
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(bucketStart.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], seriesHash(device, metric))
	return append(k, b[:]...)
}

func (e *Engine) watermarkKey(width time.Duration) []byte {
	return e.prefix(width, 'w')
}

func seriesHash(device, metric string) uint64 {
	var d xxhash.Digest
	d.WriteString(device)
	d.WriteString("\x00")
	d.WriteString(metric)
	return d.Sum64()
}

func widthLabel(width time.Duration) string {
	switch width {
	case Hourly:
		return "1h"
	case Daily:
		return "1d"
	default:
		return width.String()
	}
}

// Refresh recomputes all buckets of the given width whose end is newer
// than the last watermark and older than now minus lag, then advances the
// watermark. Only raw rows inside that delta window are scanned.
func (e *Engine) Refresh(ctx context.Context, width, lag time.Duration) error {
	if width <= 0 {
		return fmt.Errorf("rollup: bucket width must be positive, got %v", width)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	watermark, err := e.Watermark(ctx, width)
	if err != nil {
		return err
	}

	// Newest finalizable bucket boundary: the last bucket end at or
	// before now-lag.
	limit := time.Now().Add(-lag)
	frontier := bucketStartFor(limit, width)
	if !watermark.Before(frontier) {
		return nil
	}

	scanStart := watermark
	if scanStart.IsZero() {
		// First refresh has no watermark; buckets before the frontier
		// are all candidates. The source's own retention bounds this.
		scanStart = time.Unix(0, 0).UTC()
	}
	values, err := e.source.Scan(ctx, scanStart, frontier)
	if err != nil {
		return fmt.Errorf("rollup: scan %s: %w", e.source.Name(), err)
	}

	type bucketKey struct {
		start  int64
		device string
		metric string
	}
	grouped := make(map[bucketKey][]float64)
	for _, v := range values {
		k := bucketKey{
			start:  bucketStartFor(v.Time, width).UnixNano(),
			device: v.DeviceID,
			metric: v.Metric,
		}
		grouped[k] = append(grouped[k], v.Value)
	}

	batch := storage.Batch{}
	for k, vals := range grouped {
		count, sum, avg, min, max, p50, p95, p99, stddev := summarize(vals)
		row := Row{
			BucketStart: time.Unix(0, k.start).UTC(),
			DeviceID:    k.device,
			Metric:      k.metric,
			SampleCount: count,
			Avg:         avg,
			Min:         min,
			Max:         max,
			Sum:         sum,
			P50:         p50,
			P95:         p95,
			P99:         p99,
			StdDev:      stddev,
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("rollup: encode row: %w", err)
		}
		batch.Puts = append(batch.Puts, storage.KV{
			Key:   e.rowKey(width, row.BucketStart, k.device, k.metric),
			Value: encoded,
		})
	}
	if err := e.backend.Apply(ctx, batch); err != nil {
		return fmt.Errorf("rollup: write buckets: %w", err)
	}

	// Advance the watermark only after every bucket in the window is
	// durable. A crash in between re-runs the same window next time.
	if err := e.setWatermark(ctx, width, frontier); err != nil {
		return err
	}
	e.log.Info().
		Str("width", widthLabel(width)).
		Int("buckets", len(grouped)).
		Time("watermark", frontier).
		Msg("rollup refreshed")
	return nil
}

// Watermark returns the boundary below which buckets of the given width
// are finalized. Zero when no refresh has completed yet.
func (e *Engine) Watermark(ctx context.Context, width time.Duration) (time.Time, error) {
	raw, err := e.backend.Get(ctx, e.watermarkKey(width))
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("rollup: read watermark: %w", err)
	}
	ns, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("rollup: corrupt watermark %q: %w", raw, err)
	}
	return time.Unix(0, ns).UTC(), nil
}

func (e *Engine) setWatermark(ctx context.Context, width time.Duration, t time.Time) error {
	v := strconv.FormatInt(t.UnixNano(), 10)
	if err := e.backend.Put(ctx, e.watermarkKey(width), []byte(v)); err != nil {
		return fmt.Errorf("rollup: persist watermark: %w", err)
	}
	return nil
}

// Query returns rollup rows of the given width in [start, end), ordered
// by bucket start, then device, then metric. Empty device or metric means
// no filter.
func (e *Engine) Query(ctx context.Context, width time.Duration, device, metric string, start, end time.Time) ([]Row, error) {
	var rows []Row
	err := e.backend.Scan(ctx, e.prefix(width, 'r'), func(_, value []byte) error {
		var row Row
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("rollup: decode row: %w", err)
		}
		if row.BucketStart.Before(start) || !row.BucketStart.Before(end) {
			return nil
		}
		if device != "" && row.DeviceID != device {
			return nil
		}
		if metric != "" && row.Metric != metric {
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].BucketStart.Equal(rows[j].BucketStart) {
			return rows[i].BucketStart.Before(rows[j].BucketStart)
		}
		if rows[i].DeviceID != rows[j].DeviceID {
			return rows[i].DeviceID < rows[j].DeviceID
		}
		return rows[i].Metric < rows[j].Metric
	})
	return rows, nil
}

// PruneBefore deletes rollup rows of the given width whose bucket ends at
// or before cutoff. Rollups carry a longer retention horizon than raw
// data; this is their expiry path.
func (e *Engine) PruneBefore(ctx context.Context, width time.Duration, cutoff time.Time) error {
	batch := storage.Batch{}
	err := e.backend.Scan(ctx, e.prefix(width, 'r'), func(key, value []byte) error {
		var row Row
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("rollup: decode row: %w", err)
		}
		if !row.BucketStart.Add(width).After(cutoff) {
			batch.Deletes = append(batch.Deletes, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch.Deletes) == 0 {
		return nil
	}
	if err := e.backend.Apply(ctx, batch); err != nil {
		return fmt.Errorf("rollup: prune: %w", err)
	}
	e.log.Info().Str("width", widthLabel(width)).Int("rows", len(batch.Deletes)).Msg("rollup rows pruned")
	return nil
}

// DeleteDevice removes every rollup row for a device at the given width,
// part of the device cascade delete.
func (e *Engine) DeleteDevice(ctx context.Context, width time.Duration, device string) error {
	batch := storage.Batch{}
	err := e.backend.Scan(ctx, e.prefix(width, 'r'), func(key, value []byte) error {
		var row Row
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("rollup: decode row: %w", err)
		}
		if row.DeviceID == device {
			batch.Deletes = append(batch.Deletes, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch.Deletes) == 0 {
		return nil
	}
	return e.backend.Apply(ctx, batch)
}

// bucketStartFor aligns t down to its bucket boundary.
func bucketStartFor(t time.Time, width time.Duration) time.Time {
	ns := t.UnixNano()
	w := int64(width)
	q := ns / w
	if ns%w < 0 {
		q--
	}
	return time.Unix(0, q*w).UTC()
}
