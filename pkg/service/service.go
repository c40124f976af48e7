package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattvault/wattvault/pkg/chunkstore"
	"github.com/wattvault/wattvault/pkg/config"
	"github.com/wattvault/wattvault/pkg/cost"
	"github.com/wattvault/wattvault/pkg/metrics"
	"github.com/wattvault/wattvault/pkg/rollup"
	"github.com/wattvault/wattvault/pkg/storage"
	"github.com/wattvault/wattvault/pkg/tariff"
)

// Table names for the two chunked stores.
const (
	rawTable  = "metrics"
	costTable = "costs"
)

// Service is the narrow contract exposed to the out-of-scope ingestion,
// configuration and query layers: append validated samples, query raw
// rows, rollups and costs, price windows on demand, and cascade-delete
// devices. The lifecycle scheduler drives the rest through Tasks.
type Service struct {
	cfg     *config.Config
	log     zerolog.Logger
	backend storage.Backend

	raw   *chunkstore.Store
	costs *chunkstore.Store

	rawRollup  *rollup.Engine
	costRollup *rollup.Engine

	pricer *cost.Engine

	schedMu   sync.RWMutex
	schedules []*tariff.Schedule
}

// New opens both chunked tables on the backend and wires the engines.
func New(ctx context.Context, backend storage.Backend, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	lateWrites := chunkstore.RejectLate
	if cfg.Chunks.AcceptLateWrites {
		lateWrites = chunkstore.AcceptLate
	}

	raw, err := chunkstore.Open(ctx, backend, chunkstore.Options{
		Table:      rawTable,
		ChunkWidth: cfg.Chunks.Width,
		LateWrites: lateWrites,
		Codec:      chunkstore.SampleCodec{},
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("service: open raw store: %w", err)
	}

	// Cost chunks always accept late writes: re-pricing a historical
	// window must overwrite its record even after the chunk compressed.
	costs, err := chunkstore.Open(ctx, backend, chunkstore.Options{
		Table:      costTable,
		ChunkWidth: cfg.Chunks.Width,
		LateWrites: chunkstore.AcceptLate,
		Codec:      cost.Codec{},
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("service: open cost store: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		log:     logger.With().Str("component", "service").Logger(),
		backend: backend,
		raw:     raw,
		costs:   costs,
	}
	s.rawRollup = rollup.New(&rawSource{store: raw}, backend, logger)
	s.costRollup = rollup.New(&costSource{store: costs}, backend, logger)
	s.pricer = cost.New(
		&sampleSource{store: raw},
		&costSink{store: costs},
		s.Schedules,
		cost.Params{
			DemandRatePerKW: cfg.Pricing.DemandRatePerKW,
			TaxRate:         cfg.Pricing.TaxRate,
			CarbonIntensity: cfg.Pricing.CarbonIntensity,
		},
		logger,
	)
	return s, nil
}

// Append routes one validated sample into the raw store.
func (s *Service) Append(ctx context.Context, sample metrics.Sample) (chunkstore.ChunkRef, error) {
	return s.raw.Append(ctx, sample)
}

// QueryRaw returns samples for a series in [start, end), time ascending,
// regardless of the chunk state underneath.
func (s *Service) QueryRaw(ctx context.Context, deviceID string, metric metrics.MetricType, start, end time.Time) ([]metrics.Sample, error) {
	rows, err := s.raw.Query(ctx, deviceID, string(metric), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Sample, 0, len(rows))
	for _, row := range rows {
		sample, ok := row.(metrics.Sample)
		if !ok {
			return nil, fmt.Errorf("service: unexpected raw row type %T", row)
		}
		out = append(out, sample)
	}
	return out, nil
}

// QueryRollup returns rollup rows of the given bucket width. The cost
// rollup is addressed by the cost metric name; anything else reads the
// raw-sample rollup.
func (s *Service) QueryRollup(ctx context.Context, width time.Duration, deviceID string, metric metrics.MetricType, start, end time.Time) ([]rollup.Row, error) {
	if string(metric) == cost.MetricName {
		return s.costRollup.Query(ctx, width, deviceID, cost.MetricName, start, end)
	}
	return s.rawRollup.Query(ctx, width, deviceID, string(metric), start, end)
}

// QueryCost returns cost records for a device in [start, end), ordered by
// period start.
func (s *Service) QueryCost(ctx context.Context, deviceID string, start, end time.Time) ([]cost.Record, error) {
	rows, err := s.costs.Query(ctx, deviceID, cost.MetricName, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]cost.Record, 0, len(rows))
	for _, row := range rows {
		rec, ok := row.(cost.Record)
		if !ok {
			return nil, fmt.Errorf("service: unexpected cost row type %T", row)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PriceWindow prices [start, end) for a device synchronously and persists
// the record.
func (s *Service) PriceWindow(ctx context.Context, deviceID string, start, end time.Time) (cost.Record, error) {
	return s.pricer.PriceWindow(ctx, deviceID, start, end)
}

// DeleteDevice cascade-deletes everything derived from a device: raw
// samples, cost records and rollup rows at every width.
func (s *Service) DeleteDevice(ctx context.Context, deviceID string) error {
	var errs []error
	if err := s.raw.DeleteDevice(ctx, deviceID); err != nil {
		errs = append(errs, err)
	}
	if err := s.costs.DeleteDevice(ctx, deviceID); err != nil {
		errs = append(errs, err)
	}
	for _, width := range []time.Duration{rollup.Hourly, rollup.Daily} {
		if err := s.rawRollup.DeleteDevice(ctx, width, deviceID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.costRollup.DeleteDevice(ctx, rollup.Daily, deviceID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetSchedules validates and installs the active rate schedules, supplied
// by the out-of-scope configuration layer.
func (s *Service) SetSchedules(schedules []*tariff.Schedule) error {
	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			return err
		}
	}
	s.schedMu.Lock()
	s.schedules = schedules
	s.schedMu.Unlock()
	s.log.Info().Int("schedules", len(schedules)).Msg("rate schedules installed")
	return nil
}

// Schedules returns the installed rate schedules.
func (s *Service) Schedules() []*tariff.Schedule {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return s.schedules
}

// Stats reports chunk index state for both tables.
func (s *Service) Stats() []chunkstore.Stats {
	return []chunkstore.Stats{s.raw.Stats(), s.costs.Stats()}
}

// --- adapters between the engines ---

// rawSource feeds raw samples into the rollup engine.
type rawSource struct {
	store *chunkstore.Store
}

func (r *rawSource) Name() string { return rawTable }

func (r *rawSource) Scan(ctx context.Context, start, end time.Time) ([]rollup.Value, error) {
	rows, err := r.store.Query(ctx, "", "", start, end)
	if err != nil {
		return nil, err
	}
	values := make([]rollup.Value, 0, len(rows))
	for _, row := range rows {
		sample, ok := row.(metrics.Sample)
		if !ok {
			return nil, fmt.Errorf("service: unexpected raw row type %T", row)
		}
		values = append(values, rollup.Value{
			Time:     sample.Time,
			DeviceID: sample.DeviceID,
			Metric:   string(sample.Type),
			Value:    sample.Value,
		})
	}
	return values, nil
}

// costSource feeds priced totals into the daily cost rollup.
type costSource struct {
	store *chunkstore.Store
}

func (c *costSource) Name() string { return costTable }

func (c *costSource) Scan(ctx context.Context, start, end time.Time) ([]rollup.Value, error) {
	rows, err := c.store.Query(ctx, "", "", start, end)
	if err != nil {
		return nil, err
	}
	values := make([]rollup.Value, 0, len(rows))
	for _, row := range rows {
		rec, ok := row.(cost.Record)
		if !ok {
			return nil, fmt.Errorf("service: unexpected cost row type %T", row)
		}
		values = append(values, rollup.Value{
			Time:     rec.PeriodStart,
			DeviceID: rec.DeviceID,
			Metric:   cost.MetricName,
			Value:    rec.CostTotal,
		})
	}
	return values, nil
}

// sampleSource gives the cost engine its power samples.
type sampleSource struct {
	store *chunkstore.Store
}

func (s *sampleSource) PowerSamples(ctx context.Context, deviceID string, start, end time.Time) ([]metrics.Sample, error) {
	rows, err := s.store.Query(ctx, deviceID, string(metrics.TypePower), start, end)
	if err != nil {
		return nil, err
	}
	samples := make([]metrics.Sample, 0, len(rows))
	for _, row := range rows {
		sample, ok := row.(metrics.Sample)
		if !ok {
			return nil, fmt.Errorf("service: unexpected raw row type %T", row)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// costSink persists priced records through the cost chunk store; the
// record's identity key makes repeated pricing an overwrite.
type costSink struct {
	store *chunkstore.Store
}

func (c *costSink) Upsert(ctx context.Context, rec cost.Record) error {
	_, err := c.store.Append(ctx, rec)
	return err
}
