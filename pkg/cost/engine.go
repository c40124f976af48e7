package cost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wattvault/wattvault/pkg/metrics"
	"github.com/wattvault/wattvault/pkg/tariff"
)

// periodShare tracks how much energy a named period contributed to a
// priced window.
type periodShare struct {
	energy float64
	rate   float64
}

// ErrNoActiveSchedule is returned when no rate schedule covers the
// window being priced.
var ErrNoActiveSchedule = errors.New("cost: no active rate schedule for window")

// Params are the externally supplied pricing inputs beyond the tariff.
type Params struct {
	// DemandRatePerKW prices the window's peak demand in currency per kW.
	// Zero disables the demand component.
	DemandRatePerKW float64

	// TaxRate is the tax fraction applied to energy plus demand charges.
	TaxRate float64

	// CarbonIntensity is grid carbon in kg CO2 per kWh, supplied by the
	// configuration layer.
	CarbonIntensity float64
}

// SampleSource provides the power samples for a device window, sorted by
// time ascending.
type SampleSource interface {
	PowerSamples(ctx context.Context, deviceID string, start, end time.Time) ([]metrics.Sample, error)
}

// Sink persists priced records. Upserts: the same window overwrites.
type Sink interface {
	Upsert(ctx context.Context, rec Record) error
}

// ScheduleProvider returns the currently configured rate schedules.
type ScheduleProvider func() []*tariff.Schedule

// Engine converts metric windows into priced cost records.
type Engine struct {
	source    SampleSource
	sink      Sink
	schedules ScheduleProvider
	params    Params
	log       zerolog.Logger
}

// New creates a cost engine.
func New(source SampleSource, sink Sink, schedules ScheduleProvider, params Params, logger zerolog.Logger) *Engine {
	return &Engine{
		source:    source,
		sink:      sink,
		schedules: schedules,
		params:    params,
		log:       logger.With().Str("component", "cost").Logger(),
	}
}

// PriceWindow prices the closed window [start, end) of power samples for
// one device and persists the resulting record. Re-running with identical
// inputs produces identical output: nothing here reads the clock.
//
// Tariff lookup happens once per sub-interval of constant period: the
// window is split at every rate boundary it straddles, each sub-interval
// is integrated and priced independently, and the pieces are summed.
func (e *Engine) PriceWindow(ctx context.Context, deviceID string, start, end time.Time) (Record, error) {
	if !start.Before(end) {
		return Record{}, fmt.Errorf("cost: invalid window [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	samples, err := e.source.PowerSamples(ctx, deviceID, start, end)
	if err != nil {
		return Record{}, fmt.Errorf("cost: load samples: %w", err)
	}

	rec := Record{
		Time:        start,
		DeviceID:    deviceID,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	// Per-period energy attribution; the dominant period supplies the
	// record's single provenance columns.
	shares := make(map[string]*periodShare)

	scheds := e.schedules()

	cursor := start
	for cursor.Before(end) {
		sched, ok := tariff.ActiveSchedule(scheds, cursor)
		if !ok {
			return Record{}, ErrNoActiveSchedule
		}
		match, err := sched.Resolve(cursor)
		if err != nil {
			// A tariff gap is a configuration problem no retry will fix;
			// surface it instead of guessing a rate.
			return Record{}, err
		}

		subEnd := sched.NextBoundary(cursor)
		if subEnd.IsZero() || subEnd.After(end) {
			subEnd = end
		}
		if sched.ExpiryDate != nil && sched.ExpiryDate.After(cursor) && sched.ExpiryDate.Before(subEnd) {
			subEnd = *sched.ExpiryDate
		}
		// A newer schedule taking effect mid-interval supersedes this one
		// from its effective date onward, so the split happens there too.
		for _, other := range scheds {
			if other.EffectiveDate.After(cursor) && other.EffectiveDate.Before(subEnd) {
				subEnd = other.EffectiveDate
			}
		}

		energy := TrapezoidalKWh(samples, cursor, subEnd)
		rec.EnergyKWh += energy
		rec.CostEnergy += energy * match.RatePerKWh
		if rec.RateID == uuid.Nil {
			rec.RateID = sched.RateID
		}

		share := shares[match.PeriodName]
		if share == nil {
			share = &periodShare{rate: match.RatePerKWh}
			shares[match.PeriodName] = share
		}
		share.energy += energy

		cursor = subEnd
	}

	for _, s := range samples {
		if s.Value > rec.PeakPowerW {
			rec.PeakPowerW = s.Value
		}
	}

	hours := end.Sub(start).Hours()
	if hours > 0 {
		rec.AvgPowerW = metrics.KWToW(rec.EnergyKWh) / hours
	}
	rec.CostDemand = metrics.WToKW(rec.PeakPowerW) * e.params.DemandRatePerKW
	rec.CostTaxes = e.params.TaxRate * (rec.CostEnergy + rec.CostDemand)
	rec.CostTotal = rec.CostEnergy + rec.CostDemand + rec.CostTaxes
	rec.CarbonKgCO2 = rec.EnergyKWh * e.params.CarbonIntensity

	rec.RatePeriod, rec.RatePerKWh = dominantPeriod(shares)

	if err := e.sink.Upsert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("cost: persist record: %w", err)
	}
	e.log.Debug().
		Str("device", deviceID).
		Time("start", start).
		Time("end", end).
		Float64("energy_kwh", rec.EnergyKWh).
		Float64("cost_total", rec.CostTotal).
		Msg("window priced")
	return rec, nil
}

// dominantPeriod picks the period that contributed the most energy,
// breaking ties by name for determinism.
func dominantPeriod(shares map[string]*periodShare) (string, float64) {
	names := make([]string, 0, len(shares))
	for name := range shares {
		names = append(names, name)
	}
	sort.Strings(names)

	var bestName string
	var bestRate, bestEnergy float64
	for _, name := range names {
		s := shares[name]
		if bestName == "" || s.energy > bestEnergy {
			bestName, bestRate, bestEnergy = name, s.rate, s.energy
		}
	}
	return bestName, bestRate
}

// TrapezoidalKWh integrates a piecewise-linear power curve over [a, b)
// and converts watt-hours to kWh. Averaging successive sample pairs over
// elapsed hours handles irregular sampling intervals correctly, unlike a
// naive avg*duration. Power is interpolated at the window edges and held
// constant beyond the sampled span.
func TrapezoidalKWh(samples []metrics.Sample, a, b time.Time) float64 {
	if len(samples) == 0 || !a.Before(b) {
		return 0
	}

	type point struct {
		t time.Time
		v float64
	}
	pts := make([]point, 0, len(samples)+2)
	pts = append(pts, point{a, powerAt(samples, a)})
	for _, s := range samples {
		if s.Time.After(a) && s.Time.Before(b) {
			pts = append(pts, point{s.Time, s.Value})
		}
	}
	pts = append(pts, point{b, powerAt(samples, b)})

	var wattHours float64
	for i := 1; i < len(pts); i++ {
		dt := pts[i].t.Sub(pts[i-1].t).Hours()
		wattHours += (pts[i-1].v + pts[i].v) / 2 * dt
	}
	return metrics.WhToKWh(wattHours)
}

// powerAt evaluates the sample curve at t: linear between neighbors,
// constant extrapolation outside the sampled span.
func powerAt(samples []metrics.Sample, t time.Time) float64 {
	n := len(samples)
	if t.Before(samples[0].Time) || n == 1 {
		return samples[0].Value
	}
	if !t.Before(samples[n-1].Time) {
		return samples[n-1].Value
	}
	// First sample strictly after t.
	idx := sort.Search(n, func(i int) bool { return samples[i].Time.After(t) })
	lo, hi := samples[idx-1], samples[idx]
	span := hi.Time.Sub(lo.Time).Seconds()
	if span <= 0 {
		return lo.Value
	}
	frac := t.Sub(lo.Time).Seconds() / span
	return lo.Value + (hi.Value-lo.Value)*frac
}
