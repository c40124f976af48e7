package cost

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"

	"github.com/wattvault/wattvault/pkg/chunkstore"
)

// MetricName is the metric under which cost records are chunked and
// rolled up.
const MetricName = "cost_total"

// Record is a derived, recomputable billing record for one device over
// one closed window. Never hand-edited: regenerating it for the same
// inputs is deterministic, so the upsert key is
// (device_id, period_start, period_end).
type Record struct {
	Time        time.Time `json:"time"`
	DeviceID    string    `json:"device_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	EnergyKWh   float64   `json:"energy_kwh"`
	AvgPowerW   float64   `json:"avg_power_w"`
	PeakPowerW  float64   `json:"peak_power_w"`
	CostTotal   float64   `json:"cost_total"`
	CostEnergy  float64   `json:"cost_energy"`
	CostDemand  float64   `json:"cost_demand"`
	CostTaxes   float64   `json:"cost_taxes"`
	RateID      uuid.UUID `json:"rate_id"`
	RatePeriod  string    `json:"rate_period"`
	RatePerKWh  float64   `json:"rate_per_kwh"`
	CarbonKgCO2 float64   `json:"carbon_co2_kg"`
}

// Chunk-store row contract. A record's timestamp is its window start;
// the identity folds in the window end so re-pricing the same window
// overwrites instead of duplicating.

func (r Record) RowTime() time.Time { return r.PeriodStart }

func (r Record) RowDevice() string { return r.DeviceID }

func (r Record) RowMetric() string { return MetricName }

func (r Record) RowKey() string {
	return r.DeviceID + "\x00" + MetricName + "\x00" + strconv.FormatInt(r.PeriodEnd.UnixNano(), 10)
}

// Codec stores cost records: JSON documents row-at-a-time, and an
// s2-compressed JSON array per compressed segment. Cost rows are wide and
// sparse compared to raw samples, so a document layout compresses well
// enough without a dedicated columnar form.
type Codec struct{}

func (Codec) EncodeRow(row chunkstore.Row) ([]byte, error) {
	rec, ok := row.(Record)
	if !ok {
		return nil, fmt.Errorf("cost codec: unexpected row type %T", row)
	}
	return json.Marshal(rec)
}

func (Codec) DecodeRow(data []byte) (chunkstore.Row, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (Codec) EncodeSegment(rows []chunkstore.Row) ([]byte, error) {
	recs := make([]Record, len(rows))
	for i, row := range rows {
		rec, ok := row.(Record)
		if !ok {
			return nil, fmt.Errorf("cost codec: unexpected row type %T", row)
		}
		recs[i] = rec
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

func (Codec) DecodeSegment(data []byte) ([]chunkstore.Row, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("cost codec: decompress: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	rows := make([]chunkstore.Row, len(recs))
	for i, rec := range recs {
		rows[i] = rec
	}
	return rows, nil
}
