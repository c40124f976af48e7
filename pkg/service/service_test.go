package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattvault/wattvault/pkg/config"
	"github.com/wattvault/wattvault/pkg/cost"
	"github.com/wattvault/wattvault/pkg/logging"
	"github.com/wattvault/wattvault/pkg/metrics"
	"github.com/wattvault/wattvault/pkg/rollup"
	"github.com/wattvault/wattvault/pkg/storage/memory"
	"github.com/wattvault/wattvault/pkg/tariff"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Rollup.WatermarkLag = 0

	svc, err := New(context.Background(), memory.New(), cfg, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.SetSchedules([]*tariff.Schedule{flatSchedule(t)}))
	return svc
}

func flatSchedule(t *testing.T) *tariff.Schedule {
	t.Helper()
	s := &tariff.Schedule{
		Provider:      "acme-energy",
		EffectiveDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Currency:      "EUR",
		TimeZone:      "UTC",
		Periods: []tariff.Period{
			{Name: "flat", RatePerKWh: 0.30, Days: tariff.AllWeek()},
		},
	}
	require.NoError(t, s.Validate())
	return s
}

func appendLoad(t *testing.T, svc *Service, device string, watts float64, start, end time.Time, step time.Duration) {
	t.Helper()
	ctx := context.Background()
	for at := start; at.Before(end); at = at.Add(step) {
		_, err := svc.Append(ctx, metrics.Sample{
			Time: at, DeviceID: device, Type: metrics.TypePower, Value: watts, Unit: "W",
		})
		require.NoError(t, err)
	}
}

func TestAppendAndQueryRaw(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	appendLoad(t, svc, "dev-1", 500, start, start.Add(time.Hour), 10*time.Minute)

	got, err := svc.QueryRaw(ctx, "dev-1", metrics.TypePower, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, 500.0, got[0].Value)
	assert.True(t, got[0].Time.Equal(start))
}

func TestPriceWindowAndQueryCost(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	appendLoad(t, svc, "dev-1", 1200, start, end, 10*time.Minute)

	rec, err := svc.PriceWindow(ctx, "dev-1", start, end)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, rec.EnergyKWh, 1e-9)
	assert.InDelta(t, 1.2*0.30, rec.CostTotal, 1e-9)
	assert.Equal(t, "flat", rec.RatePeriod)

	stored, err := svc.QueryCost(ctx, "dev-1", start, end)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec, stored[0])

	// Re-pricing the same window overwrites instead of duplicating.
	again, err := svc.PriceWindow(ctx, "dev-1", start, end)
	require.NoError(t, err)
	stored, err = svc.QueryCost(ctx, "dev-1", start, end)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, again, stored[0])
}

func TestRollupRefreshAcrossTables(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	appendLoad(t, svc, "dev-1", 800, start, end, 5*time.Minute)
	_, err := svc.PriceWindow(ctx, "dev-1", start, end)
	require.NoError(t, err)

	require.NoError(t, svc.runRollupRefresh(ctx))

	hourly, err := svc.QueryRollup(ctx, rollup.Hourly, "dev-1", metrics.TypePower, start, end)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, 12, hourly[0].SampleCount)
	assert.InDelta(t, 800, hourly[0].Avg, 1e-9)

	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	daily, err := svc.QueryRollup(ctx, rollup.Daily, "dev-1", cost.MetricName, day, day.Add(rollup.Daily))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, 1, daily[0].SampleCount)
	assert.InDelta(t, 0.8*0.30, daily[0].Sum, 1e-9) // 0.8 kWh at 0.30
}

func TestRetentionSkipsUntilRollupsExist(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	old := time.Now().Add(-120 * 24 * time.Hour).UTC()

	appendLoad(t, svc, "dev-1", 400, old, old.Add(30*time.Minute), 10*time.Minute)

	// No rollup has ever refreshed: retention must leave the raw data
	// alone rather than delete rows the rollups never saw.
	require.NoError(t, svc.runRetention(ctx))
	got, err := svc.QueryRaw(ctx, "dev-1", metrics.TypePower, old, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// Once rollups are finalized past the chunk, expiry proceeds.
	require.NoError(t, svc.runRollupRefresh(ctx))
	require.NoError(t, svc.runRetention(ctx))
	got, err = svc.QueryRaw(ctx, "dev-1", metrics.TypePower, old, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompressionKeepsDataQueryable(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	appendLoad(t, svc, "dev-1", 650, start, start.Add(time.Hour), 5*time.Minute)
	require.NoError(t, svc.runCompression(ctx))

	st := svc.Stats()
	require.Len(t, st, 2)
	assert.Equal(t, 1, st[0].CompressedChunks)

	got, err := svc.QueryRaw(ctx, "dev-1", metrics.TypePower, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 12)
}

func TestDeleteDeviceCascade(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	for _, dev := range []string{"dev-1", "dev-2"} {
		appendLoad(t, svc, dev, 900, start, end, 10*time.Minute)
		_, err := svc.PriceWindow(ctx, dev, start, end)
		require.NoError(t, err)
	}
	require.NoError(t, svc.runRollupRefresh(ctx))

	require.NoError(t, svc.DeleteDevice(ctx, "dev-1"))

	raw, err := svc.QueryRaw(ctx, "dev-1", metrics.TypePower, start, end)
	require.NoError(t, err)
	assert.Empty(t, raw)
	costs, err := svc.QueryCost(ctx, "dev-1", start, end)
	require.NoError(t, err)
	assert.Empty(t, costs)
	hourly, err := svc.QueryRollup(ctx, rollup.Hourly, "dev-1", metrics.TypePower, start, end)
	require.NoError(t, err)
	assert.Empty(t, hourly)

	// The other device is untouched.
	raw, err = svc.QueryRaw(ctx, "dev-2", metrics.TypePower, start, end)
	require.NoError(t, err)
	assert.Len(t, raw, 6)
}

func TestSetSchedulesRejectsInvalid(t *testing.T) {
	svc := newTestService(t)
	bad := &tariff.Schedule{Provider: "acme-energy", TimeZone: "UTC"}
	assert.Error(t, svc.SetSchedules([]*tariff.Schedule{bad}))
}
