package service

import (
	"context"
	"errors"
	"time"

	"github.com/wattvault/wattvault/pkg/lifecycle"
	"github.com/wattvault/wattvault/pkg/rollup"
)

// Task names as they appear in logs, metrics and health output.
const (
	TaskCompression   = "chunk-compression"
	TaskRollupRefresh = "rollup-refresh"
	TaskRetention     = "retention-expiry"
)

// RegisterLifecycle wires the three maintenance loops into the scheduler.
// Each task is idempotent, so the scheduler's retry-next-tick policy is
// safe, and each operates on bounded time windows, so a run's timeout is
// a real bound rather than a hope.
func (s *Service) RegisterLifecycle(sched *lifecycle.Scheduler) {
	lc := s.cfg.Lifecycle
	sched.Register(lifecycle.Task{
		Name:       TaskCompression,
		Interval:   lc.CompressionInterval,
		Timeout:    lc.TaskTimeout,
		RunOnStart: true,
		Run:        s.runCompression,
	})
	sched.Register(lifecycle.Task{
		Name:       TaskRollupRefresh,
		Interval:   lc.RollupInterval,
		Timeout:    lc.TaskTimeout,
		RunOnStart: true,
		Run:        s.runRollupRefresh,
	})
	sched.Register(lifecycle.Task{
		Name:     TaskRetention,
		Interval: lc.RetentionInterval,
		Timeout:  lc.TaskTimeout,
		Run:      s.runRetention,
	})
}

func (s *Service) runCompression(ctx context.Context) error {
	return errors.Join(
		s.raw.Compress(ctx, s.cfg.Chunks.CompressAfter),
		s.costs.Compress(ctx, s.cfg.Chunks.CompressAfter),
	)
}

func (s *Service) runRollupRefresh(ctx context.Context) error {
	lag := s.cfg.Rollup.WatermarkLag
	return errors.Join(
		s.rawRollup.Refresh(ctx, rollup.Hourly, lag),
		s.rawRollup.Refresh(ctx, rollup.Daily, lag),
		s.costRollup.Refresh(ctx, rollup.Daily, lag),
	)
}

// runRetention expires chunks past their horizon, guarded by the rollup
// watermark: raw data is only deleted once every rollup width covering it
// is finalized. Rollup rows have their own longer horizon.
func (s *Service) runRetention(ctx context.Context) error {
	var errs []error

	rawGuard, err := s.oldestWatermark(ctx, s.rawRollup, rollup.Hourly, rollup.Daily)
	if err != nil {
		errs = append(errs, err)
	} else if rawGuard.IsZero() {
		s.log.Warn().Str("table", rawTable).Msg("no rollup watermark yet, skipping raw expiry")
	} else if err := s.raw.Expire(ctx, s.cfg.Chunks.RetainRaw, rawGuard); err != nil {
		errs = append(errs, err)
	}

	costGuard, err := s.oldestWatermark(ctx, s.costRollup, rollup.Daily)
	if err != nil {
		errs = append(errs, err)
	} else if costGuard.IsZero() {
		s.log.Warn().Str("table", costTable).Msg("no rollup watermark yet, skipping cost expiry")
	} else if err := s.costs.Expire(ctx, s.cfg.Chunks.RetainCost, costGuard); err != nil {
		errs = append(errs, err)
	}

	cutoff := time.Now().Add(-s.cfg.Rollup.Retain)
	for _, width := range []time.Duration{rollup.Hourly, rollup.Daily} {
		if err := s.rawRollup.PruneBefore(ctx, width, cutoff); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.costRollup.PruneBefore(ctx, rollup.Daily, cutoff); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// oldestWatermark returns the most conservative finalized boundary across
// the given bucket widths. Zero when any width has never refreshed.
func (s *Service) oldestWatermark(ctx context.Context, engine *rollup.Engine, widths ...time.Duration) (time.Time, error) {
	var oldest time.Time
	for _, width := range widths {
		wm, err := engine.Watermark(ctx, width)
		if err != nil {
			return time.Time{}, err
		}
		if wm.IsZero() {
			return time.Time{}, nil
		}
		if oldest.IsZero() || wm.Before(oldest) {
			oldest = wm
		}
	}
	return oldest, nil
}
