package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/store"
)

// maintenanceThreshold is the deletion count above which one cleanup pass
// runs the store maintenance hook.
const maintenanceThreshold = 10_000

// RetentionEngine owns the continuous downsampling and the TTL cleanup.
type RetentionEngine struct {
	st  *store.Store
	cfg config.CleanupConfig
	log *zap.SugaredLogger
	now func() int64
}

// NewRetentionEngine builds the engine.
func NewRetentionEngine(st *store.Store, cfg config.CleanupConfig, log *zap.SugaredLogger) *RetentionEngine {
	return &RetentionEngine{
		st:  st,
		cfg: cfg,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// RunDownsampler rolls raw points into minute buckets and minutes into hour
// buckets once a minute. Both passes resume from persisted watermarks, so a
// crash mid-pass costs nothing.
func (e *RetentionEngine) RunDownsampler(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := e.now()
			if n, err := e.st.Downsample1m(ctx, now); err != nil {
				e.log.Warnw("minute downsample failed", "err", err)
			} else if n > 0 {
				e.log.Debugw("minute downsample", "buckets", n)
			}
			if n, err := e.st.Downsample1h(ctx, now); err != nil {
				e.log.Warnw("hour downsample failed", "err", err)
			} else if n > 0 {
				e.log.Debugw("hour downsample", "buckets", n)
			}
		}
	}
}

// RunCleanup enforces retention windows every CleanupIntervalHours.
func (e *RetentionEngine) RunCleanup(ctx context.Context) error {
	interval := time.Duration(e.cfg.CleanupIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce runs one retention pass. Exported for tests and the CLI.
func (e *RetentionEngine) CleanupOnce(ctx context.Context) {
	res, err := e.st.Cleanup(ctx, e.now(), e.cfg)
	if err != nil {
		e.log.Warnw("cleanup pass failed", "err", err)
		return
	}
	total := res.RawDeleted + res.MinuteDeleted + res.HourDeleted +
		res.AlarmsDeleted + res.SegmentsDeleted + res.HealthDeleted + res.AuditDeleted
	e.log.Infow("cleanup pass",
		"raw", res.RawDeleted, "minute", res.MinuteDeleted, "hour", res.HourDeleted,
		"alarms", res.AlarmsDeleted, "segments", res.SegmentsDeleted,
		"health", res.HealthDeleted, "audit", res.AuditDeleted,
		"raw_skipped", res.RawSkipped, "minute_skipped", res.MinuteSkipped)
	if total > maintenanceThreshold {
		if err := e.st.Maintenance(ctx); err != nil {
			e.log.Warnw("store maintenance failed", "err", err)
		}
	}
}
