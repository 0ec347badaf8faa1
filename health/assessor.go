package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
	"github.com/intellimaint/intellimaint/util"
)

// Assessor computes and persists device health scores on a fixed interval.
type Assessor struct {
	st  *store.Store
	cfg config.HealthConfig
	ms  config.MultiScaleConfig
	log *zap.SugaredLogger
	now func() int64
}

// NewAssessor builds an assessor.
func NewAssessor(st *store.Store, cfg config.HealthConfig, ms config.MultiScaleConfig, log *zap.SugaredLogger) *Assessor {
	return &Assessor{
		st:  st,
		cfg: cfg,
		ms:  ms,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Run assesses every enabled device each EvalIntervalS.
func (a *Assessor) Run(ctx context.Context) error {
	interval := time.Duration(a.cfg.EvalIntervalS) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.AssessAll(ctx)
		}
	}
}

// AssessAll runs one pass over every enabled device.
func (a *Assessor) AssessAll(ctx context.Context) {
	devices, err := a.st.ListDevices(ctx, "")
	if err != nil {
		a.log.Warnw("device list failed", "err", err)
		return
	}
	for _, d := range devices {
		if _, err := a.AssessAndStore(ctx, d.DeviceID); err != nil {
			a.log.Warnw("health assessment failed", "device", d.DeviceID, "err", err)
		}
	}
}

// AssessAndStore assesses one device and persists the snapshot.
func (a *Assessor) AssessAndStore(ctx context.Context, deviceID string) (*model.EnhancedHealthScore, error) {
	score, err := a.Assess(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	snap := model.DeviceHealthSnapshot{
		DeviceID: deviceID, TS: score.TS, Index: score.Index, Level: score.Level,
		DeviationScore: score.DeviationScore, TrendScore: score.TrendScore,
		StabilityScore: score.StabilityScore, AlarmScore: score.AlarmScore,
	}
	if err := a.st.SaveHealthSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return score, nil
}

// Assess computes the health score of one device without persisting it.
func (a *Assessor) Assess(ctx context.Context, deviceID string) (*model.EnhancedHealthScore, error) {
	nowMs := a.now()
	baselines, err := a.st.DeviceBaselines(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	impRules, err := a.st.ListImportanceRules(ctx)
	if err != nil {
		return nil, err
	}
	imp := NewImportanceResolver(impRules, a.cfg.DefaultTagImportance)
	corrRules, err := a.st.ListCorrelationRules(ctx)
	if err != nil {
		return nil, err
	}

	windowMin := a.cfg.DefaultWindowMinutes
	if windowMin <= 0 {
		windowMin = 60
	}

	var c components
	var trendDir int
	if a.ms.Enabled {
		c, trendDir, err = a.multiScale(ctx, deviceID, baselines, imp, nowMs)
		windowMin = a.ms.LongTermMinutes
	} else {
		c, err = a.windowComponents(ctx, deviceID, windowMin, baselines, imp, nowMs)
	}
	if err != nil {
		return nil, err
	}

	windows, err := a.fetchWindows(ctx, deviceID, windowMin, nowMs)
	if err != nil {
		return nil, err
	}
	penalty := correlationPenalty(corrRules, deviceID, windows)

	index := composite(a.cfg, c) - int(penalty)
	index = int(util.Clamp(float64(index), 0, 100))
	conf, note := confidence(a.cfg, c.Samples)

	score := &model.EnhancedHealthScore{
		DeviceID:       deviceID,
		TS:             nowMs,
		Index:          index,
		Level:          level(a.cfg, index),
		DeviationScore: c.Deviation,
		TrendScore:     c.Trend,
		StabilityScore: c.Stability,
		AlarmScore:     c.Alarm,
		Confidence:     conf,
		Note:           note,
		ProblemTags:    c.Problems,
		WindowMinutes:  windowMin,
		TrendDirection: trendDir,
		SampleCount:    c.Samples,
	}
	a.log.Debugw("health assessed", "device", deviceID,
		"index", index, "level", score.Level, "confidence", conf)
	return score, nil
}

// windowComponents scores one window width.
func (a *Assessor) windowComponents(ctx context.Context, deviceID string, windowMin int, baselines map[string]model.DeviceBaseline, imp *ImportanceResolver, nowMs int64) (components, error) {
	windows, err := a.fetchWindows(ctx, deviceID, windowMin, nowMs)
	if err != nil {
		return components{}, err
	}
	startTS := nowMs - int64(windowMin)*60_000
	alarms, err := a.st.OpenAlarmsInWindow(ctx, deviceID, startTS, nowMs)
	if err != nil {
		return components{}, err
	}
	return scoreComponents(a.cfg, windows, baselines, alarms, imp, nowMs), nil
}

func (a *Assessor) fetchWindows(ctx context.Context, deviceID string, windowMin int, nowMs int64) ([]tagWindow, error) {
	tags, err := a.st.ListTags(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	startTS := nowMs - int64(windowMin)*60_000
	out := make([]tagWindow, 0, len(tags))
	for _, tag := range tags {
		ts, vals, err := a.st.NumericSeries(ctx, deviceID, tag.TagID, startTS, nowMs)
		if err != nil {
			return nil, err
		}
		out = append(out, tagWindow{TagID: tag.TagID, TS: ts, Vals: vals})
	}
	return out, nil
}
