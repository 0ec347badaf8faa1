package baseline

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

const (
	// defaultLookbackMs is the learn window for an instance that has never
	// been profiled.
	defaultLookbackMs = 3_600_000
	varianceFloor     = 1e-9
)

// Learner maintains the baseline profiles of every enabled motor instance.
type Learner struct {
	st  *store.Store
	cfg config.BaselineConfig
	log *zap.SugaredLogger
	now func() int64
}

// NewLearner builds a learner.
func NewLearner(st *store.Store, cfg config.BaselineConfig, log *zap.SugaredLogger) *Learner {
	return &Learner{
		st:  st,
		cfg: cfg,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Run executes a learn pass every five minutes.
func (l *Learner) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.LearnPass(ctx)
		}
	}
}

// LearnPass learns every enabled instance once. A failure on one instance
// never stops the others.
func (l *Learner) LearnPass(ctx context.Context) {
	instances, err := l.st.ListMotorInstances(ctx)
	if err != nil {
		l.log.Warnw("motor instance list failed", "err", err)
		return
	}
	for _, inst := range instances {
		if err := l.LearnInstance(ctx, inst); err != nil {
			l.log.Warnw("baseline learn failed",
				"instance", inst.InstanceID, "err", err)
		}
	}
}

// LearnInstance detects the instance's current operation mode and folds the
// new samples of every mapped parameter into that mode's profile.
func (l *Learner) LearnInstance(ctx context.Context, inst model.MotorInstance) error {
	mappings, err := l.st.ParameterMappings(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}
	modes, err := l.st.OperationModes(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	nowMs := l.now()

	mode := l.detectMode(ctx, inst, modes, nowMs)
	if mode == nil {
		l.log.Debugw("no active operation mode", "instance", inst.InstanceID)
		return nil
	}

	for param, mapping := range mappings {
		prev, err := l.st.GetBaselineProfile(ctx, inst.InstanceID, mode.ModeID, param)
		if err != nil {
			return err
		}
		since := nowMs - defaultLookbackMs
		if prev != nil && prev.LearnedToUTC > since {
			since = prev.LearnedToUTC
		}
		ts, raw, err := l.st.NumericSeries(ctx, inst.DeviceID, mapping.TagID, since, nowMs)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		samples := make([]float64, len(raw))
		for i, v := range raw {
			samples[i] = mapping.Apply(v)
		}

		profile := l.UpdateProfile(prev, samples, nowMs)
		profile.InstanceID = inst.InstanceID
		profile.ModeID = mode.ModeID
		profile.Parameter = param

		if param == model.ParamCurrent && mapping.NominalRateHz > 0 {
			profile.Freq = l.spectrum(ctx, inst, mapping, ts, samples)
		}
		if err := l.st.SaveBaselineProfile(ctx, profile); err != nil {
			return err
		}
		l.log.Infow("baseline updated",
			"instance", inst.InstanceID, "mode", mode.ModeID, "param", param,
			"samples", len(samples), "version", profile.Version)
	}
	return nil
}

// detectMode returns the active mode: modes arrive ordered by descending
// priority with mode id as the tie break, and the first whose trigger tag
// has sat inside [min, max] for the required duration wins.
func (l *Learner) detectMode(ctx context.Context, inst model.MotorInstance, modes []model.OperationMode, nowMs int64) *model.OperationMode {
	series := make(map[string]struct {
		ts   []int64
		vals []float64
	})
	for _, m := range modes {
		if !m.Enabled {
			continue
		}
		sv, ok := series[m.TriggerTagID]
		if !ok {
			ts, vals, err := l.st.NumericSeries(ctx, inst.DeviceID, m.TriggerTagID, nowMs-defaultLookbackMs, nowMs)
			if err != nil {
				l.log.Warnw("trigger series fetch failed",
					"instance", inst.InstanceID, "tag", m.TriggerTagID, "err", err)
				continue
			}
			sv = struct {
				ts   []int64
				vals []float64
			}{ts, vals}
			series[m.TriggerTagID] = sv
		}
		if modeActive(m, sv.ts, sv.vals) {
			return &m
		}
	}
	return nil
}

// modeActive reports whether the trailing run of in-range samples satisfies
// the mode's duration bounds.
func modeActive(m model.OperationMode, ts []int64, vals []float64) bool {
	n := len(vals)
	if n == 0 {
		return false
	}
	if vals[n-1] < m.TriggerMin || vals[n-1] > m.TriggerMax {
		return false
	}
	runStart := n - 1
	for runStart > 0 && vals[runStart-1] >= m.TriggerMin && vals[runStart-1] <= m.TriggerMax {
		runStart--
	}
	runMs := ts[n-1] - ts[runStart]
	if runMs < m.MinDurationMs {
		return false
	}
	return m.MaxDurationMs == 0 || runMs <= m.MaxDurationMs
}

// UpdateProfile folds new samples into prev. The first learn takes the
// batch statistics wholesale; afterwards the profile moves by
// IncrementalWeight, outliers beyond AnomalyFilterThreshold sigma are
// rejected, and the variance ages down between learns.
func (l *Learner) UpdateProfile(prev *model.BaselineProfile, samples []float64, nowMs int64) model.BaselineProfile {
	if prev != nil && prev.SampleCount >= l.cfg.MinSampleCount && prev.Std > 0 {
		// Filter into a fresh slice: the caller's samples stay aligned with
		// their timestamps for the spectrum pass.
		kept := make([]float64, 0, len(samples))
		for _, x := range samples {
			if math.Abs(x-prev.Mean) <= l.cfg.AnomalyFilterThreshold*prev.Std {
				kept = append(kept, x)
			}
		}
		samples = kept
	}

	acc := NewWelford(l.cfg.ReservoirSize)
	for _, x := range samples {
		acc.Add(x)
	}
	p05, p50, p95 := acc.Percentiles()

	if prev == nil || prev.SampleCount == 0 {
		return model.BaselineProfile{
			Mean: acc.Mean(), Std: acc.Std(), Min: acc.Min(), Max: acc.Max(),
			P05: p05, P50: p50, P95: p95,
			SampleCount: acc.N(), Version: 1, LearnedToUTC: nowMs,
		}
	}

	out := *prev
	out.Version++
	out.LearnedToUTC = nowMs
	if len(samples) == 0 {
		return out
	}

	variance := prev.Std * prev.Std
	if days := float64(nowMs-prev.LearnedToUTC) / 86_400_000; days > 0 && l.cfg.AgingFactor > 0 {
		variance *= math.Pow(1-l.cfg.AgingFactor, days)
		if variance < varianceFloor {
			variance = varianceFloor
		}
	}

	w := l.cfg.IncrementalWeight
	if w == 0 {
		return out
	}
	batchMean := acc.Mean()
	batchVar := acc.Std() * acc.Std()
	d := batchMean - prev.Mean

	out.Mean = prev.Mean + w*d
	newVar := (1-w)*variance + w*batchVar + w*(1-w)*d*d
	out.Std = math.Sqrt(newVar)
	if acc.Min() < out.Min {
		out.Min = acc.Min()
	}
	if acc.Max() > out.Max {
		out.Max = acc.Max()
	}
	out.P05 += w * (p05 - out.P05)
	out.P50 += w * (p50 - out.P50)
	out.P95 += w * (p95 - out.P95)
	out.SampleCount += acc.N()
	return out
}

// spectrum computes the frequency profile of a current tag, when the motor
// model carries bearing geometry.
func (l *Learner) spectrum(ctx context.Context, inst model.MotorInstance, mapping model.MotorParameterMapping, ts []int64, samples []float64) *model.FrequencyProfile {
	mm, err := l.st.GetMotorModel(ctx, inst.ModelID)
	if err != nil {
		l.log.Debugw("motor model lookup failed", "instance", inst.InstanceID, "err", err)
		return nil
	}
	uniform := Resample(ts, samples, mapping.NominalRateHz, fftSize)
	if uniform == nil {
		return nil
	}
	faults := mm.Bearing.FaultFrequencies(mm.RatedSpeedRPM)
	return AnalyzeSpectrum(uniform, mapping.NominalRateHz, faults)
}
