package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intellimaint/intellimaint/baseline"
	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/cycle"
	"github.com/intellimaint/intellimaint/engine"
	"github.com/intellimaint/intellimaint/health"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/prognostics"
	"github.com/intellimaint/intellimaint/server"
	"github.com/intellimaint/intellimaint/store"
)

// runServe is the central node: HTTP ingest plus every analytics worker,
// sharing one store and shutting down together on SIGINT/SIGTERM.
func runServe(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(st, log, reg)
	eval := engine.NewAlarmEvaluator(st, cfg.Retry, log)
	srv.OnBatch(eval.Enqueue)

	coll := engine.NewCollectionEngine(st, log)
	ret := engine.NewRetentionEngine(st, cfg.DataCleanup, log)
	learner := baseline.NewLearner(st, cfg.DynamicBaseline, log)
	assessor := health.NewAssessor(st, cfg.HealthAssessment, cfg.MultiScale, log)
	sweep := &analyticsSweep{
		st:        st,
		cfg:       cfg,
		log:       log,
		predictor: prognostics.NewPredictor(st, cfg.TrendPrediction, log),
		detector:  prognostics.NewDegradationDetector(st, cfg.Degradation, log),
		estimator: prognostics.NewEstimator(st, cfg.RulPrediction, log),
		analyzer:  cycle.NewAnalyzer(st, cfg.Cycle, log),
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("ingest listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		timeout := time.Duration(cfg.Server.ShutdownTimeoutS) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error { return ignoreCancel(eval.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(coll.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(ret.RunDownsampler(ctx)) })
	g.Go(func() error { return ignoreCancel(ret.RunCleanup(ctx)) })
	g.Go(func() error { return ignoreCancel(learner.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(assessor.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(sweep.Run(ctx)) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infow("serve stopped")
	return err
}

// ignoreCancel maps a context-cancel return to a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// analyticsSweep runs the slow analytics on a shared interval: per-tag trend
// prediction and degradation detection, per-device RUL, and cycle analysis
// over segments completed since the previous pass.
type analyticsSweep struct {
	st        *store.Store
	cfg       config.Config
	log       *zap.SugaredLogger
	predictor *prognostics.Predictor
	detector  *prognostics.DegradationDetector
	estimator *prognostics.Estimator
	analyzer  *cycle.Analyzer

	lastCycleTS int64
}

func (s *analyticsSweep) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Server.PrognosticsIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *analyticsSweep) pass(ctx context.Context) {
	rules, err := s.st.ListAlarmRules(ctx)
	if err != nil {
		s.log.Warnw("sweep rule load failed", "err", err)
		return
	}
	devices, err := s.st.ListDevices(ctx, "")
	if err != nil {
		s.log.Warnw("sweep device load failed", "err", err)
		return
	}
	for _, dev := range devices {
		s.device(ctx, dev.DeviceID, rules)
	}
	s.cycles(ctx)
}

func (s *analyticsSweep) device(ctx context.Context, deviceID string, rules []model.AlarmRule) {
	est, err := s.estimator.Estimate(ctx, deviceID)
	if err != nil {
		s.log.Warnw("rul estimate failed", "device", deviceID, "err", err)
	} else if est.HasPrediction {
		s.log.Infow("rul estimate", "device", deviceID, "rul_hours", est.RULHours,
			"risk", est.Risk, "status", est.Status, "confidence", est.Confidence)
	}

	tags, err := s.st.ListTags(ctx, deviceID)
	if err != nil {
		s.log.Warnw("sweep tag load failed", "device", deviceID, "err", err)
		return
	}
	for _, tag := range tags {
		if !tag.Enabled || !tag.DataType.Numeric() {
			continue
		}
		pred, err := s.predictor.PredictTag(ctx, deviceID, tag.TagID, rules)
		if err != nil {
			s.log.Warnw("trend prediction failed", "device", deviceID, "tag", tag.TagID, "err", err)
		} else if pred.Alert != prognostics.AlertNone {
			s.log.Warnw("threshold approach predicted", "device", deviceID, "tag", tag.TagID,
				"rule", pred.ThresholdRuleID, "hours", pred.HoursToThreshold, "alert", pred.Alert)
		}
		if _, err := s.detector.Evaluate(ctx, deviceID, tag.TagID); err != nil {
			s.log.Warnw("degradation check failed", "device", deviceID, "tag", tag.TagID, "err", err)
		}
	}
}

// cycles analyzes every segment completed since the previous sweep.
func (s *analyticsSweep) cycles(ctx context.Context) {
	tags := cycle.TagSet{
		AngleTag:  s.cfg.Cycle.AngleTag,
		Motor1Tag: s.cfg.Cycle.Motor1Tag,
		Motor2Tag: s.cfg.Cycle.Motor2Tag,
	}
	if tags.AngleTag == "" {
		return
	}
	segs, err := s.st.CompletedSegmentsSince(ctx, s.lastCycleTS+1)
	if err != nil {
		s.log.Warnw("sweep segment load failed", "err", err)
		return
	}
	for _, seg := range segs {
		cycles, err := s.analyzer.Analyze(ctx, seg.DeviceID, seg.ID, tags, seg.StartTS, seg.EndTS)
		if err != nil {
			s.log.Warnw("cycle analysis failed", "segment", seg.ID, "err", err)
			continue
		}
		if len(cycles) > 0 {
			s.log.Infow("segment analyzed", "segment", seg.ID, "device", seg.DeviceID, "cycles", len(cycles))
		}
		if seg.EndTS > s.lastCycleTS {
			s.lastCycleTS = seg.EndTS
		}
	}
}
