package edge

import (
	"math"
	"sync"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// QualityUncertain marks a reading the outlier filter flagged but passed on.
const QualityUncertain = 64

type tagState struct {
	lastValue    float64
	lastSentTS   int64
	hasLast      bool
	// Running mean and variance for the outlier filter (Welford).
	n    int64
	mean float64
	m2   float64
}

// Preprocessor applies layered deadband filtering and outlier detection
// before points enter the pipeline. Safe for one producer goroutine per
// instance; internal state is mutex-guarded for the stats readers.
type Preprocessor struct {
	cfg     config.ProcessingConfig
	tags    map[string]model.Tag // keyed device\x00tag
	metrics *Metrics

	mu       sync.Mutex
	state    map[string]*tagState
	seen     int64
	passed   int64
}

// NewPreprocessor builds a preprocessor with per-tag overrides from cfg.
func NewPreprocessor(cfg config.ProcessingConfig, metrics *Metrics) *Preprocessor {
	return &Preprocessor{
		cfg:     cfg,
		tags:    make(map[string]model.Tag),
		metrics: metrics,
		state:   make(map[string]*tagState),
	}
}

// SetTags replaces the per-tag override table.
func (p *Preprocessor) SetTags(tags []model.Tag) {
	m := make(map[string]model.Tag, len(tags))
	for _, t := range tags {
		m[t.DeviceID+"\x00"+t.TagID] = t
	}
	p.mu.Lock()
	p.tags = m
	p.mu.Unlock()
}

// FilterRate is the fraction of seen points suppressed so far.
func (p *Preprocessor) FilterRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == 0 {
		return 0
	}
	return 1 - float64(p.passed)/float64(p.seen)
}

// Process filters a raw batch. Points that fail the deadband are dropped;
// outliers are dropped, quality-marked or passed per config. Non-numeric
// points always pass the numeric filters.
func (p *Preprocessor) Process(points []model.TelemetryPoint) []model.TelemetryPoint {
	out := points[:0]
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pt := range points {
		p.seen++
		if p.metrics != nil {
			p.metrics.Ingested.Inc()
		}
		if kept, ok := p.process(pt); ok {
			out = append(out, kept)
			p.passed++
		} else if p.metrics != nil {
			p.metrics.Filtered.Inc()
		}
	}
	return out
}

func (p *Preprocessor) process(pt model.TelemetryPoint) (model.TelemetryPoint, bool) {
	key := pt.DeviceID + "\x00" + pt.TagID
	num, numeric := pt.Value.Numeric()
	if !numeric {
		return pt, true
	}

	st := p.state[key]
	if st == nil {
		st = &tagState{}
		p.state[key] = st
	}

	tag, hasTag := p.tags[key]
	if hasTag && tag.Bypass {
		p.observe(st, num)
		st.lastValue, st.lastSentTS, st.hasLast = num, pt.TS, true
		return pt, true
	}

	// Force upload breaks long silences regardless of deadband.
	force := p.cfg.ForceUploadIntervalMs > 0 && st.hasLast &&
		pt.TS-st.lastSentTS >= p.cfg.ForceUploadIntervalMs

	if st.hasLast && !force {
		if p.cfg.MinIntervalMs > 0 && pt.TS-st.lastSentTS < p.cfg.MinIntervalMs {
			return pt, false
		}
		if !p.exceedsDeadband(tag, hasTag, st.lastValue, num) {
			return pt, false
		}
	}

	// Outlier check against the running distribution.
	if p.cfg.OutlierSigmaThreshold > 0 && st.n >= 10 {
		std := math.Sqrt(st.m2 / float64(st.n))
		if std > 0 && math.Abs(num-st.mean) > p.cfg.OutlierSigmaThreshold*std {
			if p.metrics != nil {
				p.metrics.Outliers.Inc()
			}
			switch p.cfg.OutlierAction {
			case config.OutlierDrop:
				p.observe(st, num)
				return pt, false
			case config.OutlierMark:
				pt.Quality = QualityUncertain
			}
		}
	}

	p.observe(st, num)
	st.lastValue, st.lastSentTS, st.hasLast = num, pt.TS, true
	return pt, true
}

// exceedsDeadband applies the override layering: per-tag absolute wins, then
// per-tag percent, then the edge-wide defaults with the absolute and percent
// thresholds combined as whichever is larger.
func (p *Preprocessor) exceedsDeadband(tag model.Tag, hasTag bool, last, cur float64) bool {
	delta := math.Abs(cur - last)
	if hasTag {
		if tag.Deadband != nil {
			return delta > *tag.Deadband
		}
		if tag.DeadbandPercent != nil {
			return delta > math.Abs(last)*(*tag.DeadbandPercent)/100
		}
	}
	if p.cfg.DefaultDeadband > 0 || p.cfg.DefaultDeadbandPercent > 0 {
		thr := p.cfg.DefaultDeadband
		if pct := math.Abs(last) * p.cfg.DefaultDeadbandPercent / 100; pct > thr {
			thr = pct
		}
		return delta > thr
	}
	// No deadband configured: every change passes.
	return true
}

func (p *Preprocessor) observe(st *tagState, x float64) {
	st.n++
	d := x - st.mean
	st.mean += d / float64(st.n)
	st.m2 += d * (x - st.mean)
}
