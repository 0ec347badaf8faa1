package edge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// Monitor tracks ingest reachability. It flips offline after
// OfflineThreshold consecutive failed health checks and back online on the
// first success, at which point it kicks the spool drain.
type Monitor struct {
	edgeID   string
	baseURL  string
	interval time.Duration
	timeout  time.Duration
	limit    int

	transport *Transport
	pipeline  *Pipeline
	spool     *Spool
	log       *zap.SugaredLogger
	metrics   *Metrics

	online   atomic.Bool
	failures int
}

// NewMonitor builds the connectivity monitor. The edge starts offline and
// must pass one health check before live sends happen.
func NewMonitor(edgeID string, net config.NetworkConfig, transport *Transport, pipeline *Pipeline, spool *Spool, log *zap.SugaredLogger, metrics *Metrics) *Monitor {
	interval := time.Duration(net.HealthCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := time.Duration(net.HealthCheckTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	limit := net.OfflineThreshold
	if limit <= 0 {
		limit = 3
	}
	return &Monitor{
		edgeID: edgeID, baseURL: net.IngestURL,
		interval: interval, timeout: timeout, limit: limit,
		transport: transport, pipeline: pipeline, spool: spool,
		log: log, metrics: metrics,
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Run is the health-check and heartbeat loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	ok := m.transport.Ping(ctx, m.baseURL, m.timeout)
	was := m.online.Load()
	if ok {
		m.failures = 0
		if !was {
			m.online.Store(true)
			m.log.Infow("ingest reachable, draining spool")
			go m.drain(ctx)
		}
	} else {
		m.failures++
		if was && m.failures >= m.limit {
			m.online.Store(false)
			m.log.Warnw("ingest unreachable, switching to spool", "failures", m.failures)
		}
	}
	if m.metrics != nil {
		v := 0.0
		if m.online.Load() {
			v = 1
		}
		m.metrics.OnlineState.Set(v)
	}
	if m.online.Load() {
		m.heartbeat(ctx)
	}
}

func (m *Monitor) drain(ctx context.Context) {
	n, err := m.pipeline.DrainSpool(ctx)
	if err != nil {
		m.log.Warnw("spool drain interrupted", "drained", n, "err", err)
		return
	}
	if n > 0 {
		m.log.Infow("spool drained", "points", n)
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	_, points, bytes := m.spool.Pending()
	st := model.EdgeStatus{
		EdgeID:        m.edgeID,
		Online:        true,
		PendingPoints: points,
		StoredMB:      float64(bytes) / (1024 * 1024),
		SentCount:     m.pipeline.SentCount(),
		FilterRate:    m.pipeline.pre.FilterRate(),
		TS:            time.Now().UnixMilli(),
	}
	if err := m.transport.Heartbeat(ctx, m.baseURL, st); err != nil {
		m.log.Debugw("heartbeat failed", "err", err)
	}
}
