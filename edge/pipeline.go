// Package edge is the device-side half of the platform: preprocessing,
// bounded queueing, store-and-forward spooling and the uplink transport.
package edge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// Error is a pipeline failure classified with a stable error code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("edge: %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Sender delivers batches upstream.
type Sender interface {
	Send(ctx context.Context, points []model.TelemetryPoint) error
}

type seqState struct {
	lastTS int64
	seq    int64
}

// Pipeline moves preprocessed points through a bounded channel to the sender
// loop. Send blocks under backpressure instead of dropping; only context
// expiry surfaces E_PIPELINE_BACKPRESSURE to the producer.
type Pipeline struct {
	cfg     config.EdgeConfig
	net     config.NetworkConfig
	pre     *Preprocessor
	spool   *Spool
	sender  Sender
	online  func() bool
	log     *zap.SugaredLogger
	metrics *Metrics

	ch chan []model.TelemetryPoint

	mu   sync.Mutex
	seqs map[string]*seqState

	sentCount int64
}

// NewPipeline wires the pipeline. online reports current connectivity; a nil
// online treats the uplink as always up.
func NewPipeline(cfg config.EdgeConfig, net config.NetworkConfig, pre *Preprocessor, spool *Spool, sender Sender, online func() bool, log *zap.SugaredLogger, metrics *Metrics) *Pipeline {
	cap := cfg.QueueCapacityGlobal
	if cap <= 0 {
		cap = 100
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Pipeline{
		cfg: cfg, net: net, pre: pre, spool: spool, sender: sender,
		online: online, log: log, metrics: metrics,
		ch:   make(chan []model.TelemetryPoint, cap),
		seqs: make(map[string]*seqState),
	}
}

// Send preprocesses a raw batch and enqueues the survivors. Blocks while the
// queue is full until ctx expires.
func (p *Pipeline) Send(ctx context.Context, points []model.TelemetryPoint) error {
	kept := p.pre.Process(points)
	if len(kept) == 0 {
		return nil
	}
	p.assignSeq(kept)

	select {
	case p.ch <- kept:
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.ch)))
		}
		return nil
	case <-ctx.Done():
		return &Error{Code: model.ErrPipelineBackpressure, Err: ctx.Err()}
	}
}

// assignSeq gives same-millisecond points of one (device, tag) strictly
// increasing sequence numbers, restarting at 0 on a new timestamp.
func (p *Pipeline) assignSeq(points []model.TelemetryPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range points {
		pt := &points[i]
		key := pt.DeviceID + "\x00" + pt.TagID
		st := p.seqs[key]
		if st == nil {
			st = &seqState{lastTS: -1}
			p.seqs[key] = st
		}
		if pt.TS == st.lastTS {
			st.seq++
		} else {
			st.lastTS = pt.TS
			st.seq = 0
		}
		pt.Seq = st.seq
	}
}

// SentCount is the lifetime count of points handed to the sender.
func (p *Pipeline) SentCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentCount
}

func (p *Pipeline) addSent(n int) {
	p.mu.Lock()
	p.sentCount += int64(n)
	p.mu.Unlock()
}

// Run is the sender loop: it accumulates queued batches up to SendBatchSize
// or SendIntervalMs and ships them, spilling to the spool while offline or on
// send failure. On shutdown everything still queued is spilled to disk.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := time.Duration(p.net.SendIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := p.net.SendBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []model.TelemetryPoint
	flush := func() {
		if len(pending) == 0 {
			return
		}
		p.ship(ctx, pending)
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			// Nothing in flight may be lost: spill the batch under
			// assembly and whatever is still queued.
			p.drainToSpool(pending)
			pending = nil
		drain:
			for {
				select {
				case batch := <-p.ch:
					p.drainToSpool(batch)
				default:
					break drain
				}
			}
			return ctx.Err()
		case batch := <-p.ch:
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(float64(len(p.ch)))
			}
			pending = append(pending, batch...)
			if len(pending) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *Pipeline) ship(ctx context.Context, points []model.TelemetryPoint) {
	if !p.online() {
		p.drainToSpool(points)
		return
	}
	if err := p.sender.Send(ctx, points); err != nil {
		if p.metrics != nil {
			p.metrics.SendErrors.Inc()
		}
		p.log.Warnw("send failed, spilling batch", "points", len(points), "err", err)
		p.drainToSpool(points)
		return
	}
	p.addSent(len(points))
	if p.metrics != nil {
		p.metrics.Sent.Add(float64(len(points)))
	}
}

func (p *Pipeline) drainToSpool(points []model.TelemetryPoint) {
	if len(points) == 0 {
		return
	}
	if _, err := p.spool.Store(points); err != nil {
		p.log.Errorw("spool store failed", "points", len(points), "err", err)
	}
}

// DrainSpool replays spooled batches oldest first while the link stays up.
// Delivered batches are acknowledged; the first failure stops the pass.
// Replay may interleave with live traffic: the server deduplicates on the
// point primary key.
func (p *Pipeline) DrainSpool(ctx context.Context) (int, error) {
	drained := 0
	for p.online() {
		batches, err := p.spool.Oldest(10)
		if err != nil {
			return drained, err
		}
		if len(batches) == 0 {
			return drained, nil
		}
		for _, b := range batches {
			if ctx.Err() != nil {
				return drained, ctx.Err()
			}
			if err := p.sender.Send(ctx, b.Points); err != nil {
				return drained, err
			}
			p.spool.Acknowledge(b.ID)
			p.addSent(len(b.Points))
			if p.metrics != nil {
				p.metrics.Sent.Add(float64(len(b.Points)))
			}
			drained += len(b.Points)
		}
	}
	return drained, nil
}
