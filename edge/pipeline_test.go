package edge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    bool
	batches [][]model.TelemetryPoint
}

func (f *fakeSender) Send(_ context.Context, points []model.TelemetryPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("link down")
	}
	cp := make([]model.TelemetryPoint, len(points))
	copy(cp, points)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newTestPipeline(t *testing.T, sender Sender, online func() bool) (*Pipeline, *Spool) {
	t.Helper()
	spool := newTestSpool(t, 64)
	pre := NewPreprocessor(config.ProcessingConfig{}, nil)
	p := NewPipeline(
		config.EdgeConfig{QueueCapacityGlobal: 4},
		config.NetworkConfig{SendBatchSize: 100, SendIntervalMs: 10},
		pre, spool, sender, online, zap.NewNop().Sugar(), nil,
	)
	return p, spool
}

func TestSeqAssignment(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(t, sender, nil)

	batch := []model.TelemetryPoint{
		rawPoint("temp", 1000, 1),
		rawPoint("temp", 1000, 2),
		rawPoint("temp", 1000, 3),
		rawPoint("temp", 2000, 4),
	}
	require.NoError(t, p.Send(context.Background(), batch))

	got := <-p.ch
	require.Equal(t, []int64{0, 1, 2, 0}, []int64{got[0].Seq, got[1].Seq, got[2].Seq, got[3].Seq})
}

func TestSendBackpressure(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newTestPipeline(t, sender, nil)

	// Fill the queue; no consumer is running.
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Send(context.Background(), []model.TelemetryPoint{rawPoint("temp", int64(i), 1)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Send(ctx, []model.TelemetryPoint{rawPoint("temp", 99, 1)})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.ErrPipelineBackpressure, pe.Code)
}

func TestShipSpillsOnFailure(t *testing.T) {
	sender := &fakeSender{fail: true}
	p, spool := newTestPipeline(t, sender, nil)

	p.ship(context.Background(), spoolBatch(1000, 5))
	_, points, _ := spool.Pending()
	require.Equal(t, int64(5), points)
	require.Zero(t, sender.total())
}

func TestOfflineSpoolThenDrain(t *testing.T) {
	var online sync.Map
	online.Store("up", false)
	isOnline := func() bool {
		v, _ := online.Load("up")
		return v.(bool)
	}
	sender := &fakeSender{fail: true}
	p, spool := newTestPipeline(t, sender, isOnline)

	// Offline: everything lands in the spool.
	p.ship(context.Background(), spoolBatch(1000, 3))
	p.ship(context.Background(), spoolBatch(2000, 2))
	_, points, _ := spool.Pending()
	require.Equal(t, int64(5), points)

	// Reconnect and drain: delivery in arrival order, spool emptied.
	online.Store("up", true)
	sender.setFail(false)
	n, err := p.DrainSpool(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, sender.total())
	require.Equal(t, int64(1000), sender.batches[0][0].TS)
	_, points, _ = spool.Pending()
	require.Zero(t, points)
}

func TestDrainStopsOnFailure(t *testing.T) {
	sender := &fakeSender{fail: true}
	p, spool := newTestPipeline(t, sender, nil)
	_, err := spool.Store(spoolBatch(1000, 2))
	require.NoError(t, err)

	n, err := p.DrainSpool(context.Background())
	require.Error(t, err)
	require.Zero(t, n)

	// Undelivered batch stays put for the next pass.
	_, points, _ := spool.Pending()
	require.Equal(t, int64(2), points)
}

func TestRunShutdownSpillsQueue(t *testing.T) {
	sender := &fakeSender{fail: true}
	p, spool := newTestPipeline(t, sender, func() bool { return false })

	require.NoError(t, p.Send(context.Background(), spoolBatch(1000, 3)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Whatever was queued or pending is on disk, not lost.
	_, points, _ := spool.Pending()
	require.Equal(t, int64(3), points)
}
