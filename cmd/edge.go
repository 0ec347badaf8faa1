package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/edge"
)

// spoolSweepInterval paces retention sweeps over the store-and-forward dir.
const spoolSweepInterval = time.Hour

// runEdge is the device-side node: preprocessing, bounded pipeline,
// store-and-forward spool and the connectivity monitor. Telemetry sources
// (protocol drivers) feed the pipeline through edge.Pipeline.Send.
func runEdge(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := edge.NewMetrics(reg)
	pre := edge.NewPreprocessor(cfg.Processing, metrics)
	spool, err := edge.OpenSpool(cfg.StoreForward, log, metrics)
	if err != nil {
		return err
	}
	transport := edge.NewTransport(cfg.Network, cfg.StoreForward, log)

	// The pipeline asks the monitor for connectivity; the monitor kicks the
	// pipeline's spool drain. Built in that order, consulted only after both
	// loops start.
	var mon *edge.Monitor
	pipeline := edge.NewPipeline(cfg.Edge, cfg.Network, pre, spool, transport,
		func() bool { return mon.Online() }, log, metrics)
	mon = edge.NewMonitor(cfg.Edge.EdgeID, cfg.Network, transport, pipeline, spool, log, metrics)

	metricsSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(pipeline.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(mon.Run(ctx)) })
	g.Go(func() error {
		ticker := time.NewTicker(spoolSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				spool.Sweep(time.Now())
			}
		}
	})
	g.Go(func() error {
		log.Infow("edge metrics listening", "addr", cfg.Server.ListenAddr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infow("edge stopped")
	return err
}
