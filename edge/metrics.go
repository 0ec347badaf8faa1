package edge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the edge-side counters exported for scraping.
type Metrics struct {
	Ingested    prometheus.Counter
	Filtered    prometheus.Counter
	Outliers    prometheus.Counter
	Sent        prometheus.Counter
	SendErrors  prometheus.Counter
	Spilled     prometheus.Counter
	Dropped     prometheus.Counter
	QueueDepth  prometheus.Gauge
	SpoolBytes  prometheus.Gauge
	OnlineState prometheus.Gauge
}

// NewMetrics registers the edge metric set on reg. A nil registerer yields
// unregistered (test) collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_ingested_total", Help: "Points entering the preprocessor.",
		}),
		Filtered: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_filtered_total", Help: "Points suppressed by deadband filtering.",
		}),
		Outliers: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_outliers_total", Help: "Points flagged by the outlier filter.",
		}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_sent_total", Help: "Points delivered to the ingest endpoint.",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_send_errors_total", Help: "Failed uplink batches.",
		}),
		Spilled: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_spilled_total", Help: "Points written to the offline spool.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_points_dropped_total", Help: "Points lost to spool overflow or disk failure.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "edge_queue_depth", Help: "Batches waiting in the pipeline channel.",
		}),
		SpoolBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "edge_spool_bytes", Help: "Bytes held by the offline spool.",
		}),
		OnlineState: f.NewGauge(prometheus.GaugeOpts{
			Name: "edge_online", Help: "1 when the ingest endpoint is reachable.",
		}),
	}
}
