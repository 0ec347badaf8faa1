package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// Transport delivers telemetry batches to the central ingest endpoint. A
// circuit breaker keeps a flapping WAN from hammering the server; while the
// breaker is open, sends fail fast and batches stay in the spool.
type Transport struct {
	url      string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	compress config.CompressionAlgorithm
	log      *zap.SugaredLogger
}

// NewTransport builds the uplink client.
func NewTransport(net config.NetworkConfig, sf config.StoreForwardConfig, log *zap.SugaredLogger) *Transport {
	return &Transport{
		url: net.IngestURL + "/api/telemetry/batch",
		client: &http.Client{
			Timeout: time.Duration(net.HealthCheckTimeoutMs*5) * time.Millisecond,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ingest",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		compress: sf.CompressionAlgorithm,
		log:      log,
	}
}

// Send posts one batch. A 2xx response means the server accepted (and
// deduplicated) the points; anything else is an error and the caller keeps
// the batch.
func (t *Transport) Send(ctx context.Context, points []model.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}
	payload, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	body, encoding := t.encode(payload)

	_, err = t.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("ingest returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// encode compresses the payload per config, falling back to plain JSON when
// compression fails.
func (t *Transport) encode(payload []byte) (body []byte, encoding string) {
	switch t.compress {
	case config.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err == nil && w.Close() == nil {
			return buf.Bytes(), "gzip"
		}
		t.log.Warnw("gzip failed, sending uncompressed")
	case config.CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err == nil && w.Close() == nil {
			return buf.Bytes(), "br"
		}
		t.log.Warnw("brotli failed, sending uncompressed")
	}
	return payload, ""
}

// Ping checks the ingest liveness endpoint.
func (t *Transport) Ping(ctx context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/live", nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	return resp.StatusCode == http.StatusOK
}

// Heartbeat posts the edge status DTO.
func (t *Transport) Heartbeat(ctx context.Context, baseURL string, st model.EdgeStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/edge-config/%s/heartbeat", baseURL, st.EdgeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat returned %d", resp.StatusCode)
	}
	return nil
}
