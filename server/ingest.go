// Package server is the central HTTP surface the edges talk to: telemetry
// ingest, liveness and heartbeats.
package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

// maxBatchBytes bounds one decoded ingest request.
const maxBatchBytes = 32 << 20

// Server carries the ingest handlers.
type Server struct {
	store *store.Store
	log   *zap.SugaredLogger
	sink  func([]model.TelemetryPoint)

	mu         sync.Mutex
	heartbeats map[string]model.EdgeStatus

	ingested prometheus.Counter
	rejected prometheus.Counter
}

// New builds the server. reg may be nil in tests.
func New(st *store.Store, log *zap.SugaredLogger, reg prometheus.Registerer) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Server{
		store:      st,
		log:        log,
		heartbeats: make(map[string]model.EdgeStatus),
		ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "server_points_ingested_total", Help: "Points stored via the ingest endpoint.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "server_batches_rejected_total", Help: "Ingest batches rejected with 4xx.",
		}),
	}
}

// OnBatch registers a hook that receives every successfully stored batch.
// Must be set before Router is served.
func (s *Server) OnBatch(fn func([]model.TelemetryPoint)) { s.sink = fn }

// Router assembles the chi routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api/telemetry/batch", s.handleBatch)
	r.Get("/health/live", s.handleLive)
	r.Post("/api/edge-config/{edgeId}/heartbeat", s.handleHeartbeat)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type batchResponse struct {
	Stored int `json:"stored"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.rejected.Inc()
		httpError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
		return
	}
	var points []model.TelemetryPoint
	if err := json.Unmarshal(body, &points); err != nil {
		s.rejected.Inc()
		httpError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
		return
	}

	n, err := s.store.AppendBatch(r.Context(), points)
	if err != nil {
		code := store.ErrorCode(err)
		if code == model.ErrValidation {
			s.rejected.Inc()
			httpError(w, http.StatusBadRequest, code, err.Error())
			return
		}
		s.log.Errorw("ingest store failure", "points", len(points), "err", err)
		httpError(w, http.StatusServiceUnavailable, code, "storage unavailable")
		return
	}
	s.ingested.Add(float64(n))
	if s.sink != nil && len(points) > 0 {
		s.sink(points)
	}
	writeJSON(w, http.StatusOK, batchResponse{Stored: n})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if !s.store.Writable(r.Context()) {
		httpError(w, http.StatusServiceUnavailable, model.ErrDBUnavailable, "store not writable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	edgeID := chi.URLParam(r, "edgeId")
	var st model.EdgeStatus
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&st); err != nil {
		httpError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
		return
	}
	if st.EdgeID != "" && st.EdgeID != edgeID {
		httpError(w, http.StatusBadRequest, model.ErrValidation, "edge id mismatch")
		return
	}
	st.EdgeID = edgeID
	s.mu.Lock()
	s.heartbeats[edgeID] = st
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EdgeStatuses snapshots the last heartbeat per edge.
func (s *Server) EdgeStatuses() []model.EdgeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EdgeStatus, 0, len(s.heartbeats))
	for _, st := range s.heartbeats {
		out = append(out, st)
	}
	return out
}

func decodeBody(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body
	switch r.Header.Get("Content-Encoding") {
	case "":
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	case "br":
		src = brotli.NewReader(r.Body)
	default:
		return nil, errors.New("unsupported content encoding")
	}
	return io.ReadAll(io.LimitReader(src, maxBatchBytes))
}

func httpError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.OperationResult{
		Success: false, ErrorCode: code, ErrorMessage: msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
