// Package admin serves a small HTTP surface for a running worker: liveness,
// the handler table and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miladsoleymani/jobmux/core"
	"github.com/miladsoleymani/jobmux/metrics"
)

// HandlerInfo is one row of GET /handlers.
type HandlerInfo struct {
	Queue     string `json:"queue"`
	State     string `json:"state"`
	Stopped   bool   `json:"stopped"`
	BatchSize int    `json:"batch_size"`
	Wait      string `json:"wait"`
	Ack       string `json:"ack"`
	Buffered  int    `json:"buffered"`
	Depth     *int   `json:"depth,omitempty"`
}

// Server exposes w over HTTP.
type Server struct {
	worker    *core.Worker
	gatherer  prometheus.Gatherer
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewServer creates a Server. gatherer may be nil, in which case /metrics
// is not mounted. When collector is set, /metrics samples queue depths
// before each scrape.
func NewServer(w *core.Worker, gatherer prometheus.Gatherer, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{worker: w, gatherer: gatherer, collector: collector, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/handlers", s.handlers)
	r.Post("/handlers/{queue}/stop", s.stop)
	r.Post("/handlers/{queue}/start", s.start)
	if s.gatherer != nil {
		prom := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if s.collector != nil {
				s.collector.Sample(req.Context(), s.worker)
			}
			prom.ServeHTTP(w, req)
		}))
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.worker.Closing() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlers(w http.ResponseWriter, r *http.Request) {
	withDepth := r.URL.Query().Get("depth") == "true"
	hs := s.worker.Registry().Handlers()
	out := make([]HandlerInfo, 0, len(hs))
	for _, h := range hs {
		info := HandlerInfo{
			Queue:     h.Queue(),
			State:     h.State().String(),
			Stopped:   h.Stopped(),
			BatchSize: h.BatchSize(),
			Wait:      h.WaitPolicy().String(),
			Ack:       h.AckStrategy().String(),
			Buffered:  h.Buffered(),
		}
		if withDepth {
			if n, err := s.worker.QueueDepth(r.Context(), h.Queue()); err == nil {
				info.Depth = &n
			} else {
				s.logger.Warn("queue depth", "queue", h.Queue(), "error", err)
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, (*core.Handler).Stop)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, (*core.Handler).StartIfStopped)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(*core.Handler, context.Context) error) {
	h := s.worker.Registry().Lookup(chi.URLParam(r, "queue"))
	if h == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no handler for queue"})
		return
	}
	err := s.worker.Do(r.Context(), func(ctx context.Context) error { return fn(h, ctx) })
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": h.Queue(), "state": h.State().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
