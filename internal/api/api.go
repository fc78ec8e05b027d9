// Package api exposes the transcription service over HTTP.
//
// Routes:
//
//	POST   /v1/transcriptions                start a job (202)
//	GET    /v1/jobs?active=true|track_id=…   list jobs
//	GET    /v1/jobs/{id}                     one job
//	POST   /v1/jobs/{id}/retry               retry a failed job (202)
//	POST   /v1/jobs/{id}/resume              resume an interrupted job (202)
//	POST   /v1/jobs/{id}/cancel              cancel a queued job
//	DELETE /v1/jobs/{id}                     delete a job
//	GET    /v1/jobs/{id}/events              websocket stream of job events
//	GET    /v1/tracks/{trackID}/transcript   transcript as JSON, or ?format=srt
//	GET    /healthz, /readyz, /metrics
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/orchestrator"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Config holds the dependencies of a [Server].
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        job.Store

	// Bus feeds the events endpoint. Without one the endpoint returns 404.
	Bus *events.Bus

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Gatherer is scraped on /metrics. Default: the default Prometheus
	// registry.
	Gatherer prometheus.Gatherer

	// Metrics records HTTP request durations. Default: observe.DefaultMetrics.
	Metrics *observe.Metrics

	// MediaRoot is the directory audio_path requests are resolved against.
	// Empty disables audio_path.
	MediaRoot string

	// OriginPatterns lists extra origins allowed to open the events
	// websocket. Same-origin requests are always allowed.
	OriginPatterns []string
}

// Server serves the HTTP API.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("api: orchestrator must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("api: store must not be nil")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/transcriptions", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /v1/jobs/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/tracks/{trackID}/transcript", s.handleTranscript)

	if s.cfg.Health != nil {
		s.cfg.Health.Register(s.mux)
	}
	metrics := promhttp.Handler()
	if s.cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})
	}
	s.mux.Handle("GET /metrics", metrics)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.cfg.Metrics)(s.mux)
}

// ─── responses ───────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

// errBadRequest marks client errors detected by the API itself.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: failed to write response", "err", err)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var perr *orchestrator.ProviderError
	switch {
	case errors.Is(err, job.ErrJobNotFound), errors.Is(err, job.ErrTranscriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrJobBusy),
		errors.Is(err, orchestrator.ErrNoRemoteJob):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrRetryLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrPollTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
