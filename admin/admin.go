// Package admin exposes the watcher's operational surface over HTTP:
// health, per-target status, a force-run trigger, and the last captured
// page text for eyeballing extraction problems.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/vigil/observability"
)

// ErrUnknownTarget is returned by Service methods for a target name that
// is not configured.
var ErrUnknownTarget = errors.New("admin: unknown target")

// Health is the liveness report served on /healthz.
type Health struct {
	OK        bool                           `json:"ok"`
	Uptime    string                         `json:"uptime"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// TargetStatus is one target's scheduling state for /status.
type TargetStatus struct {
	Name        string                      `json:"name"`
	URL         string                      `json:"url"`
	State       string                      `json:"state"`
	Interval    string                      `json:"interval"`
	SeenCount   int                         `json:"seen_count"`
	LastSuccess *time.Time                  `json:"last_success,omitempty"`
	Recent      []observability.TickSummary `json:"recent,omitempty"`
}

// SnapshotInfo is the latest rendered page for /debug.
type SnapshotInfo struct {
	Target     string    `json:"target"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	Text       string    `json:"text"`
}

// Service is the watcher surface the admin server exposes. The watcher
// implements it; the server stays free of scheduling concerns.
type Service interface {
	Healthz(r *http.Request) Health
	Status(r *http.Request) ([]TargetStatus, error)
	// RunNow triggers an immediate cycle. It returns false when a cycle
	// for the target is already in flight, ErrUnknownTarget for an
	// unconfigured name.
	RunNow(target string) (bool, error)
	// DebugSnapshot returns the last rendered page text for the target,
	// or nil when no cycle has captured one yet.
	DebugSnapshot(target string) (*SnapshotInfo, error)
}

// Server serves the admin API.
type Server struct {
	svc    Service
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an admin Server over the given service.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed admin API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/run", s.handleRun)
	r.Get("/debug", s.handleDebug)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Healthz(r)
	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	targets, err := s.svc.Status(r)
	if err != nil {
		s.logger.Error("admin: status failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("status unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	started, err := s.svc.RunNow(target)
	switch {
	case errors.Is(err, ErrUnknownTarget):
		writeJSON(w, http.StatusNotFound, errorBody("unknown target"))
	case err != nil:
		s.logger.Error("admin: force run failed", "error", err, "target", target)
		writeJSON(w, http.StatusInternalServerError, errorBody("run failed"))
	case !started:
		writeJSON(w, http.StatusConflict, errorBody("cycle already running"))
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "target": target})
	}
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	snap, err := s.svc.DebugSnapshot(target)
	switch {
	case errors.Is(err, ErrUnknownTarget):
		writeJSON(w, http.StatusNotFound, errorBody("unknown target"))
	case err != nil:
		s.logger.Error("admin: debug snapshot failed", "error", err, "target", target)
		writeJSON(w, http.StatusInternalServerError, errorBody("snapshot unavailable"))
	case snap == nil:
		writeJSON(w, http.StatusNotFound, errorBody("no snapshot captured yet"))
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// ListenAndServe runs the admin API on addr until the server errors.
// Callers wanting graceful shutdown should wrap Handler in their own
// http.Server.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("admin: listening", "addr", addr)
	return srv.ListenAndServe()
}
