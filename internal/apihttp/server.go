// Package apihttp is the supervisor's minimal ambient HTTP surface:
// an unauthenticated health check, an event-log snapshot, two
// apiToken-gated mutating endpoints (reload/restart), and Prometheus
// exposition. The full administrative REST surface is out of scope
// (spec.md §1); this package exists only to give reloadConfig,
// triggerRestart, and the event log a reachable home (spec.md §5, §6).
//
// Grounded on the teacher's internal/api/http/server.go functional
// options constructor, generalized from a torrent-domain Server to
// this narrower surface, and its middleware.go logging/recovery/metrics
// chain — adapted here onto a chi.Mux with go-chi/httprate for the
// rate limit the teacher hand-rolled with golang.org/x/time/rate.
package apihttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamsupervisor/internal/eventlog"
)

// Reloader and Restarter are the Supervisor operations this surface
// exposes. Kept as narrow interfaces so apihttp does not import the
// supervisor package; cmd/supervisor wires the two together.
type Reloader interface {
	ReloadConfig() error
}

type Restarter interface {
	TriggerRestart()
}

// Server is the loopback-only admin HTTP surface.
type Server struct {
	logger    *slog.Logger
	apiToken  string
	events    *eventlog.Ring
	reloader  Reloader
	restarter Restarter
	handler   http.Handler
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger sets the structured logger used for request logging and
// panic recovery.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAPIToken sets the per-process secret required on mutating
// requests (spec.md §5: "generated once at boot").
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithEventLog wires the event-log ring GET /api/events reads from.
func WithEventLog(events *eventlog.Ring) Option {
	return func(s *Server) { s.events = events }
}

// WithReloader wires POST /api/reload to reloader.ReloadConfig.
func WithReloader(reloader Reloader) Option {
	return func(s *Server) { s.reloader = reloader }
}

// WithRestarter wires POST /api/restart to restarter.TriggerRestart.
func WithRestarter(restarter Restarter) Option {
	return func(s *Server) { s.restarter = restarter }
}

// NewServer builds the admin HTTP surface and its routing table.
func NewServer(opts ...Option) *Server {
	s := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/events", s.handleEvents)

	mutating := r.With(httprate.LimitByIP(5, time.Minute), s.requireAPIToken)
	mutating.Post("/api/reload", s.handleReload)
	mutating.Post("/api/restart", s.handleRestart)

	s.handler = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
