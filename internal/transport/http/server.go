// Package http provides the HTTP API for notifyd.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	GET    /metrics/prometheus
//	POST   /notifications/{id}/enqueue
//	GET    /dead-letters
//	DELETE /dead-letters
//	POST   /dead-letters/replay
//	GET    /circuit-breakers
//	POST   /circuit-breakers/{channel}/reset
//	GET    /ws/metrics
//
// /health stays outside the API key check so load balancers can probe it.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/propdesk/notifyd/internal/config"
	transportws "github.com/propdesk/notifyd/internal/transport/websocket"
)

// Options wires optional pieces into the router.
type Options struct {
	HTTP config.HTTPConfig
	// Prometheus, when set, is mounted at /metrics/prometheus.
	Prometheus http.Handler
	// Requests and Duration are fed by the instrumentation middleware.
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	// StreamInterval is the default push interval for /ws/metrics.
	StreamInterval time.Duration
}

// Server wraps the stdlib HTTP server with notifyd's route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around svc. The caller runs ListenAndServe / Shutdown.
func New(svc Service, opts Options) *Server {
	h := &Handler{svc: svc}
	ws := &transportws.Handler{Source: svc, Interval: opts.StreamInterval}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Instrument(opts.Requests, opts.Duration))
	r.Use(RateLimit(opts.HTTP.RateLimit, opts.HTTP.RateBurst))
	r.Use(MaxBody)

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(opts.HTTP.APIKey))

		r.Get("/metrics", h.metrics)
		if opts.Prometheus != nil {
			r.Method(http.MethodGet, "/metrics/prometheus", opts.Prometheus)
		}

		r.Post("/notifications/{id}/enqueue", h.enqueue)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", h.listDeadLetters)
			r.Delete("/", h.purgeDeadLetters)
			r.Post("/replay", h.replayDeadLetters)
		})

		r.Get("/circuit-breakers", h.listBreakers)
		r.Post("/circuit-breakers/{channel}/reset", h.resetBreaker)

		r.Method(http.MethodGet, "/ws/metrics", ws)
	})

	return &Server{
		inner: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. ":8080"). It returns nil
// after a clean Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
