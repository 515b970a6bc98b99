// Package server assembles the HTTP API: routing, middleware and the
// standard error handlers for unmatched requests.
package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/gomatch/internal/server/handlers"
	"github.com/3leaps/gomatch/internal/server/middleware"
)

// Server holds the router and the listen address it was built for.
type Server struct {
	host   string
	port   int
	log    *zap.Logger
	router *chi.Mux
}

// Option adjusts a Server before its router is built.
type Option func(*Server)

// WithLogger sets the logger request logging goes to. Without it requests
// are not logged.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a server for host:port with the health and version routes
// registered. Matching endpoints are mounted separately via MountMatchings.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host: host,
		port: port,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger(s.log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("no such endpoint: %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("%s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	return r
}

// MountMatchings registers the matching command endpoints under /matchings.
func (s *Server) MountMatchings(h *handlers.Matchings) {
	s.router.Route("/matchings", h.Routes)
}

// EnablePprof mounts the runtime profiling endpoints under /debug.
func (s *Server) EnablePprof() {
	s.router.Mount("/debug", chimiddleware.Profiler())
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port the server was built for.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func writeRouteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	envelope := gferrors.NewErrorEnvelope(code, message)
	if id := middleware.GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	middleware.WriteError(w, envelope, status)
}
