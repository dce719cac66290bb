package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus scrape endpoint and liveness/readiness
// probes over HTTP. Exporting runs on its own listener goroutine so it
// never shares a code path with execute_intent — the non-blocking
// guarantee in §4.A holds by construction, not by careful timing.
type Server struct {
	okapi  *okapi.Okapi
	server *http.Server
	health *HealthChecker
}

// NewServer builds the telemetry HTTP server. addr is the listen address
// (e.g. ":9090").
func NewServer(addr string, metrics *Metrics, health *HealthChecker) *Server {
	app := okapi.New()

	app.Get("/healthz", func(c *okapi.Context) error {
		return c.JSON(http.StatusOK, health.CheckHealth())
	})
	app.Get("/readyz", func(c *okapi.Context) error {
		status := health.CheckReady(c.Request().Context())
		code := http.StatusOK
		switch status.Status {
		case "degraded":
			code = http.StatusOK
		case "fatal":
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})
	app.HandleStd("GET", "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	return &Server{
		okapi: app,
		health: health,
		server: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(_ net.Listener) context.Context { return ctx }
	return s.okapi.StartServer(s.server)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.okapi.Shutdown(s.server)
}
