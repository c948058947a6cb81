package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/server/handlers"
	servermw "github.com/relaygate/relaygate/internal/server/middleware"
)

func (s *Server) registerRoutes(opts Options) {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if opts.Admin == nil {
		return
	}

	logger := observability.ServerLogger
	var signalHandler http.Handler
	if opts.AdminToken != "" {
		signalHandler = signals.NewHTTPHandler(signals.HTTPConfig{
			TokenAuth: opts.AdminToken,
			RateLimit: 10,
			RateBurst: 5,
		})
	} else if logger != nil {
		logger.Warn("Admin API has no bearer token; set RELAYGATE_ADMIN_TOKEN before exposing this server")
	}

	admin := &handlers.Admin{Service: opts.Admin, DrainTimeout: opts.DrainTimeout}
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(servermw.BearerAuth(opts.AdminToken))
		admin.Routes(r)
		if signalHandler != nil {
			r.Post("/signal", signalHandler.ServeHTTP)
		}
	})

	if logger != nil && signalHandler != nil {
		logger.Info("Admin API enabled",
			zap.String("auth", "bearer token"),
			zap.String("signal_path", "/admin/signal"))
	}
}
