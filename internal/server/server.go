package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/config"
	apperrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/server/handlers"
	servermw "github.com/relaygate/relaygate/internal/server/middleware"
)

// Options wires the server to the running components. Admin may be nil,
// in which case /admin is not mounted.
type Options struct {
	Config       config.ServerConfig
	AdminToken   string
	Admin        handlers.AdminService
	DrainTimeout time.Duration
	Health       *handlers.HealthManager
}

// Server is the admin and probe HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	health *handlers.HealthManager
}

// New builds the router. Middleware order: request ID, metrics, recovery.
func New(opts Options) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	health := opts.Health
	if health == nil {
		health = handlers.NewHealthManager(handlers.AppVersion)
	}

	s := &Server{
		router: r,
		cfg:    opts.Config,
		health: health,
		server: &http.Server{
			Handler:      r,
			ReadTimeout:  orDefault(opts.Config.ReadTimeout, 30*time.Second),
			WriteTimeout: orDefault(opts.Config.WriteTimeout, 30*time.Second),
			IdleTimeout:  orDefault(opts.Config.IdleTimeout, 120*time.Second),
		},
	}
	s.registerRoutes(opts)
	return s
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. http.ErrServerClosed is not an error.
func (s *Server) Serve(ln net.Listener) error {
	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
	}

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the manager behind the probe routes.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
