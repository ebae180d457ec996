// Package api wires the HTTP surface of chanwire: the realtime WebSocket
// endpoint, health checks and Prometheus metrics.
package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/chanwire/chanwire/internal/config"
	"github.com/chanwire/chanwire/internal/observability"
	"github.com/chanwire/chanwire/internal/realtime"
)

// Server is the chanwire HTTP server.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	handler *realtime.Handler
	metrics *observability.Metrics
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, handler *realtime.Handler, metrics *observability.Metrics) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "chanwire",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if s.metrics != nil {
		s.app.Get("/metrics", s.metrics.Handler())
	}

	if s.cfg.Realtime.Enabled && s.handler != nil {
		s.app.Get("/realtime/ws", s.handler.HandleWebSocket)
	}
}

// App exposes the underlying Fiber app, used by tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving. It blocks until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Server.Address).Msg("Starting HTTP server")
	return s.app.Listen(s.cfg.Server.Address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
