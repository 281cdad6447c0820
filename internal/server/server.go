// Package server is the entra-sso HTTP service: token exchange, a
// protected identity endpoint, health and metrics.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/keksclan/goEntra/entra"
	"github.com/keksclan/goEntra/entraconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the subset of *entra.Engine the service depends on.
type Engine interface {
	Validate(ctx context.Context, token string) (*entra.Claims, error)
	CheckKeyProviderReachable(ctx context.Context) error
}

type Server struct {
	app    *fiber.App
	engine Engine
	cfg    entraconfig.ServerSettings
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the fiber app and registers every route. A nil gatherer
// serves prometheus.DefaultGatherer on /metrics.
func New(engine Engine, cfg entraconfig.ServerSettings, logger *zap.Logger, gatherer prometheus.Gatherer, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "entra-sso",
		DisableStartupMessage: true,
		EnablePrintRoutes:     cfg.Debug,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(s.requestID())
	s.app.Use(s.requestLogger())
	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}

	s.routes(gatherer)
	return s, nil
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	api := s.app.Group("/api")
	api.Post("/auth/microsoft", s.handleAuthMicrosoft)
	api.Get("/me", s.authMiddleware(), s.handleMe)
	api.Get("/health", s.handleHealth)

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// corsConfig allows credentials unless an origin is the wildcard, which
// fiber refuses to combine with credentials.
func corsConfig(origins []string) cors.Config {
	credentials := true
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			credentials = false
		}
	}
	return cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,HEAD,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: credentials,
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on the configured address until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("unhandled request error", zap.Error(err), zap.String("path", c.Path()))
	}
	return c.Status(code).JSON(fiber.Map{
		"error":             strings.ReplaceAll(strings.ToLower(utils.StatusMessage(code)), " ", "_"),
		"error_description": err.Error(),
		"timestamp":         s.now().UTC(),
	})
}
