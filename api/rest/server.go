// Package rest provides the HTTP surface of the proofsearch gateway.
package rest

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/types"
)

// Server represents the gateway REST API server.
type Server struct {
	app      *fiber.App
	gateway  *gateway.Gateway
	config   *Config
	gatherer prometheus.Gatherer
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// BodyLimit caps request bodies; compile batches can be large.
	BodyLimit int `yaml:"body_limit"`

	// CompilerTag is the tag /api/v1/compile routes to.
	CompilerTag string `yaml:"compiler_tag"`

	// EnableMetrics enables the Prometheus endpoint at MetricsPath.
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPath   string `yaml:"metrics_path"`

	// AccessLog enables per-request logging.
	AccessLog bool `yaml:"access_log"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:       ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  660 * time.Second,
		BodyLimit:     64 * 1024 * 1024,
		CompilerTag:   "lean-compiler",
		EnableMetrics: true,
		MetricsPath:   "/metrics",
		AccessLog:     true,
	}
}

// NewServer creates a new REST API server in front of gw. gatherer serves
// the metrics endpoint and may be nil when metrics are disabled.
func NewServer(gw *gateway.Gateway, config *Config, gatherer prometheus.Gatherer) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		BodyLimit:             config.BodyLimit,
		ErrorHandler:          customErrorHandler,
		AppName:               "proofsearch gateway",
		DisableStartupMessage: true,
	})

	server := &Server{
		app:      app,
		gateway:  gw,
		config:   config,
		gatherer: gatherer,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.AccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	// 旧版 worker 脚本使用的接口
	s.app.Post("/register", s.legacyRegister)
	s.app.Get("/workers", s.legacyWorkers)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/stats", s.getStats)

	api.Post("/workers/register", s.registerWorker)
	api.Get("/workers", s.listWorkers)
	api.Get("/workers/:id", s.getWorker)
	api.Post("/workers/:id/renew", s.renewWorker)
	api.Post("/workers/:id/drain", s.drainWorker)
	api.Post("/workers/:id/deregister", s.deregisterWorker)

	api.Post("/dispatch/:tag", s.dispatch)
	api.Post("/dispatch/:tag/*", s.dispatch)

	api.Post("/compile", s.compile("/compile"))
	api.Post("/compile_one", s.compile("/compile_one"))

	s.app.All("/v1/*", s.proxyModel)

	if s.config.EnableMetrics && s.gatherer != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.app.Get(path, adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start starts the REST API server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext serves until ctx is done, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := types.ErrCodeInternal
		if fe.Code < fiber.StatusInternalServerError {
			code = types.ErrCodeInvalidRequest
		}
		return c.Status(fe.Code).JSON(types.ErrorResponse{
			Error:   code,
			Message: fe.Message,
		})
	}
	return writeError(c, err)
}
