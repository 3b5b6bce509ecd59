package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ragforge/app/api"
	"ragforge/app/middleware"
	"ragforge/metrics"
)

const (
	bodyLimit       = 100 << 20
	shutdownTimeout = 10 * time.Second
)

type Deps struct {
	Agent     api.Answerer
	Processor api.BatchProcessor
	Health    api.HealthChecker
	Metrics   *metrics.Metrics
}

type Server struct {
	listenAddr string
	app        *fiber.App
	logger     *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	var (
		app = fiber.New(fiber.Config{
			ErrorHandler:          api.ErrorHandler(logger),
			BodyLimit:             bodyLimit,
			DisableStartupMessage: true,
		})
		checkHandler    = api.NewCheckHandler(deps.Health)
		requestHandler  = api.NewRequestHandler(deps.Agent, logger)
		documentHandler = api.NewDocumentHandler(deps.Processor, logger)
		check           = app.Group("/check")
		apiv1           = app.Group("/api/v1")
	)

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.RequestLogger(logger))

	check.Get("/healthy", checkHandler.HandleHealthy)
	apiv1.Post("/documents", documentHandler.HandleUpload)
	apiv1.Post("/question", requestHandler.HandleQuestion)
	if reg := deps.Metrics.Registry(); reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	return &Server{listenAddr: addr, app: app, logger: logger}
}

// App exposes the router, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", zap.String("addr", s.listenAddr))
		errCh <- s.app.Listen(s.listenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		s.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
