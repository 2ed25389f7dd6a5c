// Package api serves engine commands over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Class   engine.ErrorClass      `json:"class,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Server exposes a service.Engine through a fiber app.
type Server struct {
	app    *fiber.App
	engine *service.Engine
	cfg    config.APIConfig
	logger zerolog.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(e *service.Engine, cfg config.APIConfig) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "tandem",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		engine: e,
		cfg:    cfg,
		logger: e.Telemetry().Logger.Zerolog().With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{EnableStackTrace: true}))
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger())
}

// requestLogger logs one line per request at debug level, warn for 5xx.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Run the error handler now so the logged status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		event := s.logger.Debug()
		if status >= fiber.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
		return nil
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.engine.Telemetry().Metrics.Handler()))

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.health)
	v1.Post("/commands", s.command)

	v1.Post("/races", s.race)

	v1.Get("/tasks", s.listTasks)
	v1.Post("/tasks", s.submitTask)
	v1.Get("/tasks/:id", s.getTask)
	v1.Delete("/tasks/:id", s.cancelTask)

	v1.Get("/runs", s.listRuns)
	v1.Post("/runs", s.startRun)
	v1.Get("/runs/:id", s.getRun)
	v1.Delete("/runs/:id", s.cancelRun)
	v1.Get("/runs/:id/report", s.runReport)

	v1.Get("/stats", s.stats)
	v1.Get("/approaches", s.approaches)
	v1.Delete("/cache", s.clearCache)
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("API listening")
		errCh <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests and waits up to timeout for active ones.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// StatusCode maps an engine error onto an HTTP status.
func StatusCode(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fiber.StatusGatewayTimeout
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return fiber.StatusInternalServerError
	}
	switch ee.Code {
	case engine.ErrCodeNotFound:
		return fiber.StatusNotFound
	case engine.ErrCodeInvalidTask, engine.ErrCodeValidation:
		return fiber.StatusBadRequest
	case engine.ErrCodeAllApproachesFailed, engine.ErrCodeBackendUnavailable:
		return fiber.StatusBadGateway
	case engine.ErrCodeBackendTimeout:
		return fiber.StatusGatewayTimeout
	case engine.ErrCodePoolExhausted:
		return fiber.StatusServiceUnavailable
	}
	switch ee.Class {
	case engine.ErrorClassConflict:
		return fiber.StatusConflict
	case engine.ErrorClassThrottled:
		return fiber.StatusTooManyRequests
	}
	return fiber.StatusInternalServerError
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := StatusCode(err)
	body := ErrorResponse{Error: engine.ErrCodeInternal, Message: err.Error()}

	var fe *fiber.Error
	var ee *engine.EngineError
	switch {
	case errors.As(err, &fe):
		body = ErrorResponse{Error: statusError(fe.Code), Message: fe.Message}
	case errors.As(err, &ee):
		body = ErrorResponse{Error: ee.Code, Class: ee.Class, Message: ee.Message, Details: ee.Details}
		if body.Error == "" {
			body.Error = engine.ErrCodeInternal
		}
	}
	return c.Status(status).JSON(body)
}

func statusError(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return engine.ErrCodeNotFound
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUnprocessableEntity:
		return engine.ErrCodeInvalidTask
	}
	return engine.ErrCodeInternal
}
