// Package http provides the codebundle HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/payload"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
	"github.com/fyrsmithlabs/codebundle/internal/recovery"
	"github.com/fyrsmithlabs/codebundle/internal/service"
	"github.com/fyrsmithlabs/codebundle/internal/workspace"
)

// Bundler runs bundling cycles.
type Bundler interface {
	Scan(ctx context.Context, req service.Request) (*service.ScanResult, error)
	Changes(ctx context.Context, req service.Request) (*service.ChangesResult, error)
	Payload(ctx context.Context, req service.Request) (*service.PayloadResult, error)
	Progress() progress.Snapshot
}

// Server provides HTTP endpoints for codebundle.
type Server struct {
	echo    *echo.Echo
	bundler Bundler
	metrics *HTTPMetrics
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	Version     string
	BackendHost string // used to classify upload failures
}

// NewServer creates a new HTTP server.
func NewServer(bundler Bundler, logger *zap.Logger, cfg *Config) (*Server, error) {
	if bundler == nil {
		return nil, fmt.Errorf("bundler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		bundler: bundler,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/scan", s.handleScan)
	v1.POST("/changes", s.handleChanges)
	v1.POST("/payload", s.handlePayload)
	v1.GET("/progress", s.handleProgress)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleProgress(c echo.Context) error {
	snap := s.bundler.Progress()
	return c.JSON(http.StatusOK, ProgressResponse{
		Processed: snap.Processed,
		Total:     snap.Total,
		Percent:   snap.Percent(),
	})
}

func (s *Server) handleScan(c echo.Context) error {
	req, err := s.bind(c)
	if err != nil {
		return err
	}
	res, err := s.bundler.Scan(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, "scan", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleChanges(c echo.Context) error {
	req, err := s.bind(c)
	if err != nil {
		return err
	}
	res, err := s.bundler.Changes(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, "changes", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePayload(c echo.Context) error {
	req, err := s.bind(c)
	if err != nil {
		return err
	}
	res, err := s.bundler.Payload(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, "payload", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) bind(c echo.Context) (service.Request, error) {
	var body BundleRequest
	if err := c.Bind(&body); err != nil {
		s.logger.Warn("invalid request body", zap.Error(err))
		return service.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Path == "" {
		return service.Request{}, echo.NewHTTPError(http.StatusBadRequest, "path field is required")
	}
	return service.Request{
		Path:      body.Path,
		Supported: body.Supported,
		BundleID:  body.BundleID,
		DryRun:    body.DryRun,
	}, nil
}

// fail writes err with the recovery action a client should take.
func (s *Server) fail(c echo.Context, op string, err error) error {
	cl := recovery.Classify(err, s.config.BackendHost)
	status := statusFor(err)
	s.logger.Warn("request failed",
		zap.String("op", op),
		zap.Int("status", status),
		zap.Stringer("action", cl.Action),
		zap.Error(err),
	)
	return c.JSON(status, ErrorResponse{
		Error:  err.Error(),
		Action: cl.Action.String(),
		Kind:   string(cl.Kind),
	})
}

func statusFor(err error) int {
	var se *payload.StatusError
	switch {
	case errors.Is(err, workspace.ErrNotDirectory), errors.Is(err, os.ErrNotExist):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoTransport):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
