// Package api exposes the scan service over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/xrayscan/internal/api/middleware"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/imagestore"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/observability"
	"github.com/tphakala/xrayscan/internal/scan"
)

// ScanService is the scan lifecycle backend served by the API.
type ScanService interface {
	Upload(ctx context.Context, filename string, content io.Reader) (scan.UploadResult, error)
	Detect(ctx context.Context, reference string) (scan.DetectionResult, error)
	Save(ctx context.Context, rec scan.Record) error
	History(ctx context.Context) []scan.Record
}

// Server is the HTTP server for the scan API.
type Server struct {
	echo    *echo.Echo
	config  *Config
	service ScanService
	images  *imagestore.Store
	metrics *observability.Metrics
	log     logger.Logger

	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetrics exposes /metrics and records HTTP metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger overrides the api module logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// New creates a Server. svc and images are required.
func New(config *Config, svc ScanService, images *imagestore.Store, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.New(err).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if svc == nil || images == nil {
		return nil, errors.Newf("api server requires a scan service and an image store").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Server{
		config:    config,
		service:   svc,
		images:    images,
		log:       GetLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.Logger = logger.NewEchoLoggerAdapter(s.log.Module("echo"))
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))

	if s.metrics != nil {
		s.echo.Use(middleware.NewMetrics(s.metrics.HTTP))
	}
	s.echo.Use(middleware.NewRequestLoggerWithSkipper(s.log.Module("http"), skipQuietRoutes))

	security := middleware.DefaultSecurityConfig()
	if len(s.config.AllowedOrigins) > 0 {
		security.AllowedOrigins = s.config.AllowedOrigins
	}
	s.echo.Use(middleware.NewCORS(security))
	s.echo.Use(middleware.NewSecureHeaders(security))
	s.echo.Use(middleware.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(echomw.GzipWithConfig(echomw.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return isImageRoute(c.Path()) || c.Path() == "/metrics"
		},
	}))
}

func (s *Server) setupRoutes() {
	detectMiddleware := []echo.MiddlewareFunc{}
	if s.config.DetectRate > 0 {
		detectMiddleware = append(detectMiddleware,
			middleware.NewRateLimiter(s.config.DetectRate, s.config.DetectBurst))
	}

	s.echo.POST("/upload", s.handleUpload)
	s.echo.POST("/detect", s.handleDetect, detectMiddleware...)
	s.echo.POST("/", s.handleSave)
	s.echo.GET("/", s.handleHistory)

	s.echo.GET(imagestore.UploadsRoute+"/*", s.serveFrom(s.images.Uploads().ServeRelativeFile))
	s.echo.GET(imagestore.ProcessedRoute+"/*", s.serveFrom(s.images.Processed().ServeRelativeFile))

	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) serveFrom(serve func(echo.Context, string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		return serve(c, c.Param("*"))
	}
}

// skipQuietRoutes keeps health checks and scrapes out of the request log.
func skipQuietRoutes(c echo.Context) bool {
	switch c.Path() {
	case "/health", "/metrics":
		return true
	}
	return false
}

func isImageRoute(path string) bool {
	return strings.HasPrefix(path, imagestore.UploadsRoute+"/") ||
		strings.HasPrefix(path, imagestore.ProcessedRoute+"/")
}

// ServeHTTP lets the server be mounted or driven directly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on the configured address and blocks until the server is
// shut down. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server",
		logger.String("address", s.config.Address()),
		logger.String("version", s.config.Version))

	err := s.echo.Start(s.config.Address())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("address", s.config.Address()).
			Build()
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests. A later Start returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("operation", "shutdown").
			Build()
	}

	s.log.Info("server shutdown complete")
	return nil
}
