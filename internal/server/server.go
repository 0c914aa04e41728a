// Package server exposes the ops HTTP API: embed/search data paths,
// migration control, tenant health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/metrics"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/pipeline"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// Config holds HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	return nil
}

// Server is the ops HTTP server.
type Server struct {
	config   Config
	echo     *echo.Echo
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates the server and registers all routes.
func New(config Config, p *pipeline.Pipeline, m *metrics.Metrics, logger *zap.Logger) *Server {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = config.ReadTimeout
	e.Server.WriteTimeout = config.WriteTimeout
	e.Use(middleware.Recover())

	s := &Server{config: config, echo: e, pipeline: p, metrics: m, logger: logger}
	e.Use(s.observe)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.GET("/errors", s.handleErrors)
	v1.POST("/tenants/:tenant/embeddings", s.handleEmbed)
	v1.POST("/tenants/:tenant/search", s.handleSearch)
	v1.GET("/tenants/:tenant/health", s.handleHealth)
	v1.POST("/tenants/:tenant/config/validate", s.handleValidateConfig)
	v1.POST("/tenants/:tenant/migrations", s.handleStartMigration)
	v1.GET("/migrations/:id", s.handleMigrationStatus)
	v1.DELETE("/migrations/:id", s.handleCancelMigration)
	v1.POST("/migrations/:id/rollback", s.handleRollbackMigration)

	return s
}

// observe logs requests and records their latency.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		elapsed := time.Since(start)

		route := c.Path()
		s.metrics.ObserveRequest(route, elapsed.Seconds())
		s.logger.Debug("request",
			zap.String("method", c.Request().Method),
			zap.String("route", route),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", elapsed))
		return err
	}
}

// Handler exposes the router for tests and embedding in other servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

type embedRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEmbed(c echo.Context) error {
	var req embedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.pipeline.ProcessEmbedding(c.Request().Context(), c.Param("tenant"), req.Content)
	if err != nil {
		return s.mapError(err)
	}
	s.metrics.RecordEmbedding(result.Degraded)
	return c.JSON(http.StatusOK, result)
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	result, err := s.pipeline.ProcessRetrieval(c.Request().Context(), c.Param("tenant"), req.Vector, req.TopK)
	if err != nil {
		return s.mapError(err)
	}
	s.metrics.RecordRetrieval(result.Degraded)
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c echo.Context) error {
	summary, err := s.pipeline.GetHealthSummary(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleErrors(c echo.Context) error {
	n, _ := strconv.Atoi(c.QueryParam("limit"))
	if n <= 0 {
		n = 50
	}
	return c.JSON(http.StatusOK, s.pipeline.RecentErrors(n))
}

type configRequest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`

	// DryRun returns the migration plan without starting a job.
	DryRun bool `json:"dry_run"`
}

func (r configRequest) config() embedding.Config {
	return embedding.Config{Provider: r.Provider, Model: r.Model, Dimension: r.Dimension}
}

func (s *Server) handleValidateConfig(c echo.Context) error {
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.pipeline.ValidateConfigurationChange(c.Request().Context(), c.Param("tenant"), req.config())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleStartMigration(c echo.Context) error {
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.DryRun {
		plan, err := s.pipeline.PlanMigration(c.Request().Context(), c.Param("tenant"), req.config())
		if err != nil {
			return s.mapError(err)
		}
		return c.JSON(http.StatusOK, plan)
	}

	jobID, err := s.pipeline.StartMigration(c.Request().Context(), c.Param("tenant"), req.config())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleMigrationStatus(c echo.Context) error {
	status, err := s.pipeline.GetMigrationStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	s.metrics.RecordMigrationPhase(string(status.Phase))
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleCancelMigration(c echo.Context) error {
	if err := s.pipeline.CancelMigration(c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRollbackMigration(c echo.Context) error {
	if err := s.pipeline.RollbackMigration(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// mapError converts domain errors to HTTP status codes. Raw internal
// detail stays out of responses; callers get the category message.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, configstore.ErrNotFound),
		errors.Is(err, migration.ErrJobNotFound),
		errors.Is(err, vectorstore.ErrCollectionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, migration.ErrInvalidConfiguration),
		errors.Is(err, migration.ErrNoMigrationNeeded),
		errors.Is(err, migration.ErrJobTerminal),
		errors.Is(err, embedding.ErrInvalidInput),
		errors.Is(err, embedding.ErrInvalidConfig),
		errors.Is(err, vectorstore.ErrDimensionMismatch),
		errors.Is(err, vectorstore.ErrInvalidCollectionName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, configstore.ErrOwnershipConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
