// Package http provides the operator-facing REST API: on-demand
// discovery and evaluation, suggestion review, rule export/import, and
// aggregate statistics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/classifier"
	"github.com/fyrsmithlabs/noisegate/internal/lifecycle"
	"github.com/fyrsmithlabs/noisegate/internal/orchestrator"
	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/store"
)

// Lifecycle is the review surface exposed by the lifecycle manager.
type Lifecycle interface {
	Approve(ctx context.Context, id, reviewer, reason string) (*pattern.Suggestion, error)
	Reject(ctx context.Context, id, reviewer, reason string) (*pattern.Suggestion, error)
	MoveToShadow(ctx context.Context, id, actor string) (*pattern.Suggestion, error)
	Reactivate(ctx context.Context, id, reviewer string) (*pattern.Suggestion, error)
	EvaluationSweep(ctx context.Context) (*lifecycle.SweepResult, error)
	Import(ctx context.Context, rules []lifecycle.ImportRule, actor string) (int, error)
	Export(ctx context.Context) ([]lifecycle.ImportRule, error)
}

// Pipeline triggers a discovery run on demand.
type Pipeline interface {
	Run(ctx context.Context) (*orchestrator.RunReport, error)
}

// Store is the read-only query surface the API needs.
type Store interface {
	GetSuggestion(ctx context.Context, id string) (*pattern.Suggestion, error)
	ListByStatus(ctx context.Context, status pattern.Status) ([]*pattern.Suggestion, error)
	ListAudit(ctx context.Context, suggestionID string) ([]*pattern.AuditLogEntry, error)
	AggregateStats(ctx context.Context) (*store.Stats, error)
}

// Classifier classifies a single message.
type Classifier interface {
	Classify(ctx context.Context, message, service string) (classifier.Result, error)
}

// Server provides the HTTP API.
type Server struct {
	echo       *echo.Echo
	lifecycle  Lifecycle
	pipeline   Pipeline
	store      Store
	classifier Classifier
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the API server.
func NewServer(lc Lifecycle, pipeline Pipeline, st Store, cl Classifier, logger *zap.Logger, cfg *Config) (*Server, error) {
	if lc == nil {
		return nil, fmt.Errorf("lifecycle cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9180}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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
		echo:       e,
		lifecycle:  lc,
		pipeline:   pipeline,
		store:      st,
		classifier: cl,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/discovery/run", s.handleDiscoveryRun)
	v1.POST("/evaluation/run", s.handleEvaluationRun)
	v1.GET("/suggestions", s.handleListSuggestions)
	v1.GET("/suggestions/:id", s.handleGetSuggestion)
	v1.GET("/suggestions/:id/audit", s.handleGetAudit)
	v1.POST("/suggestions/:id/approve", s.handleApprove)
	v1.POST("/suggestions/:id/reject", s.handleReject)
	v1.POST("/suggestions/:id/shadow", s.handleMoveToShadow)
	v1.POST("/suggestions/:id/reactivate", s.handleReactivate)
	v1.GET("/stats", s.handleStats)
	v1.GET("/rules/export", s.handleExport)
	v1.POST("/rules/import", s.handleImport)
	v1.POST("/classify", s.handleClassify)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleDiscoveryRun(c echo.Context) error {
	if s.pipeline == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "discovery pipeline not configured")
	}
	report, err := s.pipeline.Run(c.Request().Context())
	if err != nil {
		s.logger.Error("on-demand discovery failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "discovery run failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleEvaluationRun(c echo.Context) error {
	result, err := s.lifecycle.EvaluationSweep(c.Request().Context())
	if err != nil {
		s.logger.Error("on-demand evaluation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "evaluation sweep failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListSuggestions(c echo.Context) error {
	raw := c.QueryParam("status")
	if raw == "" {
		raw = string(pattern.StatusPending)
	}
	status, err := pattern.ParseStatus(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
	}

	suggestions, err := s.store.ListByStatus(c.Request().Context(), status)
	if err != nil {
		s.logger.Error("suggestion list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing suggestions failed")
	}
	if suggestions == nil {
		suggestions = []*pattern.Suggestion{}
	}
	return c.JSON(http.StatusOK, suggestions)
}

func (s *Server) handleGetSuggestion(c echo.Context) error {
	sg, err := s.store.GetSuggestion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err, "fetching suggestion")
	}
	return c.JSON(http.StatusOK, sg)
}

func (s *Server) handleGetAudit(c echo.Context) error {
	entries, err := s.store.ListAudit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err, "fetching audit trail")
	}
	if entries == nil {
		entries = []*pattern.AuditLogEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// ReviewRequest is the body for approve/reject/shadow/reactivate.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sg, err := s.lifecycle.Approve(c.Request().Context(), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		return s.mapError(err, "approving suggestion")
	}
	return c.JSON(http.StatusOK, sg)
}

func (s *Server) handleReject(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sg, err := s.lifecycle.Reject(c.Request().Context(), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		return s.mapError(err, "rejecting suggestion")
	}
	return c.JSON(http.StatusOK, sg)
}

func (s *Server) handleMoveToShadow(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	}
	sg, err := s.lifecycle.MoveToShadow(c.Request().Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		return s.mapError(err, "moving suggestion to shadow")
	}
	return c.JSON(http.StatusOK, sg)
}

func (s *Server) handleReactivate(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sg, err := s.lifecycle.Reactivate(c.Request().Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		return s.mapError(err, "reactivating suggestion")
	}
	return c.JSON(http.StatusOK, sg)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.AggregateStats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats query failed")
	}
	return c.JSON(http.StatusOK, stats)
}

// ExportResponse is the body for GET /api/v1/rules/export.
type ExportResponse struct {
	Rules []lifecycle.ImportRule `json:"rules"`
}

func (s *Server) handleExport(c echo.Context) error {
	bundle, err := s.lifecycle.Export(c.Request().Context())
	if err != nil {
		s.logger.Error("rule export failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "rule export failed")
	}
	if bundle == nil {
		bundle = []lifecycle.ImportRule{}
	}
	return c.JSON(http.StatusOK, ExportResponse{Rules: bundle})
}

// ImportRequest is the body for POST /api/v1/rules/import.
type ImportRequest struct {
	Rules []lifecycle.ImportRule `json:"rules"`
	Actor string                 `json:"actor"`
}

// ImportResponse reports how many rules survived re-validation.
type ImportResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

func (s *Server) handleImport(c echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}
	if len(req.Rules) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rules field is required")
	}

	accepted, err := s.lifecycle.Import(c.Request().Context(), req.Rules, req.Actor)
	if err != nil {
		s.logger.Error("rule import failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "rule import failed")
	}
	return c.JSON(http.StatusOK, ImportResponse{
		Accepted: accepted,
		Dropped:  len(req.Rules) - accepted,
	})
}

// ClassifyRequest is the body for POST /api/v1/classify.
type ClassifyRequest struct {
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

func (s *Server) handleClassify(c echo.Context) error {
	if s.classifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "classifier not configured")
	}
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	result, err := s.classifier.Classify(c.Request().Context(), req.Message, req.Service)
	if err != nil {
		s.logger.Error("classification failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "classification failed")
	}
	return c.JSON(http.StatusOK, result)
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(err error, action string) error {
	switch {
	case errors.Is(err, pattern.ErrSuggestionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
	case errors.Is(err, lifecycle.ErrEmptyReviewer):
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	case errors.Is(err, lifecycle.ErrOverMatching):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNotReviewable),
		errors.Is(err, lifecycle.ErrNotStale),
		errors.Is(err, pattern.ErrStatusConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error(action+" failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, action+" failed")
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
