// Package http serves the triage REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/logging"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/triage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Service is the triage surface the API exposes.
type Service interface {
	Health(ctx context.Context) triage.Health
	Tickets(ctx context.Context, limit any) ([]ticket.Ticket, error)
	Ticket(ctx context.Context, number any) (ticket.Ticket, error)
	ProcessTicket(ctx context.Context, number any) (*triage.Outcome, error)
	Feedback(ctx context.Context, n int, fb agent.Feedback) error

	History() []session.Entry
	SearchHistory(q string) []session.Entry
	Statistics() session.Stats
	ClearHistory() int
	ExportHistory(w io.Writer) error

	ValidationStatus() triage.ValidationStatus
	ClearProcessed() int

	AgentStatus(ctx context.Context) orchestrator.StatusReport
	AgentHealth(ctx context.Context) orchestrator.HealthReport
	Optimize() orchestrator.Optimization

	KnowledgeStats(ctx context.Context) (knowledge.Stats, error)
	ExportKnowledge(ctx context.Context) (string, error)
	CleanupKnowledge(ctx context.Context) (knowledge.CleanupResult, int, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	RateLimit      RateLimitConfig
}

// Server provides the triage HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	svc     Service
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Port: 8000}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())
	if cfg.RateLimit.Enabled {
		e.Use(newIPLimiter(cfg.RateLimit).middleware(s.metrics))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.RequestTimeout))
	}

	s.registerRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		logging.ZapFromContext(c.Request().Context(), s.logger).Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/tickets", s.handleTickets)
	api.GET("/ticket/:number", s.handleTicket)
	api.POST("/process-ticket", s.handleProcessTicket)
	api.POST("/feedback", s.handleFeedback)

	api.GET("/history", s.handleHistory)
	api.GET("/history/search", s.handleSearchHistory)
	api.POST("/history/clear", s.handleClearHistory)
	api.GET("/history/export", s.handleExportHistory)
	api.GET("/statistics", s.handleStatistics)

	api.GET("/validation/status", s.handleValidationStatus)
	api.POST("/validation/clear-processed", s.handleClearProcessed)

	api.GET("/agents/status", s.handleAgentStatus)
	api.GET("/agents/health", s.handleAgentHealth)
	api.GET("/agents/optimize", s.handleOptimize)

	api.GET("/knowledge/stats", s.handleKnowledgeStats)
	api.POST("/knowledge/export", s.handleKnowledgeExport)
	api.POST("/knowledge/cleanup", s.handleKnowledgeCleanup)
}

// Handler returns the API wrapped in OpenTelemetry server spans.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.echo, "triage.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}

// handleError renders every error as JSON. Validation failures return
// their structured detail as the body; everything else is wrapped in
// {"error", "detail"}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he := toHTTPError(err)

	var body any
	switch he.Code {
	case http.StatusUnprocessableEntity:
		body = he.Message
	case http.StatusConflict:
		body = ErrorResponse{Error: "Conflict", Detail: he.Message}
	default:
		body = ErrorResponse{Error: "HTTP Error", Detail: he.Message}
	}

	log := logging.ZapFromContext(c.Request().Context(), s.logger)
	if he.Code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, body)
	}
	if err != nil {
		log.Warn("failed to write error response", zap.Error(err))
	}
}

// toHTTPError maps service errors onto statuses.
func toHTTPError(err error) *echo.HTTPError {
	var (
		he     *echo.HTTPError
		reqErr *triage.RequestError
		valErr *triage.ValidationError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &reqErr):
		return echo.NewHTTPError(http.StatusBadRequest, reqErr.Message)
	case errors.As(err, &valErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, valErr.Detail())
	case errors.Is(err, triage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Ticket not found")
	case errors.Is(err, triage.ErrNoResult):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, triage.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, triage.ErrNoKnowledge):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request timed out")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error").SetInternal(err)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Health(c.Request().Context()))
}

func (s *Server) handleTickets(c echo.Context) error {
	var limit any = 10
	if raw := c.QueryParam("limit"); raw != "" {
		limit = raw
	}
	tickets, err := s.svc.Tickets(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if tickets == nil {
		tickets = []ticket.Ticket{}
	}
	return c.JSON(http.StatusOK, TicketsResponse{Success: true, Tickets: tickets})
}

func (s *Server) handleTicket(c echo.Context) error {
	tk, err := s.svc.Ticket(c.Request().Context(), c.Param("number"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TicketResponse{Success: true, Ticket: tk})
}

// handleProcessTicket reads ticket_number from the query string or a JSON
// body.
func (s *Server) handleProcessTicket(c echo.Context) error {
	number, err := ticketNumberParam(c)
	if err != nil {
		return err
	}
	out, err := s.svc.ProcessTicket(c.Request().Context(), number)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProcessResponse(out))
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TicketNumber <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Ticket number must be a positive integer")
	}
	fb := agent.Feedback{
		Success:          req.Success,
		SuccessRate:      req.SuccessRate,
		Score:            req.Score,
		QualityScore:     req.QualityScore,
		UserSatisfaction: req.UserSatisfaction,
		ResponseTime:     req.ResponseTime,
	}
	if err := s.svc.Feedback(c.Request().Context(), req.TicketNumber, fb); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "Feedback recorded"})
}

func (s *Server) handleHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, HistoryResponse{Success: true, History: nonNil(s.svc.History())})
}

func (s *Server) handleSearchHistory(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		q = c.QueryParam("query")
	}
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	return c.JSON(http.StatusOK, SearchResponse{Success: true, Results: nonNil(s.svc.SearchHistory(q))})
}

func (s *Server) handleStatistics(c echo.Context) error {
	return c.JSON(http.StatusOK, StatisticsResponse{Success: true, Statistics: s.svc.Statistics()})
}

func (s *Server) handleClearHistory(c echo.Context) error {
	n := s.svc.ClearHistory()
	logging.ZapFromContext(c.Request().Context(), s.logger).Info("history cleared", zap.Int("entries", n))
	return c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "History cleared"})
}

func (s *Server) handleExportHistory(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return s.svc.ExportHistory(c.Response())
}

func (s *Server) handleValidationStatus(c echo.Context) error {
	st := s.svc.ValidationStatus()
	processed := st.ProcessedTickets
	if processed == nil {
		processed = []int{}
	}
	return c.JSON(http.StatusOK, ValidationStatusResponse{
		Success:          true,
		ProcessedTickets: processed,
		ValidationConfig: st.Config,
	})
}

func (s *Server) handleClearProcessed(c echo.Context) error {
	s.svc.ClearProcessed()
	return c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "Processed tickets list cleared"})
}

func (s *Server) handleAgentStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, AgentStatusResponse{
		Success:     true,
		AgentStatus: s.svc.AgentStatus(c.Request().Context()),
	})
}

func (s *Server) handleAgentHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, AgentHealthResponse{
		Success:      true,
		HealthStatus: s.svc.AgentHealth(c.Request().Context()),
	})
}

func (s *Server) handleOptimize(c echo.Context) error {
	return c.JSON(http.StatusOK, OptimizeResponse{Success: true, Optimizations: s.svc.Optimize()})
}

func (s *Server) handleKnowledgeStats(c echo.Context) error {
	stats, err := s.svc.KnowledgeStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, KnowledgeStatsResponse{Success: true, KnowledgeStats: stats})
}

func (s *Server) handleKnowledgeExport(c echo.Context) error {
	path, err := s.svc.ExportKnowledge(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExportResponse{
		Success: true,
		Message: "Knowledge exported to " + path,
		Path:    path,
	})
}

func (s *Server) handleKnowledgeCleanup(c echo.Context) error {
	res, days, err := s.svc.CleanupKnowledge(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CleanupResponse{
		Success: true,
		Message: fmt.Sprintf("Knowledge base cleaned up (kept %d days)", days),
		Result:  res,
	})
}

func nonNil(entries []session.Entry) []session.Entry {
	if entries == nil {
		return []session.Entry{}
	}
	return entries
}
