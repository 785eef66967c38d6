package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/triage"
	"github.com/labstack/echo/v4"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 * 1024

// ErrorResponse is the body of every error except validation failures.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail any    `json:"detail"`
}

// MessageResponse acknowledges an administrative action.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TicketsResponse is the response body for GET /api/tickets.
type TicketsResponse struct {
	Success bool            `json:"success"`
	Tickets []ticket.Ticket `json:"tickets"`
}

// TicketResponse is the response body for GET /api/ticket/:number.
type TicketResponse struct {
	Success bool          `json:"success"`
	Ticket  ticket.Ticket `json:"ticket"`
}

// ProcessResponse is the response body for POST /api/process-ticket.
type ProcessResponse struct {
	Success          bool                         `json:"success"`
	RunID            string                       `json:"run_id"`
	Ticket           ticket.Ticket                `json:"ticket"`
	Summary          llm.Summary                  `json:"summary"`
	Response         string                       `json:"response"`
	FallbackUsed     bool                         `json:"fallback_used"`
	EnhancedResponse *agent.Output                `json:"enhanced_response,omitempty"`
	LearningInsights *agent.Output                `json:"learning_insights,omitempty"`
	QualityMetrics   *orchestrator.QualityMetrics `json:"quality_metrics,omitempty"`
	Pipeline         []orchestrator.StepRecord    `json:"pipeline_performance"`
	SLAStatus        *sla.Status                  `json:"sla_status,omitempty"`
	SLABreached      bool                         `json:"sla_breached"`
	AgentProcessing  bool                         `json:"agent_processing"`
	ProcessingTime   float64                      `json:"processing_time"`
}

func newProcessResponse(out *triage.Outcome) ProcessResponse {
	return ProcessResponse{
		Success:          true,
		RunID:            out.RunID,
		Ticket:           out.Ticket,
		Summary:          out.Summary,
		Response:         out.Response,
		FallbackUsed:     out.FallbackUsed,
		EnhancedResponse: out.EnhancedResponse,
		LearningInsights: out.LearningInsights,
		QualityMetrics:   out.QualityMetrics,
		Pipeline:         out.Pipeline,
		SLAStatus:        out.SLAStatus,
		SLABreached:      out.SLABreached,
		AgentProcessing:  true,
		ProcessingTime:   out.ProcessingTime,
	}
}

// FeedbackRequest is the request body for POST /api/feedback.
type FeedbackRequest struct {
	TicketNumber     int      `json:"ticket_number"`
	Success          bool     `json:"success"`
	SuccessRate      *float64 `json:"success_rate,omitempty"`
	Score            *float64 `json:"score,omitempty"`
	QualityScore     *float64 `json:"quality_score,omitempty"`
	UserSatisfaction *float64 `json:"user_satisfaction,omitempty"`
	ResponseTime     *float64 `json:"response_time,omitempty"`
}

// HistoryResponse is the response body for GET /api/history.
type HistoryResponse struct {
	Success bool            `json:"success"`
	History []session.Entry `json:"history"`
}

// SearchResponse is the response body for GET /api/history/search.
type SearchResponse struct {
	Success bool            `json:"success"`
	Results []session.Entry `json:"results"`
}

// StatisticsResponse is the response body for GET /api/statistics.
type StatisticsResponse struct {
	Success    bool          `json:"success"`
	Statistics session.Stats `json:"statistics"`
}

// ValidationStatusResponse is the response body for
// GET /api/validation/status.
type ValidationStatusResponse struct {
	Success          bool                    `json:"success"`
	ProcessedTickets []int                   `json:"processed_tickets"`
	ValidationConfig triage.ValidationConfig `json:"validation_config"`
}

// AgentStatusResponse is the response body for GET /api/agents/status.
type AgentStatusResponse struct {
	Success     bool                      `json:"success"`
	AgentStatus orchestrator.StatusReport `json:"agent_status"`
}

// AgentHealthResponse is the response body for GET /api/agents/health.
type AgentHealthResponse struct {
	Success      bool                      `json:"success"`
	HealthStatus orchestrator.HealthReport `json:"health_status"`
}

// OptimizeResponse is the response body for GET /api/agents/optimize.
type OptimizeResponse struct {
	Success       bool                      `json:"success"`
	Optimizations orchestrator.Optimization `json:"optimizations"`
}

// KnowledgeStatsResponse is the response body for GET /api/knowledge/stats.
type KnowledgeStatsResponse struct {
	Success        bool            `json:"success"`
	KnowledgeStats knowledge.Stats `json:"knowledge_stats"`
}

// ExportResponse is the response body for POST /api/knowledge/export.
type ExportResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// CleanupResponse is the response body for POST /api/knowledge/cleanup.
type CleanupResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Result  knowledge.CleanupResult `json:"result"`
}

// ticketNumberParam returns the raw ticket_number from the query string,
// or from a JSON body when the query has none. Validation is left to the
// service so both sources get the same messages.
func ticketNumberParam(c echo.Context) (any, error) {
	if raw := c.QueryParam("ticket_number"); raw != "" {
		return raw, nil
	}
	req := c.Request()
	if req.Body == nil || !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body) > maxBodySize {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var payload struct {
		TicketNumber any `json:"ticket_number"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if n, ok := payload.TicketNumber.(json.Number); ok {
		return n.String(), nil
	}
	return payload.TicketNumber, nil
}
