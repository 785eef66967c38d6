package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/triage/internal/enhancer"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/learning"
	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/source"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/triage"
	"github.com/fyrsmithlabs/triage/internal/validation"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySource map[int]ticket.Ticket

func (m memorySource) Get(_ context.Context, n int) (ticket.Ticket, error) {
	tk, ok := m[n]
	if !ok {
		return ticket.Ticket{}, fmt.Errorf("%w: #%d", source.ErrNotFound, n)
	}
	return tk, nil
}

func (m memorySource) List(_ context.Context, limit int) ([]ticket.Ticket, error) {
	out := make([]ticket.Ticket, 0, limit)
	for _, tk := range m {
		if len(out) == limit {
			break
		}
		out = append(out, tk)
	}
	return out, nil
}

func testTicket(n int, title string) ticket.Ticket {
	return ticket.Ticket{
		Number:      n,
		Title:       title,
		Description: "Users cannot log in since the last deploy.",
		Priority:    "P2",
		Owner:       "alice",
		CreatedTime: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		State:       "open",
		Labels:      []string{"bug"},
	}
}

func newTestService(t *testing.T) *triage.Service {
	t.Helper()
	ctx := context.Background()

	store, err := knowledge.Open(ctx, filepath.Join(t.TempDir(), "knowledge.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	learner := learning.New(learning.DefaultID, zap.NewNop())
	proc, err := enhancer.New(enhancer.DefaultID, learner, zap.NewNop())
	require.NoError(t, err)
	orch, err := orchestrator.New(store, zap.NewNop(), orchestrator.WithStages(
		orchestrator.Stage{Agent: learner, Enabled: true},
		orchestrator.Stage{Agent: proc, Enabled: true},
	))
	require.NoError(t, err)

	invalid := testTicket(3, "")
	svc, err := triage.New(triage.Options{
		Source: memorySource{
			1: testTicket(1, "Login page returns 500"),
			2: testTicket(2, "Printer offline"),
			3: invalid,
		},
		Validator:    validation.New(zap.NewNop()),
		Orchestrator: orch,
		SLA:          sla.New(zap.NewNop()),
		Summarizer:   llm.NewSummarizer(nil, nil, nil),
		Responder:    llm.NewResponder(nil, nil, nil),
		History:      session.New(zap.NewNop()),
		Knowledge:    store,
		ExportDir:    t.TempDir(),
		CleanupDays:  30,
	})
	require.NoError(t, err)
	return svc
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(newTestService(t), zap.NewNop(), &Config{Host: "localhost", Port: 8000})
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newTestService(t), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, 8000, server.config.Port)
		assert.Equal(t, ":8000", server.http.Addr)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestService(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, triage.Version, resp["version"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleProcessTicket(t *testing.T) {
	t.Run("processes via query parameter", func(t *testing.T) {
		server := setupTestServer(t)

		rec := do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp ProcessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.True(t, resp.AgentProcessing)
		assert.True(t, resp.FallbackUsed)
		assert.Equal(t, 1, resp.Ticket.Number)
		assert.NotEmpty(t, resp.Response)
		assert.NotEmpty(t, resp.RunID)
		require.NotNil(t, resp.SLAStatus)
		assert.False(t, resp.SLABreached)
	})

	t.Run("processes via json body", func(t *testing.T) {
		server := setupTestServer(t)

		rec := do(t, server, http.MethodPost, "/api/process-ticket", map[string]any{"ticket_number": 2})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, float64(2), decode(t, rec)["ticket"].(map[string]any)["number"])
	})

	t.Run("duplicate is a conflict", func(t *testing.T) {
		server := setupTestServer(t)

		require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)
		rec := do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decode(t, rec)
		assert.Equal(t, "Conflict", resp["error"])
		assert.Contains(t, resp["detail"], "already been processed")
	})

	t.Run("request errors", func(t *testing.T) {
		server := setupTestServer(t)

		tests := []struct {
			name   string
			target string
			body   any
			code   int
			detail string
		}{
			{"not a number", "/api/process-ticket?ticket_number=abc", nil, http.StatusBadRequest, "valid integer"},
			{"negative", "/api/process-ticket?ticket_number=-4", nil, http.StatusBadRequest, "positive integer"},
			{"missing", "/api/process-ticket", nil, http.StatusBadRequest, "valid integer"},
			{"fractional body", "/api/process-ticket", map[string]any{"ticket_number": 1.5}, http.StatusBadRequest, "valid integer"},
			{"unknown ticket", "/api/process-ticket?ticket_number=404", nil, http.StatusNotFound, "Ticket not found"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := do(t, server, http.MethodPost, tt.target, tt.body)
				assert.Equal(t, tt.code, rec.Code)
				resp := decode(t, rec)
				assert.Equal(t, "HTTP Error", resp["error"])
				assert.Contains(t, resp["detail"], tt.detail)
			})
		}
	})

	t.Run("invalid ticket is unprocessable", func(t *testing.T) {
		server := setupTestServer(t)

		rec := do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=3", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decode(t, rec)
		assert.Equal(t, "Ticket validation failed", resp["message"])
		errs, ok := resp["errors"].([]any)
		require.True(t, ok)
		require.NotEmpty(t, errs)
		first := errs[0].(map[string]any)
		assert.Equal(t, ticket.FieldTitle, first["field"])
		assert.Equal(t, string(validation.CodeEmptyRequiredField), first["code"])
	})

	t.Run("invalid json", func(t *testing.T) {
		server := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/process-ticket", strings.NewReader("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleTickets(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/tickets?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TicketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Tickets, 2)

	rec = do(t, server, http.MethodGet, "/api/tickets?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "between 1 and 100")

	rec = do(t, server, http.MethodGet, "/api/ticket/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Printer offline", decode(t, rec)["ticket"].(map[string]any)["title"])

	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/ticket/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/api/ticket/zero", nil).Code)
}

func TestHistoryEndpoints(t *testing.T) {
	server := setupTestServer(t)
	for _, n := range []int{1, 2} {
		require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, fmt.Sprintf("/api/process-ticket?ticket_number=%d", n), nil).Code)
	}

	rec := do(t, server, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 2)

	rec = do(t, server, http.MethodGet, "/api/history/search?q=printer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["results"], 1)

	assert.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/api/history/search", nil).Code)

	rec = do(t, server, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["statistics"].(map[string]any)
	assert.Equal(t, float64(2), stats["total_tickets"])

	rec = do(t, server, http.MethodGet, "/api/history/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	assert.Len(t, exported, 2)

	rec = do(t, server, http.MethodPost, "/api/history/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "History cleared", decode(t, rec)["message"])
	assert.Empty(t, decode(t, do(t, server, http.MethodGet, "/api/history", nil))["history"])
}

func TestValidationEndpoints(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)

	rec := do(t, server, http.MethodGet, "/api/validation/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ValidationStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []int{1}, resp.ProcessedTickets)
	assert.Equal(t, 200, resp.ValidationConfig.MaxTitleLength)
	assert.Contains(t, resp.ValidationConfig.RequiredFields, ticket.FieldTitle)

	rec = do(t, server, http.MethodPost, "/api/validation/clear-processed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Processed tickets list cleared", decode(t, rec)["message"])

	assert.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)
}

func TestAgentEndpoints(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)

	rec := do(t, server, http.MethodGet, "/api/agents/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "agent_status")

	rec = do(t, server, http.MethodGet, "/api/agents/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode(t, rec)["health_status"].(map[string]any)
	assert.Equal(t, true, health["overall_health"])

	rec = do(t, server, http.MethodGet, "/api/agents/optimize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "optimizations")
}

func TestKnowledgeEndpoints(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)

	rec := do(t, server, http.MethodGet, "/api/knowledge/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["knowledge_stats"].(map[string]any)
	assert.Positive(t, stats["total_patterns"])

	rec = do(t, server, http.MethodPost, "/api/knowledge/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Contains(t, resp["message"], "Knowledge exported to")
	assert.Contains(t, resp["path"], "knowledge_export_")

	rec = do(t, server, http.MethodPost, "/api/knowledge/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Knowledge base cleaned up (kept 30 days)", decode(t, rec)["message"])
}

func TestHandleFeedback(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/feedback", FeedbackRequest{TicketNumber: 1, Success: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, "/api/process-ticket?ticket_number=1", nil).Code)
	rate := 0.9
	rec = do(t, server, http.MethodPost, "/api/feedback", FeedbackRequest{TicketNumber: 1, Success: true, SuccessRate: &rate})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Feedback recorded", decode(t, rec)["message"])

	rec = do(t, server, http.MethodPost, "/api/feedback", map[string]any{"success": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRateLimit(t *testing.T) {
	server, err := NewServer(newTestService(t), zap.NewNop(), &Config{
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/api/statistics", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/api/statistics", nil).Code)
	rec := do(t, server, http.MethodGet, "/api/statistics", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestIPLimiter_ResetsAfterInterval(t *testing.T) {
	l := newIPLimiter(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.get("10.0.0.1").Allow())
	assert.False(t, l.get("10.0.0.1").Allow())
	assert.True(t, l.get("10.0.0.2").Allow())

	now = now.Add(limiterResetInterval + time.Second)
	assert.True(t, l.get("10.0.0.1").Allow())
}

func TestRequestIDReachesContext(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
	req.Header.Set(echo.HeaderXRequestID, "client-req-1")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assert.Equal(t, "client-req-1", rec.Header().Get(echo.HeaderXRequestID))
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"request", &triage.RequestError{FieldError: &validation.Error{Message: "bad"}}, http.StatusBadRequest},
		{"validation", &triage.ValidationError{Number: 1}, http.StatusUnprocessableEntity},
		{"not found", fmt.Errorf("wrapped: %w", triage.ErrNotFound), http.StatusNotFound},
		{"no result", triage.ErrNoResult, http.StatusNotFound},
		{"duplicate", triage.ErrDuplicate, http.StatusConflict},
		{"no knowledge", triage.ErrNoKnowledge, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"echo", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, toHTTPError(tt.err).Code)
		})
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	server, err := NewServer(newTestService(t), zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-done)
}
