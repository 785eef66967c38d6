package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/enhancer"
	"github.com/fyrsmithlabs/triage/internal/events"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/learning"
	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/source"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	tickets map[int]ticket.Ticket
	err     error
}

func (f *fakeSource) Get(_ context.Context, n int) (ticket.Ticket, error) {
	if f.err != nil {
		return ticket.Ticket{}, f.err
	}
	tk, ok := f.tickets[n]
	if !ok {
		return ticket.Ticket{}, fmt.Errorf("%w: #%d", source.ErrNotFound, n)
	}
	return tk, nil
}

func (f *fakeSource) List(_ context.Context, limit int) ([]ticket.Ticket, error) {
	var out []ticket.Ticket
	for _, tk := range f.tickets {
		if len(out) == limit {
			break
		}
		out = append(out, tk)
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TicketProcessed
}

func (p *recordingPublisher) PublishTicketProcessed(_ context.Context, ev events.TicketProcessed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	breaches []sla.Breach
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, b sla.Breach) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.breaches = append(n.breaches, b)
	return nil
}

type fixture struct {
	svc       *Service
	source    *fakeSource
	publisher *recordingPublisher
	notifier  *recordingNotifier
	validator *validation.Validator
	store     *knowledge.Store
	exportDir string
}

func newTicket(n int, priority string, age time.Duration) ticket.Ticket {
	return ticket.Ticket{
		Number:        n,
		Title:         "Login page returns 500",
		Description:   "Users cannot log in since the last deploy.",
		Priority:      priority,
		Owner:         "alice",
		CreatedTime:   time.Now().Add(-age).UTC().Format(time.RFC3339),
		State:         "open",
		Labels:        []string{"bug"},
		CommentsCount: 2,
	}
}

func newFixture(t *testing.T, tickets ...ticket.Ticket) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := knowledge.Open(ctx, filepath.Join(t.TempDir(), "knowledge.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stage := learning.New(learning.DefaultID, zap.NewNop())
	inner := learning.New("response_learning_agent_001", zap.NewNop())
	proc, err := enhancer.New(enhancer.DefaultID, inner, zap.NewNop())
	require.NoError(t, err)
	orch, err := orchestrator.New(store, zap.NewNop(), orchestrator.WithStages(
		orchestrator.Stage{Agent: stage, Enabled: true},
		orchestrator.Stage{Agent: proc, Enabled: true},
	))
	require.NoError(t, err)

	src := &fakeSource{tickets: map[int]ticket.Ticket{}}
	for _, tk := range tickets {
		src.tickets[tk.Number] = tk
	}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	v := validation.New(zap.NewNop())
	exportDir := t.TempDir()

	svc, err := New(Options{
		Source:       src,
		Validator:    v,
		Orchestrator: orch,
		SLA:          sla.New(zap.NewNop(), sla.WithNotifiers(notifier)),
		Summarizer:   llm.NewSummarizer(nil, nil, nil),
		Responder:    llm.NewResponder(nil, nil, nil),
		History:      session.New(zap.NewNop()),
		Knowledge:    store,
		Publisher:    publisher,
		ExportDir:    exportDir,
		CleanupDays:  7,
	})
	require.NoError(t, err)

	return &fixture{
		svc:       svc,
		source:    src,
		publisher: publisher,
		notifier:  notifier,
		validator: v,
		store:     store,
		exportDir: exportDir,
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source is required")
	assert.Contains(t, err.Error(), "orchestrator is required")
}

func TestProcessTicket_FallbackDraft(t *testing.T) {
	f := newFixture(t, newTicket(101, "P1", time.Hour))
	ctx := context.Background()

	out, err := f.svc.ProcessTicket(ctx, "101")
	require.NoError(t, err)

	assert.Equal(t, 101, out.Ticket.Number)
	assert.NotEmpty(t, out.RunID)
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, llm.FallbackSummary(out.Ticket).Summary, out.Summary.Summary)
	assert.NotEmpty(t, out.Response)
	require.NotNil(t, out.EnhancedResponse)
	assert.Equal(t, out.Response, out.EnhancedResponse.Response["message"])
	assert.Equal(t, true, out.EnhancedResponse.Response["fallback_used"])
	assert.Len(t, out.Pipeline, 2)

	require.NotNil(t, out.SLAStatus)
	assert.False(t, out.SLABreached)
	require.NotNil(t, out.Ticket.SLAStatus)
	assert.Equal(t, out.SLAStatus.Status, out.Ticket.SLAStatus.Status)

	entry, ok := f.svc.history.Get(101)
	require.True(t, ok)
	assert.Equal(t, out.Response, entry.Response)
	assert.Equal(t, out.RunID, entry.RunID)

	assert.True(t, f.validator.IsProcessed(101))
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, 101, f.publisher.events[0].TicketNumber)
	assert.Equal(t, "P1", f.publisher.events[0].Priority)
	assert.Equal(t, out.RunID, f.publisher.events[0].RunID)
}

func TestProcessTicket_Errors(t *testing.T) {
	bad := newTicket(202, "P2", time.Hour)
	bad.Title = ""
	f := newFixture(t, newTicket(101, "P3", time.Hour), bad)
	ctx := context.Background()

	_, err := f.svc.ProcessTicket(ctx, "abc")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, validation.CodeInvalidTicketNumber, reqErr.Code)

	_, err = f.svc.ProcessTicket(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ProcessTicket(ctx, 202)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Errs.Fields(), ticket.FieldTitle)
	assert.Equal(t, "Ticket validation failed", valErr.Detail()["message"])
	assert.False(t, f.validator.IsProcessed(202))

	_, err = f.svc.ProcessTicket(ctx, 101)
	require.NoError(t, err)
	_, err = f.svc.ProcessTicket(ctx, 101)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, f.publisher.events, 1)
}

func TestProcessTicket_SourceFailure(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("github unavailable")

	_, err := f.svc.ProcessTicket(context.Background(), 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "github unavailable")
}

func TestProcessTicket_SLABreachAlerts(t *testing.T) {
	f := newFixture(t, newTicket(7, "P1", 10*time.Hour))

	out, err := f.svc.ProcessTicket(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, out.SLABreached)
	assert.Equal(t, sla.StatusBreached, out.SLAStatus.Status)
	require.Len(t, f.notifier.breaches, 1)
	assert.Equal(t, 7, f.notifier.breaches[0].TicketNumber)
	assert.Equal(t, sla.StatusBreached, f.publisher.events[0].SLAStatus)

	stats := f.svc.Statistics()
	assert.Equal(t, 1, stats.TotalTickets)
	assert.Equal(t, 1, stats.BreachedSLA)
}

func TestProcessTicket_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, newTicket(55, "P3", time.Hour))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessTicket(context.Background(), 55)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicate):
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dup)
}

func TestFeedback_PromotesLearnedResponse(t *testing.T) {
	f := newFixture(t, newTicket(101, "P2", time.Hour))
	ctx := context.Background()

	first, err := f.svc.ProcessTicket(ctx, 101)
	require.NoError(t, err)
	require.True(t, first.FallbackUsed)

	err = f.svc.Feedback(ctx, 101, agent.Feedback{Success: true, SuccessRate: agent.Float(1.0)})
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.ClearProcessed())
	second, err := f.svc.ProcessTicket(ctx, 101)
	require.NoError(t, err)
	assert.False(t, second.FallbackUsed)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.Summary.Summary, second.Summary.Summary)
	assert.Equal(t, first.Summary.NextSteps, second.Summary.NextSteps)

	entry, ok := f.svc.history.Get(101)
	require.True(t, ok)
	assert.True(t, entry.Updated)
}

func TestFeedback_UnknownTicket(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Feedback(context.Background(), 3, agent.Feedback{Success: true})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestTicketsAndTicket(t *testing.T) {
	f := newFixture(t, newTicket(1, "P3", time.Hour), newTicket(2, "P3", time.Hour))
	ctx := context.Background()

	list, err := f.svc.Tickets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.Tickets(ctx, 0)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, validation.CodeInvalidLimit, reqErr.Code)

	tk, err := f.svc.Ticket(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, 2, tk.Number)

	_, err = f.svc.Ticket(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryOperations(t *testing.T) {
	f := newFixture(t, newTicket(1, "P3", time.Hour), newTicket(2, "P3", time.Hour))
	ctx := context.Background()
	for _, n := range []int{1, 2} {
		_, err := f.svc.ProcessTicket(ctx, n)
		require.NoError(t, err)
	}

	assert.Len(t, f.svc.History(), 2)
	assert.Len(t, f.svc.SearchHistory("login"), 2)
	assert.Empty(t, f.svc.SearchHistory("printer"))

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportHistory(&buf))
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exported))
	assert.Len(t, exported, 2)

	assert.Equal(t, 2, f.svc.ClearHistory())
	assert.Empty(t, f.svc.History())
	assert.ErrorIs(t, f.svc.Feedback(ctx, 1, agent.Feedback{Success: true}), ErrNoResult)
}

func TestValidationStatus(t *testing.T) {
	f := newFixture(t, newTicket(9, "P4", time.Hour))
	_, err := f.svc.ProcessTicket(context.Background(), 9)
	require.NoError(t, err)

	st := f.svc.ValidationStatus()
	assert.Equal(t, []int{9}, st.ProcessedTickets)
	assert.Equal(t, validation.DefaultLimits().MaxTitleLength, st.Config.MaxTitleLength)
	assert.Equal(t, validation.RequiredFields, st.Config.RequiredFields)

	assert.Equal(t, 1, f.svc.ClearProcessed())
	assert.Empty(t, f.svc.ValidationStatus().ProcessedTickets)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h := f.svc.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, Version, h.Version)
	assert.True(t, h.Components["knowledge_base"])
	assert.True(t, h.Components["ticket_agent"])
	assert.False(t, h.Components["llm_provider"])

	require.NoError(t, f.store.Close())
	assert.Equal(t, "degraded", f.svc.Health(context.Background()).Status)
}

func TestAgentOperations(t *testing.T) {
	f := newFixture(t, newTicket(1, "P3", time.Hour))
	ctx := context.Background()
	_, err := f.svc.ProcessTicket(ctx, 1)
	require.NoError(t, err)

	health := f.svc.AgentHealth(ctx)
	assert.True(t, health.Overall)
	assert.Len(t, health.Agents, 2)

	status := f.svc.AgentStatus(ctx)
	assert.NotEmpty(t, status)
	_ = f.svc.Optimize()
}

func TestKnowledgeOperations(t *testing.T) {
	f := newFixture(t, newTicket(1, "P3", time.Hour))
	ctx := context.Background()
	_, err := f.svc.ProcessTicket(ctx, 1)
	require.NoError(t, err)

	stats, err := f.svc.KnowledgeStats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.TotalPatterns)

	f.svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	path, err := f.svc.ExportKnowledge(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.exportDir, "knowledge_export_1700000000.json"), path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, days, err := f.svc.CleanupKnowledge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, days)
}

func TestKnowledgeOperations_NotConfigured(t *testing.T) {
	f := newFixture(t)
	f.svc.knowledge = nil
	ctx := context.Background()

	_, err := f.svc.KnowledgeStats(ctx)
	assert.ErrorIs(t, err, ErrNoKnowledge)
	_, err = f.svc.ExportKnowledge(ctx)
	assert.ErrorIs(t, err, ErrNoKnowledge)
	_, _, err = f.svc.CleanupKnowledge(ctx)
	assert.ErrorIs(t, err, ErrNoKnowledge)
}

func TestSummaryFrom(t *testing.T) {
	sum := summaryFrom(agent.Payload{
		"summary":    "Login outage",
		"root_cause": "Bad deploy",
		"next_steps": []any{"Roll back", 3, "Notify users"},
	})
	assert.Equal(t, "Login outage", sum.Summary)
	assert.Equal(t, "Bad deploy", sum.RootCause)
	assert.Equal(t, llm.StringList{"Roll back", "Notify users"}, sum.NextSteps)
}
