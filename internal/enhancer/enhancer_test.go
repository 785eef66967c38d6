package enhancer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/learning"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEnhancer(t *testing.T, opts ...Option) (*Enhancer, *learning.Agent) {
	t.Helper()
	l := learning.New(learning.DefaultID, zap.NewNop())
	e, err := New(DefaultID, l, zap.NewNop(), opts...)
	require.NoError(t, err)
	return e, l
}

func TestNew_RequiresLearner(t *testing.T) {
	_, err := New("", nil, nil)
	assert.Error(t, err)
}

func TestProcess_CriticalTicket(t *testing.T) {
	e, _ := newTestEnhancer(t)
	in := &agent.Input{
		Ticket:   ticket.Ticket{Number: 7, Priority: "critical"},
		Response: agent.Payload{"message": "We are looking into it."},
	}

	out, err := e.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, out.Response[KeyEscalationRequired])
	assert.Equal(t, "critical", out.Response[KeyUrgency])
	assert.Equal(t, []string{"sms", "email", "slack"}, out.Response[KeyNotificationChannels])
	assert.Equal(t, []string{"ticket_priority", "sla_compliance", "user_experience", "technical_accuracy"},
		out.EnhancementsApplied)
	assert.Equal(t, DefaultID, out.ProcessorAgent)

	ux := out.Response[KeyUserExperience].(map[string]any)
	assert.Equal(t, "2-4 hours", ux["estimated_resolution_time"])
	assert.Contains(t, ux["next_steps"], "Await escalation confirmation")

	// input draft is not modified
	assert.NotContains(t, in.Response, KeyUrgency)
}

func TestProcess_P1MapsToCritical(t *testing.T) {
	e, _ := newTestEnhancer(t)

	out, err := e.Process(context.Background(), &agent.Input{Ticket: ticket.Ticket{Priority: "P1"}})
	require.NoError(t, err)
	assert.Len(t, out.Response[KeyNotificationChannels], 3)
}

func TestProcess_HighTicketWithSLARisk(t *testing.T) {
	e, _ := newTestEnhancer(t)
	in := &agent.Input{Ticket: ticket.Ticket{
		Priority:  "P2",
		SLAStatus: &ticket.SLAStatus{Status: "within_sla", BreachRisk: "high", TimeRemaining: 0.3},
	}}

	out, err := e.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "immediate", out.Response[KeyUrgency])
	assert.Equal(t, "expedited", out.Response[KeyPriorityHandling])
	assert.NotContains(t, out.Response, KeyNotificationChannels)

	sla := out.Response[KeySLACompliance].(map[string]any)
	assert.Equal(t, "high", sla["breach_risk"])
	assert.Len(t, sla["recommended_actions"], 3)

	ux := out.Response[KeyUserExperience].(map[string]any)
	assert.Contains(t, ux["next_steps"], "Monitor SLA status closely")
}

func TestProcess_OverdueTicket(t *testing.T) {
	e, _ := newTestEnhancer(t)
	in := &agent.Input{Ticket: ticket.Ticket{
		Priority:  "P3",
		SLAStatus: &ticket.SLAStatus{Status: "within_sla", BreachRisk: "low", TimeRemaining: -1.5},
	}}

	out, err := e.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, out.EnhancementsApplied, "sla_compliance")

	sla := out.Response[KeySLACompliance].(map[string]any)
	assert.Equal(t, "breached", sla["status"])
	assert.Equal(t, "high", sla["breach_risk"])
	assert.Equal(t, 0.0, sla["time_remaining"])
	assert.Len(t, sla["recommended_actions"], 3)
}

func TestProcess_QualityScoreBounds(t *testing.T) {
	e, _ := newTestEnhancer(t)
	inputs := []*agent.Input{
		{Ticket: ticket.Ticket{}},
		{Ticket: ticket.Ticket{Priority: "P4"}, Response: agent.Payload{"message": ""}},
		{Ticket: ticket.Ticket{Priority: "P1", SLAStatus: &ticket.SLAStatus{BreachRisk: "medium"}},
			Response: agent.Payload{
				"message":  "Please restart the service. The team should review the logs before the next deploy window.",
				"priority": "P1", "status": "open", "assignee": "bob",
			}},
		{Ticket: ticket.Ticket{Priority: "P3"}, Response: agent.Payload{"message": strings.Repeat("word ", 200)}},
	}
	for _, in := range inputs {
		out, err := e.Process(context.Background(), in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, out.QualityScore, 0.0)
		assert.LessOrEqual(t, out.QualityScore, 1.0)
	}
}

func TestQualityScore_Components(t *testing.T) {
	// nothing present: clarity 0, completeness 0, three indicators at 0.5
	assert.InDelta(t, 1.5/5, QualityScore(agent.Payload{}), 1e-9)

	full := agent.Payload{
		"message":              "This message has exactly twelve words in it so clarity scores high",
		"priority":             "P1",
		"status":               "open",
		"assignee":             "bob",
		KeyPriorityHandling:    "expedited",
		KeySLACompliance:       map[string]any{"status": "within_sla"},
		KeyUserExperience:      map[string]any{"clarity_score": 0.9},
		KeyTechnicalValidation: map[string]any{},
	}
	assert.InDelta(t, (0.9+1+1+1+1)/5, QualityScore(full), 1e-9)
}

func TestClarityScore(t *testing.T) {
	assert.Equal(t, 0.0, clarityScore(agent.Payload{}))
	assert.Equal(t, 0.5, clarityScore(agent.Payload{"message": "Short."}))
	assert.Equal(t, 0.7, clarityScore(agent.Payload{"message": "one two three four five six"}))
	assert.Equal(t, 0.9, clarityScore(agent.Payload{"message": "one two three four five six seven eight nine ten eleven"}))
}

func TestActionableItems(t *testing.T) {
	resp := agent.Payload{
		"message": "Please clear your cache. The outage is over. You must log in again. " +
			"We need to rotate keys. Teams should review. Action required today. Require approval.",
	}
	items := actionableItems(resp)
	assert.Equal(t, []string{
		"Please clear your cache",
		"You must log in again",
		"We need to rotate keys",
		"Teams should review",
		"Action required today",
	}, items)
}

type failingRule struct{}

func (failingRule) Name() string { return "always_fails" }

func (failingRule) Apply(resp agent.Payload, _ ticket.Ticket, _ *agent.Output) (agent.Payload, error) {
	resp["should_not_leak"] = true
	return nil, errors.New("rule exploded")
}

func TestProcess_FailingRuleIsSkipped(t *testing.T) {
	e, _ := newTestEnhancer(t, WithRules(PriorityRule{}, failingRule{}, TechnicalRule{}))

	out, err := e.Process(context.Background(), &agent.Input{Ticket: ticket.Ticket{Priority: "high"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ticket_priority", "technical_accuracy"}, out.EnhancementsApplied)
	assert.NotContains(t, out.Response, "should_not_leak")
	assert.Contains(t, out.Response, KeyTechnicalValidation)
	assert.Equal(t, "immediate", out.Response[KeyUrgency])
}

func TestProcess_SelfLearningIsNeutral(t *testing.T) {
	e, l := newTestEnhancer(t)
	in := &agent.Input{Ticket: ticket.Ticket{Priority: "P3", Type: "bug"}}

	_, err := e.Process(context.Background(), in)
	require.NoError(t, err)

	entries := l.Entries(ticket.PatternKey(in.Ticket))
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.5, entries[0].SuccessRate, 1e-9)
	assert.Empty(t, l.Stats().AccuracyHistory)
}

func TestProcess_SelfLearningDisabled(t *testing.T) {
	e, l := newTestEnhancer(t, WithSelfLearning(false))
	in := &agent.Input{Ticket: ticket.Ticket{Priority: "P3"}}

	_, err := e.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, l.Entries(ticket.PatternKey(in.Ticket)))
}

func TestLearn_ForwardsFeedbackAndTracksQuality(t *testing.T) {
	e, l := newTestEnhancer(t, WithSelfLearning(false))
	ctx := context.Background()
	in := &agent.Input{Ticket: ticket.Ticket{Priority: "P2", Type: "incident"}}

	out, err := e.Process(ctx, in)
	require.NoError(t, err)
	require.NoError(t, e.Learn(ctx, in, out, &agent.Feedback{Success: true, SuccessRate: agent.Float(0.9)}))

	entries := l.Entries(ticket.PatternKey(in.Ticket))
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.9, entries[0].SuccessRate, 1e-9)

	st := e.Stats()
	assert.Equal(t, 1, st.TotalResponsesProcessed)
	assert.InDelta(t, out.QualityScore, st.AverageQualityScore, 1e-9)
	assert.Equal(t, []float64{out.QualityScore}, st.QualityScoreTrend)
	assert.Len(t, st.EnhancementStrategies, 4)
	require.NotNil(t, st.LearningAgentStatus)
	assert.Equal(t, learning.DefaultID, st.LearningAgentStatus.AgentID)
}

func TestLearn_QualityHistoryCapped(t *testing.T) {
	e, _ := newTestEnhancer(t, WithSelfLearning(false))
	ctx := context.Background()
	in := &agent.Input{Ticket: ticket.Ticket{Priority: "P4"}}
	out := &agent.Output{Response: agent.Payload{"message": "ok"}, QualityScore: 0.4}

	for i := 0; i < 120; i++ {
		require.NoError(t, e.Learn(ctx, in, out, nil))
	}
	e.mu.Lock()
	n := len(e.quality)
	e.mu.Unlock()
	assert.Equal(t, 100, n)
	assert.Len(t, e.Stats().QualityScoreTrend, 10)
}

func TestHealthCheck_ChecksLearner(t *testing.T) {
	e, l := newTestEnhancer(t)
	require.NoError(t, e.HealthCheck(context.Background()))

	l.Deactivate()
	assert.ErrorIs(t, e.HealthCheck(context.Background()), agent.ErrInactive)
}
