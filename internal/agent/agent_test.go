package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBase_Track(t *testing.T) {
	b := NewBase("a1", TypeLearning, zap.NewNop())

	b.Track(time.Now().Add(-100*time.Millisecond), nil)
	b.Track(time.Now(), errors.New("boom"))

	m := b.Metrics()
	assert.Equal(t, 2, m.RequestsProcessed)
	assert.Equal(t, 1, m.SuccessfulResponses)
	assert.Equal(t, 1, m.FailedResponses)
	assert.GreaterOrEqual(t, m.TotalResponseTime, 0.1)
	assert.InDelta(t, m.TotalResponseTime/2, m.AverageResponseTime, 1e-9)

	b.ResetMetrics()
	assert.Equal(t, Metrics{}, b.Metrics())
}

func TestBase_HealthCheck(t *testing.T) {
	b := NewBase("a1", TypeProcessor, nil)
	require.NoError(t, b.HealthCheck(context.Background()))

	b.Deactivate()
	assert.False(t, b.IsActive())
	err := b.HealthCheck(context.Background())
	assert.ErrorIs(t, err, ErrInactive)

	b.Activate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.HealthCheck(ctx), context.Canceled)
}

func TestBase_Status(t *testing.T) {
	b := NewBase("a1", TypeOrchestrator, nil)
	st := b.Status()

	assert.Equal(t, "a1", st.AgentID)
	assert.Equal(t, TypeOrchestrator, st.AgentType)
	assert.True(t, st.IsActive)
	assert.GreaterOrEqual(t, st.UptimeSeconds, 0.0)
	assert.Equal(t, "ticket_orchestrator(a1)", b.String())
}

func TestPayload_CloneIsDeep(t *testing.T) {
	p := Payload{
		"nested": map[string]any{"k": "v"},
		"list":   []any{"a", map[string]any{"x": 1}},
		"labels": []string{"bug"},
	}
	c := p.Clone()

	c["nested"].(map[string]any)["k"] = "changed"
	c["list"].([]any)[1].(map[string]any)["x"] = 2
	c["labels"].([]string)[0] = "feature"

	assert.Equal(t, "v", p["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, p["list"].([]any)[1].(map[string]any)["x"])
	assert.Equal(t, "bug", p["labels"].([]string)[0])
	assert.Nil(t, Payload(nil).Clone())
}

func TestFeedback_Map(t *testing.T) {
	fb := &Feedback{Success: true, UserSatisfaction: Float(0.8), Implicit: true}
	assert.Equal(t, map[string]any{"success": true, "user_satisfaction": 0.8, "implicit": true}, fb.Map())

	var nilFB *Feedback
	assert.Nil(t, nilFB.Map())
}
