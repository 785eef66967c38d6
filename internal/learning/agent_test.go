package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testInput() *agent.Input {
	return &agent.Input{Ticket: ticket.Ticket{
		Number:   101,
		Title:    "Login broken",
		Priority: "P1",
		Type:     "bug",
		Labels:   []string{"urgent", "auth"},
	}}
}

func TestProcess_NoPattern(t *testing.T) {
	a := New("", zap.NewNop())
	assert.Equal(t, DefaultID, a.ID())
	assert.Equal(t, agent.TypeLearning, a.Type())

	out, err := a.Process(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Confidence)
	assert.Equal(t, 0, out.PatternsUsed)
	assert.Equal(t, "No learned pattern available", out.Response["message"])
	assert.Equal(t, "bug:P1:auth,urgent", out.Response["pattern"])
	assert.Equal(t, 1, a.Metrics().SuccessfulResponses)
}

func TestLearnThenProcess_RoundTrip(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	resp := &agent.Output{Response: agent.Payload{"message": "We are on it"}}

	require.NoError(t, a.Learn(ctx, testInput(), resp, &agent.Feedback{Success: true}))

	out, err := a.Process(ctx, testInput())
	require.NoError(t, err)
	assert.Greater(t, out.Confidence, 0.0)
	assert.Equal(t, 1, out.PatternsUsed)
	// 0.5 is below the threshold, so the placeholder is returned.
	assert.Equal(t, "No learned pattern available", out.Response["message"])
}

func TestProcess_ReturnsBestAboveThreshold(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	in := testInput()

	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: agent.Payload{"message": "good"}},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.8)}))
	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: agent.Payload{"message": "better"}},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.95)}))
	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: agent.Payload{"message": "also best"}},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.95)}))
	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: agent.Payload{"message": "bad"}},
		&agent.Feedback{Success: false, SuccessRate: agent.Float(0.1)}))

	out, err := a.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "better", out.Response["message"])
	assert.Equal(t, 4, out.PatternsUsed)
	assert.InDelta(t, (0.8+0.95+0.95+0.1)/4, out.Confidence, 1e-9)
}

func TestLearn_MergesIdenticalResponses(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	in := testInput()
	resp := agent.Payload{"message": "same", "steps": []any{"a", "b"}}

	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: resp},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.4)}))
	require.NoError(t, a.Learn(ctx, in, &agent.Output{Response: resp.Clone()},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.8)}))

	entries := a.Entries(ticket.PatternKey(in.Ticket))
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].UsageCount)
	assert.InDelta(t, 0.6, entries[0].SuccessRate, 1e-9)
	assert.Equal(t, 2, entries[0].FeedbackCount)
}

func TestLearn_ImplicitFeedbackIsNeutral(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	in := testInput()
	resp := &agent.Output{Response: agent.Payload{"message": "auto"}}

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Learn(ctx, in, resp, &agent.Feedback{Success: true, Implicit: true}))
	}

	entries := a.Entries(ticket.PatternKey(in.Ticket))
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.5, entries[0].SuccessRate, 1e-9)
	assert.Equal(t, 0, entries[0].FeedbackCount)
	assert.Empty(t, a.Stats().AccuracyHistory)
}

func TestLearn_RejectsMissingResponse(t *testing.T) {
	a := New(DefaultID, zap.NewNop())

	err := a.Learn(context.Background(), testInput(), nil, nil)
	assert.True(t, errors.Is(err, agent.ErrLearnFailed))
}

func TestLearn_PrunesOldEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(DefaultID, zap.NewNop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old := testInput()
	old.Ticket.Type = "question"
	require.NoError(t, a.Learn(ctx, old, &agent.Output{Response: agent.Payload{"m": 1}}, nil))

	now = now.Add(31 * 24 * time.Hour)
	require.NoError(t, a.Learn(ctx, testInput(), &agent.Output{Response: agent.Payload{"m": 2}}, nil))

	st := a.Stats()
	assert.Equal(t, 1, st.UniquePatternTypes)
	assert.Equal(t, 1, st.LearningHistorySize)
	assert.Empty(t, a.Entries(ticket.PatternKey(old.Ticket)))
}

func TestStats_ImprovementRate(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	in := testInput()
	resp := &agent.Output{Response: agent.Payload{"message": "x"}}

	require.NoError(t, a.Learn(ctx, in, resp, &agent.Feedback{Success: false}))
	assert.Equal(t, 0.0, a.Stats().ImprovementRate)

	require.NoError(t, a.Learn(ctx, in, resp, &agent.Feedback{Success: true, SuccessRate: agent.Float(0.9)}))

	st := a.Stats()
	assert.InDelta(t, 0.9, st.ImprovementRate, 1e-9)
	assert.Equal(t, []float64{0, 0.9}, st.AccuracyHistory)
	assert.Equal(t, 1, st.TotalPatternsLearned)
	require.Len(t, st.MostCommonPatterns, 1)
	assert.Equal(t, 2, st.MostCommonPatterns[0].Usage)
	assert.Greater(t, st.LearningEfficiency, 0.0)
}

func TestLearn_ConcurrentSameKey(t *testing.T) {
	a := New(DefaultID, zap.NewNop())
	ctx := context.Background()
	resp := agent.Payload{"message": "shared"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Learn(ctx, testInput(), &agent.Output{Response: resp}, nil)
		}()
	}
	wg.Wait()

	entries := a.Entries(ticket.PatternKey(testInput().Ticket))
	require.Len(t, entries, 1)
	assert.Equal(t, 50, entries[0].UsageCount)
}

func TestExportImportKnowledge(t *testing.T) {
	src := New("learning_agent_src", zap.NewNop())
	ctx := context.Background()
	in := testInput()
	require.NoError(t, src.Learn(ctx, in, &agent.Output{Response: agent.Payload{"message": "known fix"}},
		&agent.Feedback{Success: true, SuccessRate: agent.Float(0.9)}))

	k := src.ExportKnowledge()
	assert.Equal(t, "learning_agent_src", k.AgentID)
	require.Contains(t, k.ResponsePatterns, ticket.PatternKey(in.Ticket))

	dst := New(DefaultID, zap.NewNop())
	dst.ImportKnowledge(k)

	out, err := dst.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "known fix", out.Response["message"])
	assert.Equal(t, 1, dst.Stats().LearningHistorySize)
}
