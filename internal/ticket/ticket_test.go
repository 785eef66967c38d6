package ticket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternKey(t *testing.T) {
	tests := []struct {
		name   string
		ticket Ticket
		want   string
	}{
		{
			name:   "defaults type to unknown",
			ticket: Ticket{Priority: "P1", Labels: []string{"urgent"}},
			want:   "unknown:P1:urgent",
		},
		{
			name:   "sorts and deduplicates labels",
			ticket: Ticket{Type: "bug", Priority: "P2", Labels: []string{"ui", "auth", "ui"}},
			want:   "bug:P2:auth,ui",
		},
		{
			name:   "no labels",
			ticket: Ticket{Type: "bug", Priority: "P3"},
			want:   "bug:P3:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PatternKey(tt.ticket))
		})
	}
}

func TestPatternKey_EqualForEquivalentTickets(t *testing.T) {
	a := Ticket{Number: 1, Type: "bug", Priority: "P1", Labels: []string{"b", "a"}}
	b := Ticket{Number: 2, Type: "bug", Priority: "P1", Labels: []string{"a", "b", "a"}}
	assert.Equal(t, PatternKey(a), PatternKey(b))
}

func TestOrchestratorKey(t *testing.T) {
	tk := Ticket{Priority: "P1", Labels: []string{"urgent"}}
	assert.Equal(t, "unknown:P1:general:urgent", OrchestratorKey(tk))

	tk.Category = "auth"
	tk.Type = "incident"
	assert.Equal(t, "incident:P1:auth:urgent", OrchestratorKey(tk))
}

func TestPriorityFromLabels(t *testing.T) {
	tests := []struct {
		labels []string
		want   Priority
	}{
		{[]string{"Critical"}, PriorityP1},
		{[]string{"bug", "urgent"}, PriorityP1},
		{[]string{"high-priority"}, PriorityP1},
		{[]string{"important"}, PriorityP2},
		{[]string{"minor"}, PriorityP4},
		{[]string{"docs"}, PriorityP3},
		{nil, PriorityP3},
		{[]string{"low", "critical"}, PriorityP1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityFromLabels(tt.labels), "labels %v", tt.labels)
	}
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityOf("P1"))
	assert.Equal(t, SeverityHigh, SeverityOf("P2"))
	assert.Equal(t, SeverityMedium, SeverityOf("P3"))
	assert.Equal(t, SeverityLow, SeverityOf("P4"))
	assert.Equal(t, SeverityCritical, SeverityOf("critical"))
	assert.Equal(t, SeverityHigh, SeverityOf("high"))
	assert.Equal(t, SeverityMedium, SeverityOf(""))
	assert.Equal(t, Severity("weird"), SeverityOf("weird"))
}

func TestFromRecord(t *testing.T) {
	rec := Record{
		FieldNumber:        101,
		FieldTitle:         "Login broken",
		FieldDescription:   "Users cannot log in",
		FieldPriority:      "P1",
		FieldState:         "open",
		FieldCreatedTime:   "2025-01-01T10:00:00Z",
		FieldLabels:        []any{"urgent", "auth"},
		FieldCommentsCount: "3",
	}

	tk := FromRecord(rec)
	assert.Equal(t, 101, tk.Number)
	assert.Equal(t, "Login broken", tk.Title)
	assert.Equal(t, []string{"urgent", "auth"}, tk.Labels)
	assert.Equal(t, 3, tk.CommentsCount)

	back := tk.Record()
	assert.Equal(t, 101, back[FieldNumber])
	assert.Equal(t, []string{"urgent", "auth"}, back[FieldLabels])
	_, hasUpdated := back[FieldUpdatedTime]
	assert.False(t, hasUpdated)
}

func TestRecord_CloneCopiesLabels(t *testing.T) {
	rec := Record{FieldLabels: []string{"a"}}
	clone := rec.Clone()
	clone[FieldLabels].([]string)[0] = "b"
	assert.Equal(t, "a", rec[FieldLabels].([]string)[0])
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2025-01-01T10:00:00Z",
		"2025-01-01T10:00:00+02:00",
		"2025-01-01T10:00:00.123456",
		"2025-01-01 10:00:00",
		"2025-01-01",
	} {
		_, err := ParseTime(s)
		require.NoError(t, err, s)
	}

	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}
