// Package agent defines the contract shared by the pipeline agents and the
// bookkeeping they have in common.
//
// Process failures propagate to the caller and count as failed requests.
// Learn is best effort: implementations log and return an error wrapping
// ErrLearnFailed, and callers decide whether that matters.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/triage/internal/ticket"
)

// Agent types.
const (
	TypeLearning     = "learning"
	TypeProcessor    = "response_processor"
	TypeOrchestrator = "ticket_orchestrator"
)

var (
	// ErrLearnFailed wraps every failure returned from Learn.
	ErrLearnFailed = errors.New("learning failed")

	// ErrInactive is returned by health checks on a deactivated agent.
	ErrInactive = errors.New("agent is inactive")
)

// Agent is one stage of the triage pipeline.
type Agent interface {
	ID() string
	Type() string
	Process(ctx context.Context, in *Input) (*Output, error)
	Learn(ctx context.Context, in *Input, out *Output, fb *Feedback) error
	IsActive() bool
	HealthCheck(ctx context.Context) error
	Status() Status
}

// Payload is a free-form response document.
type Payload map[string]any

// Clone deep-copies nested maps and slices.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]any(p)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return Payload(cloneValue(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Input is the working document passed along the pipeline. Each stage
// reads what earlier stages left and the orchestrator fills in their
// outputs.
type Input struct {
	Ticket     ticket.Ticket `json:"ticket"`
	Response   Payload       `json:"response,omitempty"`
	Insight    *Output       `json:"learning_insight,omitempty"`
	Enhanced   *Output       `json:"enhanced_response,omitempty"`
	Error      string        `json:"error,omitempty"`
	FailedStep string        `json:"failed_step,omitempty"`
}

// Output is what a stage produces. Fields a stage does not use stay zero.
type Output struct {
	Response        Payload   `json:"response"`
	Confidence      float64   `json:"confidence"`
	LearningApplied bool      `json:"learning_applied,omitempty"`
	PatternsUsed    int       `json:"patterns_used,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	QualityScore        float64  `json:"quality_score,omitempty"`
	EnhancementsApplied []string `json:"enhancements_applied,omitempty"`
	LearningConfidence  float64  `json:"learning_confidence,omitempty"`
	ProcessorAgent      string   `json:"processor_agent,omitempty"`
}

// Feedback is caller-supplied (or self-generated) learning signal.
// Unset optional fields are nil.
type Feedback struct {
	Success          bool     `json:"success"`
	SuccessRate      *float64 `json:"success_rate,omitempty"`
	Score            *float64 `json:"score,omitempty"`
	QualityScore     *float64 `json:"quality_score,omitempty"`
	UserSatisfaction *float64 `json:"user_satisfaction,omitempty"`
	ResponseTime     *float64 `json:"response_time,omitempty"`

	// Implicit marks feedback the system generated for itself rather than
	// feedback from a person.
	Implicit bool `json:"implicit,omitempty"`
}

// Map returns the feedback in the loose form persisted to the knowledge
// store.
func (f *Feedback) Map() map[string]any {
	if f == nil {
		return nil
	}
	m := map[string]any{"success": f.Success}
	put := func(k string, v *float64) {
		if v != nil {
			m[k] = *v
		}
	}
	put("success_rate", f.SuccessRate)
	put("score", f.Score)
	put("quality_score", f.QualityScore)
	put("user_satisfaction", f.UserSatisfaction)
	put("response_time", f.ResponseTime)
	if f.Implicit {
		m["implicit"] = true
	}
	return m
}

// Float returns a pointer to v for optional Feedback fields.
func Float(v float64) *float64 {
	return &v
}
