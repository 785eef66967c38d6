// Package enhancer implements the response processor: it takes a draft
// response, runs it through a fixed list of enhancement rules and scores
// the result.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"go.uber.org/zap"
)

// DefaultID is the id of the response processor in the standard pipeline.
const DefaultID = "response_processor_001"

const (
	qualityHistorySize = 100
	qualityTrendSize   = 10
	selfSatisfaction   = 0.8
	defaultSatisfied   = 0.5
)

// Learner is the learning capability the enhancer consults and trains.
type Learner interface {
	Process(ctx context.Context, in *agent.Input) (*agent.Output, error)
	Learn(ctx context.Context, in *agent.Input, out *agent.Output, fb *agent.Feedback) error
}

// QualitySample is one entry in the rolling quality history.
type QualitySample struct {
	Timestamp    time.Time       `json:"timestamp"`
	QualityScore float64         `json:"quality_score"`
	Feedback     *agent.Feedback `json:"feedback"`
}

// Enhancer is the response-processor agent.
type Enhancer struct {
	*agent.Base

	learner      Learner
	rules        []Rule
	selfLearning bool

	mu      sync.Mutex
	quality []QualitySample
}

// Option configures an Enhancer.
type Option func(*Enhancer)

// WithRules replaces the rule list.
func WithRules(rules ...Rule) Option {
	return func(e *Enhancer) { e.rules = rules }
}

// WithSelfLearning controls whether every processed response is fed back
// into the learner as implicit feedback.
func WithSelfLearning(enabled bool) Option {
	return func(e *Enhancer) { e.selfLearning = enabled }
}

// New creates an Enhancer wrapping learner.
func New(id string, learner Learner, logger *zap.Logger, opts ...Option) (*Enhancer, error) {
	if learner == nil {
		return nil, errors.New("enhancer: learner is required")
	}
	if id == "" {
		id = DefaultID
	}
	e := &Enhancer{
		Base:         agent.NewBase(id, agent.TypeProcessor, logger),
		learner:      learner,
		rules:        DefaultRules(),
		selfLearning: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process enhances the draft response in in.Response, or the learner's
// suggested response when there is no draft.
func (e *Enhancer) Process(ctx context.Context, in *agent.Input) (*agent.Output, error) {
	start := time.Now()
	out, err := e.process(ctx, in)
	e.Track(start, err)
	if err != nil {
		e.Logger().Error("response processing failed", zap.Error(err))
		return nil, err
	}

	if e.selfLearning {
		fb := &agent.Feedback{
			Success:          true,
			QualityScore:     agent.Float(out.QualityScore),
			UserSatisfaction: agent.Float(selfSatisfaction),
			ResponseTime:     agent.Float(0),
			Implicit:         true,
		}
		if err := e.learner.Learn(ctx, in, out, fb); err != nil {
			e.Logger().Warn("self-learning failed", zap.Error(err))
		}
	}
	return out, nil
}

func (e *Enhancer) process(ctx context.Context, in *agent.Input) (*agent.Output, error) {
	if in == nil {
		return nil, errors.New("enhancer: nil input")
	}
	insight, err := e.learner.Process(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("learning insight: %w", err)
	}

	base := in.Response.Clone()
	if len(base) == 0 {
		base = insight.Response.Clone()
	}
	if base == nil {
		base = agent.Payload{}
	}

	resp, applied := e.applyRules(base, in, insight)
	return &agent.Output{
		Response:            resp,
		Confidence:          insight.Confidence,
		QualityScore:        QualityScore(resp),
		EnhancementsApplied: applied,
		LearningConfidence:  insight.Confidence,
		ProcessorAgent:      e.ID(),
		Timestamp:           time.Now().UTC(),
	}, nil
}

// applyRules runs each rule on a copy of the current response. A failing
// rule is skipped and the previous response kept.
func (e *Enhancer) applyRules(resp agent.Payload, in *agent.Input, insight *agent.Output) (agent.Payload, []string) {
	applied := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		next, err := rule.Apply(resp.Clone(), in.Ticket, insight)
		if err != nil {
			e.Logger().Warn("enhancement rule failed",
				zap.String("rule", rule.Name()),
				zap.Int("ticket_number", in.Ticket.Number),
				zap.Error(err))
			continue
		}
		resp = next
		applied = append(applied, rule.Name())
	}
	return resp, applied
}

// QualityScore is the mean of clarity, completeness and one indicator
// each for priority, SLA and experience enhancements (1 when present,
// 0.5 otherwise).
func QualityScore(resp agent.Payload) float64 {
	indicator := func(key string) float64 {
		if truthy(resp[key]) {
			return 1
		}
		return 0.5
	}
	scores := []float64{
		clarityScore(resp),
		completenessScore(resp),
		indicator(KeyPriorityHandling),
		indicator(KeySLACompliance),
		indicator(KeyUserExperience),
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// Learn forwards feedback to the learner and records the quality score.
// Missing feedback is forwarded as implicit success.
func (e *Enhancer) Learn(ctx context.Context, in *agent.Input, out *agent.Output, fb *agent.Feedback) error {
	if out == nil {
		return fmt.Errorf("%w: missing response", agent.ErrLearnFailed)
	}

	forwarded := &agent.Feedback{
		Success:          true,
		QualityScore:     agent.Float(out.QualityScore),
		UserSatisfaction: agent.Float(defaultSatisfied),
		ResponseTime:     agent.Float(0),
		Implicit:         true,
	}
	if fb != nil {
		forwarded.Success = fb.Success
		forwarded.SuccessRate = fb.SuccessRate
		forwarded.Score = fb.Score
		forwarded.Implicit = fb.Implicit
		if fb.UserSatisfaction != nil {
			forwarded.UserSatisfaction = fb.UserSatisfaction
		}
		if fb.ResponseTime != nil {
			forwarded.ResponseTime = fb.ResponseTime
		}
	}

	if err := e.learner.Learn(ctx, in, out, forwarded); err != nil {
		e.Logger().Error("learning failed in response processor", zap.Error(err))
		if errors.Is(err, agent.ErrLearnFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", agent.ErrLearnFailed, err)
	}

	e.mu.Lock()
	e.quality = append(e.quality, QualitySample{
		Timestamp:    time.Now().UTC(),
		QualityScore: out.QualityScore,
		Feedback:     forwarded,
	})
	if len(e.quality) > qualityHistorySize {
		e.quality = append([]QualitySample(nil), e.quality[len(e.quality)-qualityHistorySize:]...)
	}
	e.mu.Unlock()

	e.Logger().Info("response processor learned from interaction", zap.Float64("quality_score", out.QualityScore))
	return nil
}

// HealthCheck also checks the wrapped learner when it supports health
// checks.
func (e *Enhancer) HealthCheck(ctx context.Context) error {
	if err := e.Base.HealthCheck(ctx); err != nil {
		return err
	}
	if hc, ok := e.learner.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("wrapped learner: %w", err)
		}
	}
	return nil
}

// Stats summarises processing quality.
type Stats struct {
	TotalResponsesProcessed int           `json:"total_responses_processed"`
	AverageQualityScore     float64       `json:"average_quality_score"`
	QualityScoreTrend       []float64     `json:"quality_score_trend"`
	EnhancementStrategies   []string      `json:"enhancement_strategies"`
	LearningAgentStatus     *agent.Status `json:"learning_agent_status,omitempty"`
}

// Stats returns processing statistics.
func (e *Enhancer) Stats() Stats {
	st := Stats{
		TotalResponsesProcessed: e.Metrics().RequestsProcessed,
		QualityScoreTrend:       []float64{},
		EnhancementStrategies:   make([]string, 0, len(e.rules)),
	}
	for _, r := range e.rules {
		st.EnhancementStrategies = append(st.EnhancementStrategies, r.Name())
	}

	e.mu.Lock()
	var sum float64
	for _, q := range e.quality {
		sum += q.QualityScore
	}
	if n := len(e.quality); n > 0 {
		st.AverageQualityScore = sum / float64(n)
		from := n - qualityTrendSize
		if from < 0 {
			from = 0
		}
		for _, q := range e.quality[from:] {
			st.QualityScoreTrend = append(st.QualityScoreTrend, q.QualityScore)
		}
	}
	e.mu.Unlock()

	if s, ok := e.learner.(interface{ Status() agent.Status }); ok {
		status := s.Status()
		st.LearningAgentStatus = &status
	}
	return st
}
