// Package learning implements the agent that remembers which responses
// worked for which kinds of tickets.
package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

// DefaultID is the id of the learning agent in the standard pipeline.
const DefaultID = "learning_agent_001"

// NoPatternMessage is the message of the placeholder response Process
// returns when no learned response clears the threshold.
const NoPatternMessage = "No learned pattern available"

// Tunables.
const (
	DefaultThreshold   = 0.7
	DefaultRetention   = 30 * 24 * time.Hour
	defaultSuccessRate = 0.5
	improvementWindow  = 10
	accuracyReportSize = 20
	topPatternCount    = 5
)

// Entry is one learned response for a pattern key.
type Entry struct {
	Response      agent.Payload `json:"response"`
	SuccessRate   float64       `json:"success_rate"`
	UsageCount    int           `json:"usage_count"`
	LastUsed      time.Time     `json:"last_used"`
	FeedbackCount int           `json:"feedback_count"`
}

// Sample is one feedback observation for a pattern key.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	FeedbackScore float64   `json:"feedback_score"`
}

// HistoryEntry records one call to Learn.
type HistoryEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	InputPattern string          `json:"input_pattern"`
	Response     agent.Payload   `json:"response"`
	Feedback     *agent.Feedback `json:"feedback"`
	Success      bool            `json:"success"`
}

// Agent is the learning agent. It holds every learned pattern in memory
// behind one mutex.
type Agent struct {
	*agent.Base

	threshold float64
	retention time.Duration
	now       func() time.Time

	mu              sync.Mutex
	patterns        map[string][]*Entry
	successMetrics  map[string][]Sample
	history         []HistoryEntry
	accuracyHistory []float64
	improvementRate float64
}

// Option configures an Agent.
type Option func(*Agent)

// WithThreshold sets the minimum success rate a learned response needs
// before Process returns it.
func WithThreshold(th float64) Option {
	return func(a *Agent) { a.threshold = th }
}

// WithRetention sets how long unused entries are kept.
func WithRetention(d time.Duration) Option {
	return func(a *Agent) { a.retention = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates a learning agent with id.
func New(id string, logger *zap.Logger, opts ...Option) *Agent {
	if id == "" {
		id = DefaultID
	}
	a := &Agent{
		Base:           agent.NewBase(id, agent.TypeLearning, logger),
		threshold:      DefaultThreshold,
		retention:      DefaultRetention,
		now:            time.Now,
		patterns:       make(map[string][]*Entry),
		successMetrics: make(map[string][]Sample),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process returns the best learned response for the ticket's pattern key
// with a confidence equal to the mean success rate of all entries for the
// key.
func (a *Agent) Process(ctx context.Context, in *agent.Input) (*agent.Output, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		a.Track(start, err)
		return nil, err
	}
	if in == nil {
		err := fmt.Errorf("learning: nil input")
		a.Track(start, err)
		return nil, err
	}

	key := ticket.PatternKey(in.Ticket)

	a.mu.Lock()
	entries := a.patterns[key]
	resp := a.bestResponse(key, entries)
	confidence := meanRate(entries)
	used := len(entries)
	a.mu.Unlock()

	a.Track(start, nil)
	return &agent.Output{
		Response:        resp,
		Confidence:      confidence,
		LearningApplied: true,
		PatternsUsed:    used,
		Timestamp:       a.now().UTC(),
	}, nil
}

// bestResponse picks the highest-rated entry above the threshold; the first
// one wins ties. Callers hold a.mu.
func (a *Agent) bestResponse(key string, entries []*Entry) agent.Payload {
	var best *Entry
	for _, e := range entries {
		if e.SuccessRate <= a.threshold {
			continue
		}
		if best == nil || e.SuccessRate > best.SuccessRate {
			best = e
		}
	}
	if best == nil {
		return agent.Payload{"message": NoPatternMessage, "pattern": key}
	}
	return best.Response.Clone()
}

func meanRate(entries []*Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.SuccessRate
	}
	return sum / float64(len(entries))
}

// Learn records out.Response as a response for the ticket's pattern key. An
// identical stored response is merged (usage incremented, success rate
// averaged); otherwise a new entry is added. Entries unused for longer than
// the retention window are dropped.
func (a *Agent) Learn(ctx context.Context, in *agent.Input, out *agent.Output, fb *agent.Feedback) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", agent.ErrLearnFailed, err)
	}
	if in == nil || out == nil {
		a.Logger().Error("learning called without input or response")
		return fmt.Errorf("%w: missing input or response", agent.ErrLearnFailed)
	}

	key := ticket.PatternKey(in.Ticket)
	resp := out.Response.Clone()
	if resp == nil {
		resp = agent.Payload{}
	}
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, HistoryEntry{
		Timestamp:    now,
		InputPattern: key,
		Response:     resp,
		Feedback:     fb,
		Success:      fb == nil || fb.Success,
	})
	a.updatePatterns(key, resp, fb, now)
	a.updateSuccessMetrics(key, fb, now)
	a.prune(now)
	a.updateImprovementRate()

	a.Logger().Info("learned from pattern", zap.String("pattern", key))
	return nil
}

func (a *Agent) updatePatterns(key string, resp agent.Payload, fb *agent.Feedback, now time.Time) {
	rate := defaultSuccessRate
	if fb != nil && fb.SuccessRate != nil {
		rate = *fb.SuccessRate
	}
	explicit := fb != nil && !fb.Implicit

	for _, e := range a.patterns[key] {
		if samePayload(e.Response, resp) {
			e.UsageCount++
			e.LastUsed = now
			e.SuccessRate = (e.SuccessRate + rate) / 2
			if explicit {
				e.FeedbackCount++
			}
			return
		}
	}

	entry := &Entry{
		Response:    resp,
		SuccessRate: rate,
		UsageCount:  1,
		LastUsed:    now,
	}
	if explicit {
		entry.FeedbackCount = 1
	}
	a.patterns[key] = append(a.patterns[key], entry)
}

func (a *Agent) updateSuccessMetrics(key string, fb *agent.Feedback, now time.Time) {
	if fb == nil || fb.Implicit {
		return
	}
	var score float64
	if fb.Score != nil {
		score = *fb.Score
	}
	a.successMetrics[key] = append(a.successMetrics[key], Sample{
		Timestamp:     now,
		Success:       fb.Success,
		FeedbackScore: score,
	})

	accuracy := 0.0
	switch {
	case fb.SuccessRate != nil:
		accuracy = *fb.SuccessRate
	case fb.Success:
		accuracy = 1.0
	}
	a.accuracyHistory = append(a.accuracyHistory, accuracy)
}

func (a *Agent) prune(now time.Time) {
	cutoff := now.Add(-a.retention)

	kept := a.history[:0]
	for _, h := range a.history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	a.history = kept

	for key, entries := range a.patterns {
		live := entries[:0]
		for _, e := range entries {
			if e.LastUsed.After(cutoff) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(a.patterns, key)
			continue
		}
		a.patterns[key] = live
	}
}

func (a *Agent) updateImprovementRate() {
	n := len(a.accuracyHistory)
	if n < 2 {
		return
	}
	recent := a.accuracyHistory
	if n > improvementWindow {
		recent = recent[n-improvementWindow:]
	}
	a.improvementRate = recent[len(recent)-1] - recent[0]
}

// Entries returns copies of the entries stored for key.
func (a *Agent) Entries(key string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.patterns[key]))
	for _, e := range a.patterns[key] {
		c := *e
		c.Response = e.Response.Clone()
		out = append(out, c)
	}
	return out
}

// PatternUsage is a pattern key with its total usage.
type PatternUsage struct {
	Pattern string `json:"pattern"`
	Usage   int    `json:"usage"`
}

// Stats summarises what the agent has learned.
type Stats struct {
	TotalPatternsLearned int            `json:"total_patterns_learned"`
	UniquePatternTypes   int            `json:"unique_pattern_types"`
	LearningHistorySize  int            `json:"learning_history_size"`
	ImprovementRate      float64        `json:"improvement_rate"`
	AccuracyHistory      []float64      `json:"accuracy_history"`
	MostCommonPatterns   []PatternUsage `json:"most_common_patterns"`
	LearningEfficiency   float64        `json:"learning_efficiency"`
}

// Stats returns learning statistics.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		UniquePatternTypes:  len(a.patterns),
		LearningHistorySize: len(a.history),
		ImprovementRate:     a.improvementRate,
	}

	acc := a.accuracyHistory
	if len(acc) > accuracyReportSize {
		acc = acc[len(acc)-accuracyReportSize:]
	}
	st.AccuracyHistory = append([]float64{}, acc...)

	usage := make([]PatternUsage, 0, len(a.patterns))
	var efficiency float64
	for key, entries := range a.patterns {
		st.TotalPatternsLearned += len(entries)
		total := 0
		for _, e := range entries {
			total += e.UsageCount
		}
		usage = append(usage, PatternUsage{Pattern: key, Usage: total})
		efficiency += meanRate(entries)
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Usage != usage[j].Usage {
			return usage[i].Usage > usage[j].Usage
		}
		return usage[i].Pattern < usage[j].Pattern
	})
	if len(usage) > topPatternCount {
		usage = usage[:topPatternCount]
	}
	st.MostCommonPatterns = usage
	if len(a.patterns) > 0 {
		st.LearningEfficiency = efficiency / float64(len(a.patterns))
	}
	return st
}
