package orchestrator

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Optimization thresholds.
const (
	slowStepSeconds    = 2.0
	minStepSuccessRate = 0.9
	efficiencyScale    = 5.0
)

// StatusReport is the aggregate view of the orchestrator and its stages.
type StatusReport struct {
	Orchestrator        agent.Status               `json:"orchestrator_status"`
	Agents              map[string]agent.Status    `json:"agent_statuses"`
	Order               []string                   `json:"pipeline_order"`
	PipelinePerformance map[string]StepPerformance `json:"pipeline_performance"`
	Coordination        CoordinationMetrics        `json:"coordination_metrics"`
	Knowledge           *knowledge.Stats           `json:"knowledge_base_stats,omitempty"`
}

// AgentStatus reports orchestrator and stage status. Knowledge stats are
// omitted when the store cannot be read.
func (o *Orchestrator) AgentStatus(ctx context.Context) StatusReport {
	stages := o.Stages()
	rep := StatusReport{
		Orchestrator: o.Status(),
		Agents:       make(map[string]agent.Status, len(stages)),
		Order:        make([]string, 0, len(stages)),
	}
	for _, st := range stages {
		rep.Agents[st.Agent.ID()] = st.Agent.Status()
		rep.Order = append(rep.Order, st.Agent.ID())
	}
	rep.PipelinePerformance, rep.Coordination = o.snapshot()

	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.Logger().Warn("knowledge stats unavailable", zap.Error(err))
	} else {
		rep.Knowledge = &stats
	}
	return rep
}

// CoordinationMetrics returns the run counters.
func (o *Orchestrator) CoordinationMetrics() CoordinationMetrics {
	_, c := o.snapshot()
	return c
}

func (o *Orchestrator) snapshot() (map[string]StepPerformance, CoordinationMetrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	perf := make(map[string]StepPerformance, len(o.performance))
	for id, p := range o.performance {
		perf[id] = *p
	}
	return perf, o.coordination
}

// AgentHealth is one agent's health result.
type AgentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthReport is the aggregate health of the pipeline.
type HealthReport struct {
	Overall      bool                   `json:"overall_health"`
	Orchestrator AgentHealth            `json:"orchestrator"`
	Agents       map[string]AgentHealth `json:"agents"`
}

// HealthCheckAll checks the orchestrator and every stage concurrently.
// Overall health is true only when all of them are healthy.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) HealthReport {
	stages := o.Stages()
	rep := HealthReport{
		Orchestrator: toHealth(o.HealthCheck(ctx)),
		Agents:       make(map[string]AgentHealth, len(stages)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stages {
		a := st.Agent
		g.Go(func() error {
			h := toHealth(a.HealthCheck(gctx))
			mu.Lock()
			rep.Agents[a.ID()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep.Overall = rep.Orchestrator.Healthy
	for id, h := range rep.Agents {
		if !h.Healthy {
			rep.Overall = false
			o.Logger().Warn("agent unhealthy", zap.String("stage_agent", id), zap.String("error", h.Error))
		}
	}
	return rep
}

func toHealth(err error) AgentHealth {
	if err != nil {
		return AgentHealth{Error: err.Error()}
	}
	return AgentHealth{Healthy: true}
}

// Suggestion flags one stage for attention.
type Suggestion struct {
	AgentID        string  `json:"agent_id"`
	Issue          string  `json:"issue"`
	Recommendation string  `json:"recommendation"`
	AverageTime    float64 `json:"average_time"`
	SuccessRate    float64 `json:"success_rate"`
}

// Optimization is the advisory result of OptimizePipeline.
type Optimization struct {
	Suggestions        []Suggestion `json:"optimization_suggestions"`
	CurrentOrder       []string     `json:"current_order"`
	SuggestedOrder     []string     `json:"suggested_order,omitempty"`
	PipelineEfficiency float64      `json:"pipeline_efficiency"`
}

// OptimizePipeline inspects accumulated stage statistics. It never
// changes the pipeline; pass SuggestedOrder to Reorder to apply it.
func (o *Orchestrator) OptimizePipeline() Optimization {
	stages := o.Stages()
	perf, _ := o.snapshot()

	opt := Optimization{
		Suggestions:  []Suggestion{},
		CurrentOrder: make([]string, 0, len(stages)),
	}
	type ranked struct {
		id   string
		avg  float64
		rate float64
	}
	var measured []ranked
	var efficiency float64

	for _, st := range stages {
		id := st.Agent.ID()
		opt.CurrentOrder = append(opt.CurrentOrder, id)
		p, ok := perf[id]
		if !ok || p.TotalExecutions == 0 {
			continue
		}
		rate := p.SuccessRate()
		measured = append(measured, ranked{id: id, avg: p.AverageTime, rate: rate})
		efficiency += (math.Max(0, 1-p.AverageTime/efficiencyScale) + rate) / 2

		if p.AverageTime > slowStepSeconds {
			opt.Suggestions = append(opt.Suggestions, Suggestion{
				AgentID:        id,
				Issue:          "High execution time",
				Recommendation: "Consider caching or optimization",
				AverageTime:    p.AverageTime,
				SuccessRate:    rate,
			})
		}
		if rate < minStepSuccessRate {
			opt.Suggestions = append(opt.Suggestions, Suggestion{
				AgentID:        id,
				Issue:          "Low success rate",
				Recommendation: "Investigate failure causes and improve error handling",
				AverageTime:    p.AverageTime,
				SuccessRate:    rate,
			})
		}
	}
	if len(measured) > 0 {
		opt.PipelineEfficiency = efficiency / float64(len(measured))
	}

	// Only a fully measured pipeline gets an order suggestion.
	if len(measured) == len(stages) && len(stages) > 1 {
		sorted := slices.Clone(measured)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].avg != sorted[j].avg {
				return sorted[i].avg < sorted[j].avg
			}
			return sorted[i].rate > sorted[j].rate
		})
		order := make([]string, len(sorted))
		for i, r := range sorted {
			order[i] = r.id
		}
		if !slices.Equal(order, opt.CurrentOrder) {
			opt.SuggestedOrder = order
		}
	}
	return opt
}
