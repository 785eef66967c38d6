package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
)

// Store is the persistence the orchestrator writes to.
type Store interface {
	StorePattern(ctx context.Context, key string, response map[string]any, rate float64) error
	StoreHistory(ctx context.Context, agentID, patternKey string, response, feedback map[string]any, success bool) error
	StoreBestPractice(ctx context.Context, category, name, description string, score float64) error
	Stats(ctx context.Context) (knowledge.Stats, error)
}

// Stage is one pipeline position.
type Stage struct {
	Agent   agent.Agent
	Enabled bool
}

// StepStatus is the outcome of one stage in a run.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepProgress reports progress during a run.
type StepProgress struct {
	Step       string     `json:"step"`
	AgentID    string     `json:"agent_id"`
	Status     StepStatus `json:"status"`
	Message    string     `json:"message"`
	Percentage int        `json:"percentage"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress StepProgress)

// StepRecord describes one executed stage of one run.
type StepRecord struct {
	Step          string        `json:"step"`
	AgentID       string        `json:"agent_id"`
	AgentType     string        `json:"agent_type"`
	ExecutionTime float64       `json:"execution_time"`
	Success       bool          `json:"success"`
	Result        *agent.Output `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// QualityMetrics summarises the response processor's output.
type QualityMetrics struct {
	QualityScore        float64  `json:"quality_score"`
	EnhancementsApplied []string `json:"enhancements_applied"`
	LearningConfidence  float64  `json:"learning_confidence"`
}

// Result is everything one run produced.
type Result struct {
	RunID               string          `json:"run_id"`
	TicketNumber        int             `json:"ticket_number"`
	ProcessingResult    *agent.Input    `json:"processing_result"`
	PipelinePerformance []StepRecord    `json:"pipeline_performance"`
	LearningInsights    *agent.Output   `json:"learning_insights,omitempty"`
	EnhancedResponse    *agent.Output   `json:"enhanced_response,omitempty"`
	QualityMetrics      *QualityMetrics `json:"quality_metrics,omitempty"`
	ProcessingTime      float64         `json:"processing_time"`
	OrchestratorAgent   string          `json:"orchestrator_agent"`
	Timestamp           time.Time       `json:"timestamp"`
}

// FinalResponse is the most processed output of the run: the enhanced
// response when there is one, otherwise the learning insight.
func (r *Result) FinalResponse() *agent.Output {
	if r.EnhancedResponse != nil {
		return r.EnhancedResponse
	}
	return r.LearningInsights
}

// StepPerformance accumulates statistics for one step label across runs.
type StepPerformance struct {
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	TotalTime            float64 `json:"total_time"`
	AverageTime          float64 `json:"average_time"`
}

// SuccessRate is the fraction of successful executions.
func (p StepPerformance) SuccessRate() float64 {
	if p.TotalExecutions == 0 {
		return 0
	}
	return float64(p.SuccessfulExecutions) / float64(p.TotalExecutions)
}

// CoordinationMetrics counts orchestrated runs.
type CoordinationMetrics struct {
	TotalCoordinations      int     `json:"total_coordinations"`
	SuccessfulCoordinations int     `json:"successful_coordinations"`
	FailedCoordinations     int     `json:"failed_coordinations"`
	AveragePipelineTime     float64 `json:"average_pipeline_time"`
}

// Bottleneck is a step that exceeded the bottleneck threshold in one run.
type Bottleneck struct {
	Step          string  `json:"step"`
	AgentID       string  `json:"agent_id"`
	ExecutionTime float64 `json:"execution_time"`
}
