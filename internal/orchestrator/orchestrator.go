package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/metrics"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/triage/internal/orchestrator"

// DefaultID is the id of the orchestrator in the standard service.
const DefaultID = "ticket_agent_001"

const (
	// PatternSuccessRate is the success rate assumed when a run's enhanced
	// response is persisted as a pattern.
	PatternSuccessRate = 0.8

	// BottleneckThreshold is the step duration above which a step is
	// flagged as a bottleneck.
	BottleneckThreshold = time.Second

	bottleneckCategory = "coordination"
	bottleneckPractice = "bottleneck_identification"
	bottleneckScore    = 0.8
)

var (
	// ErrNilInput is returned by Process when called without input.
	ErrNilInput = errors.New("orchestrator: nil input")

	// ErrInvalidOrder is returned by Reorder when the ids are not a
	// permutation of the current stages.
	ErrInvalidOrder = errors.New("orchestrator: invalid stage order")

	// ErrUnknownStage is returned when a stage id is not in the pipeline.
	ErrUnknownStage = errors.New("orchestrator: unknown stage")
)

// Orchestrator runs the agent pipeline for one ticket at a time per call.
// Concurrent calls to Process are safe.
type Orchestrator struct {
	*agent.Base

	id         string
	store      Store
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	onProgress ProgressCallback

	stagesMu sync.RWMutex
	stages   []Stage

	mu           sync.Mutex
	performance  map[string]*StepPerformance
	coordination CoordinationMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithID overrides DefaultID.
func WithID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithStages sets the pipeline.
func WithStages(stages ...Stage) Option {
	return func(o *Orchestrator) { o.stages = append([]Stage(nil), stages...) }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgress registers a callback invoked as stages start and finish.
func WithProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.onProgress = cb }
}

// New creates an orchestrator persisting to store.
func New(store Store, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		id:          DefaultID,
		store:       store,
		tracer:      otel.Tracer(instrumentationName),
		performance: make(map[string]*StepPerformance),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Base = agent.NewBase(o.id, agent.TypeOrchestrator, logger)
	for i, st := range o.stages {
		if st.Agent == nil {
			return nil, fmt.Errorf("orchestrator: stage %d has no agent", i)
		}
	}
	return o, nil
}

// Stages returns a copy of the pipeline.
func (o *Orchestrator) Stages() []Stage {
	o.stagesMu.RLock()
	defer o.stagesMu.RUnlock()
	return append([]Stage(nil), o.stages...)
}

// SetEnabled toggles the stage whose agent has id.
func (o *Orchestrator) SetEnabled(id string, enabled bool) error {
	o.stagesMu.Lock()
	defer o.stagesMu.Unlock()
	for i := range o.stages {
		if o.stages[i].Agent.ID() == id {
			o.stages[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownStage, id)
}

// Reorder rearranges the pipeline to match ids, which must name every
// stage exactly once.
func (o *Orchestrator) Reorder(ids []string) error {
	o.stagesMu.Lock()
	defer o.stagesMu.Unlock()

	if len(ids) != len(o.stages) {
		return fmt.Errorf("%w: want %d stages, got %d", ErrInvalidOrder, len(o.stages), len(ids))
	}
	byID := make(map[string]Stage, len(o.stages))
	for _, st := range o.stages {
		byID[st.Agent.ID()] = st
	}
	next := make([]Stage, 0, len(ids))
	for _, id := range ids {
		st, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %q is unknown or repeated", ErrInvalidOrder, id)
		}
		delete(byID, id)
		next = append(next, st)
	}
	o.stages = next
	o.Logger().Info("pipeline reordered", zap.Strings("order", ids))
	return nil
}

// Process runs in through every enabled, active stage in order. Stage
// failures are recorded and do not stop the run; only cancellation of ctx
// aborts it.
func (o *Orchestrator) Process(ctx context.Context, in *agent.Input) (*Result, error) {
	start := time.Now()
	res, err := o.process(ctx, in)
	o.Track(start, err)
	if err != nil {
		o.Logger().Error("ticket orchestration failed", zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, in *agent.Input) (*Result, error) {
	if in == nil {
		return nil, ErrNilInput
	}

	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "orchestrator.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("ticket_number", in.Ticket.Number),
	)

	logger := o.Logger().With(zap.String("run_id", runID), zap.Int("ticket_number", in.Ticket.Number))
	start := time.Now()
	stages := o.Stages()

	work := *in
	res := &Result{
		RunID:               runID,
		TicketNumber:        in.Ticket.Number,
		ProcessingResult:    &work,
		PipelinePerformance: make([]StepRecord, 0, len(stages)),
		OrchestratorAgent:   o.ID(),
	}

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			res.ProcessingTime = time.Since(start).Seconds()
			o.recordRun(res, true)
			return nil, err
		}

		label := fmt.Sprintf("step_%d_%s", i+1, st.Agent.Type())
		pct := (i + 1) * 100 / len(stages)

		if !st.Enabled || !st.Agent.IsActive() {
			logger.Warn("skipping pipeline stage",
				zap.String("step", label),
				zap.String("stage_agent", st.Agent.ID()),
				zap.Bool("enabled", st.Enabled))
			o.metrics.SkipStep(st.Agent.Type())
			o.progress(label, st.Agent.ID(), StepSkipped, "stage inactive or disabled", pct)
			continue
		}

		o.progress(label, st.Agent.ID(), StepStarted, "running", pct)
		rec := o.runStep(ctx, label, st.Agent, &work)
		res.PipelinePerformance = append(res.PipelinePerformance, rec)

		if !rec.Success {
			work.Error = rec.Error
			work.FailedStep = label
			logger.Warn("pipeline stage failed",
				zap.String("step", label),
				zap.String("stage_agent", rec.AgentID),
				zap.String("error", rec.Error))
			o.progress(label, rec.AgentID, StepFailed, rec.Error, pct)
			continue
		}

		switch st.Agent.Type() {
		case agent.TypeLearning:
			work.Insight = rec.Result
			res.LearningInsights = rec.Result
		case agent.TypeProcessor:
			work.Enhanced = rec.Result
			res.EnhancedResponse = rec.Result
			res.QualityMetrics = &QualityMetrics{
				QualityScore:        rec.Result.QualityScore,
				EnhancementsApplied: rec.Result.EnhancementsApplied,
				LearningConfidence:  rec.Result.LearningConfidence,
			}
		}
		o.progress(label, rec.AgentID, StepCompleted, "done", pct)
	}

	res.ProcessingTime = time.Since(start).Seconds()
	res.Timestamp = time.Now().UTC()

	o.recordRun(res, false)
	o.persist(ctx, res, logger)

	var quality *float64
	if res.QualityMetrics != nil {
		quality = &res.QualityMetrics.QualityScore
	}
	o.metrics.ObservePipeline(res.ProcessingTime, quality)

	span.SetAttributes(
		attribute.Int("steps", len(res.PipelinePerformance)),
		attribute.Float64("processing_time", res.ProcessingTime),
	)
	logger.Info("ticket orchestrated",
		zap.Int("steps", len(res.PipelinePerformance)),
		zap.Float64("processing_time", res.ProcessingTime))
	return res, nil
}

func (o *Orchestrator) runStep(ctx context.Context, label string, a agent.Agent, work *agent.Input) StepRecord {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step", label),
		attribute.String("agent_id", a.ID()),
		attribute.String("agent_type", a.Type()),
	)

	start := time.Now()
	out, err := a.Process(ctx, work)
	if err == nil && out == nil {
		err = fmt.Errorf("%s returned no output", a.ID())
	}
	elapsed := time.Since(start).Seconds()
	o.metrics.ObserveStep(a.Type(), elapsed, err)

	rec := StepRecord{
		Step:          label,
		AgentID:       a.ID(),
		AgentType:     a.Type(),
		ExecutionTime: elapsed,
		Success:       err == nil,
		Result:        out,
	}
	if err != nil {
		rec.Result = nil
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec
}

func (o *Orchestrator) progress(step, agentID string, status StepStatus, msg string, pct int) {
	if o.onProgress == nil {
		return
	}
	o.onProgress(StepProgress{
		Step:       step,
		AgentID:    agentID,
		Status:     status,
		Message:    msg,
		Percentage: pct,
	})
}

// recordRun folds one run into the per-stage and coordination statistics.
// An aborted run counts as a failed coordination.
func (o *Orchestrator) recordRun(res *Result, aborted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	failed := aborted
	for _, rec := range res.PipelinePerformance {
		p, ok := o.performance[rec.AgentID]
		if !ok {
			p = &StepPerformance{}
			o.performance[rec.AgentID] = p
		}
		p.TotalExecutions++
		p.TotalTime += rec.ExecutionTime
		p.AverageTime = p.TotalTime / float64(p.TotalExecutions)
		if rec.Success {
			p.SuccessfulExecutions++
		} else {
			failed = true
		}
	}

	c := &o.coordination
	c.TotalCoordinations++
	if failed {
		c.FailedCoordinations++
	} else {
		c.SuccessfulCoordinations++
	}
	n := float64(c.TotalCoordinations)
	c.AveragePipelineTime = (c.AveragePipelineTime*(n-1) + res.ProcessingTime) / n
}

// persist stores the run's pattern and per-step history. Failures are
// logged; the run result stands.
func (o *Orchestrator) persist(ctx context.Context, res *Result, logger *zap.Logger) {
	key := ticket.OrchestratorKey(res.ProcessingResult.Ticket)

	if res.EnhancedResponse != nil && len(res.EnhancedResponse.Response) > 0 {
		if err := o.store.StorePattern(ctx, key, res.EnhancedResponse.Response, PatternSuccessRate); err != nil {
			logger.Warn("failed to persist response pattern", zap.String("pattern", key), zap.Error(err))
		}
	}

	for _, rec := range res.PipelinePerformance {
		if !rec.Success {
			continue
		}
		resp, err := toMap(rec.Result)
		if err != nil {
			logger.Warn("failed to encode step result", zap.String("step", rec.Step), zap.Error(err))
			continue
		}
		if err := o.store.StoreHistory(ctx, rec.AgentID, key, resp, nil, true); err != nil {
			logger.Warn("failed to persist step history", zap.String("step", rec.Step), zap.Error(err))
		}
	}
}

// Learn sends fb to every active stage and records slow steps as
// bottlenecks. A nil fb means no explicit feedback was given. Every stage
// is attempted; the returned error joins the failures and wraps
// agent.ErrLearnFailed.
func (o *Orchestrator) Learn(ctx context.Context, res *Result, fb *agent.Feedback) error {
	if res == nil || res.ProcessingResult == nil {
		return fmt.Errorf("%w: missing run result", agent.ErrLearnFailed)
	}
	out := res.FinalResponse()
	if out == nil {
		return fmt.Errorf("%w: run produced no response", agent.ErrLearnFailed)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.learn")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("ticket_number", res.TicketNumber),
		attribute.Bool("explicit_feedback", fb != nil && !fb.Implicit),
	)

	var errs []error
	for _, st := range o.Stages() {
		if !st.Agent.IsActive() {
			continue
		}
		if err := st.Agent.Learn(ctx, res.ProcessingResult, out, fb); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Agent.ID(), err))
		}
	}

	if err := o.recordBottlenecks(ctx, res); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.Logger().Warn("orchestrated learning incomplete", zap.Int("ticket_number", res.TicketNumber), zap.Error(err))
		if errors.Is(err, agent.ErrLearnFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", agent.ErrLearnFailed, err)
	}
	o.Logger().Info("orchestrated learning complete", zap.Int("ticket_number", res.TicketNumber))
	return nil
}

// Bottlenecks returns the steps of res slower than BottleneckThreshold.
func Bottlenecks(res *Result) []Bottleneck {
	var out []Bottleneck
	for _, rec := range res.PipelinePerformance {
		if rec.ExecutionTime > BottleneckThreshold.Seconds() {
			out = append(out, Bottleneck{Step: rec.Step, AgentID: rec.AgentID, ExecutionTime: rec.ExecutionTime})
		}
	}
	return out
}

func (o *Orchestrator) recordBottlenecks(ctx context.Context, res *Result) error {
	slow := Bottlenecks(res)
	if len(slow) == 0 {
		return nil
	}
	parts := make([]string, len(slow))
	for i, b := range slow {
		parts[i] = fmt.Sprintf("%s (%.2fs)", b.Step, b.ExecutionTime)
	}
	desc := "Identified bottlenecks: " + strings.Join(parts, ", ")
	if err := o.store.StoreBestPractice(ctx, bottleneckCategory, bottleneckPractice, desc, bottleneckScore); err != nil {
		return fmt.Errorf("record bottlenecks: %w", err)
	}
	o.Logger().Info("pipeline bottlenecks recorded", zap.Int("count", len(slow)))
	return nil
}

// toMap converts v to the loose map form stored in learning history.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
