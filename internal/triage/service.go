// Package triage ties the ticket source, validator, SLA tracker, agent
// pipeline and language model together into the operations the API and
// CLI expose.
package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/events"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/learning"
	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/logging"
	"github.com/fyrsmithlabs/triage/internal/metrics"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/source"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// Version is reported by the health endpoint.
	Version = "1.0.0"

	tracerName = "github.com/fyrsmithlabs/triage/internal/triage"
)

// Source reads tickets from the tracker.
type Source interface {
	Get(ctx context.Context, n int) (ticket.Ticket, error)
	List(ctx context.Context, limit int) ([]ticket.Ticket, error)
}

// Summarizer produces a structured summary of a ticket.
type Summarizer interface {
	Summarize(ctx context.Context, t ticket.Ticket) llm.Summary
}

// Responder drafts a reply to the reporter.
type Responder interface {
	Respond(ctx context.Context, t ticket.Ticket, sum llm.Summary) string
}

// Publisher announces processed tickets.
type Publisher interface {
	PublishTicketProcessed(ctx context.Context, ev events.TicketProcessed) error
}

// KnowledgeBase is the maintenance surface of the knowledge store.
type KnowledgeBase interface {
	Stats(ctx context.Context) (knowledge.Stats, error)
	Export(ctx context.Context, path string) error
	Cleanup(ctx context.Context, days int) (knowledge.CleanupResult, error)
	Ping(ctx context.Context) error
}

// Options configures the service with its collaborators. Source,
// Validator, Orchestrator, SLA, Summarizer, Responder and History are
// required.
type Options struct {
	Source       Source
	Validator    *validation.Validator
	Orchestrator *orchestrator.Orchestrator
	SLA          *sla.Tracker
	Summarizer   Summarizer
	Responder    Responder
	History      *session.History
	Knowledge    KnowledgeBase
	Publisher    Publisher
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	// ExportDir receives knowledge exports.
	ExportDir string
	// CleanupDays is the retention used by CleanupKnowledge.
	CleanupDays int
	// LLMConfigured reports whether a provider key is present.
	LLMConfigured bool
}

// Service implements the triage operations.
type Service struct {
	source     Source
	validator  *validation.Validator
	orch       *orchestrator.Orchestrator
	sla        *sla.Tracker
	summarizer Summarizer
	responder  Responder
	history    *session.History
	knowledge  KnowledgeBase
	publisher  Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	exportDir     string
	cleanupDays   int
	llmConfigured bool

	mu      sync.Mutex
	results map[int]*orchestrator.Result
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	var missing []error
	if opts.Source == nil {
		missing = append(missing, errors.New("source is required"))
	}
	if opts.Validator == nil {
		missing = append(missing, errors.New("validator is required"))
	}
	if opts.Orchestrator == nil {
		missing = append(missing, errors.New("orchestrator is required"))
	}
	if opts.SLA == nil {
		missing = append(missing, errors.New("sla tracker is required"))
	}
	if opts.Summarizer == nil || opts.Responder == nil {
		missing = append(missing, errors.New("summarizer and responder are required"))
	}
	if opts.History == nil {
		missing = append(missing, errors.New("history is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanupDays := opts.CleanupDays
	if cleanupDays < 1 {
		cleanupDays = 30
	}
	return &Service{
		source:        opts.Source,
		validator:     opts.Validator,
		orch:          opts.Orchestrator,
		sla:           opts.SLA,
		summarizer:    opts.Summarizer,
		responder:     opts.Responder,
		history:       opts.History,
		knowledge:     opts.Knowledge,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		exportDir:     opts.ExportDir,
		cleanupDays:   cleanupDays,
		llmConfigured: opts.LLMConfigured,
		results:       make(map[int]*orchestrator.Result),
	}, nil
}

// Outcome is the result of processing one ticket.
type Outcome struct {
	Ticket           ticket.Ticket                `json:"ticket"`
	RunID            string                       `json:"run_id"`
	Summary          llm.Summary                  `json:"summary"`
	Response         string                       `json:"response"`
	FallbackUsed     bool                         `json:"fallback_used"`
	EnhancedResponse *agent.Output                `json:"enhanced_response,omitempty"`
	LearningInsights *agent.Output                `json:"learning_insights,omitempty"`
	QualityMetrics   *orchestrator.QualityMetrics `json:"quality_metrics,omitempty"`
	Pipeline         []orchestrator.StepRecord    `json:"pipeline_performance"`
	SLAStatus        *sla.Status                  `json:"sla_status,omitempty"`
	SLABreached      bool                         `json:"sla_breached"`
	ProcessingTime   float64                      `json:"processing_time"`
}

// ProcessTicket fetches, validates and triages one ticket.
//
// number may be any JSON-ish value; it is validated before anything else
// happens. Errors map onto API statuses: *RequestError is a bad request,
// ErrNotFound a missing ticket, ErrDuplicate a conflict and
// *ValidationError an unprocessable ticket.
func (s *Service) ProcessTicket(ctx context.Context, number any) (*Outcome, error) {
	start := s.now()

	n, verr := validation.ValidateTicketNumber(number)
	if verr != nil {
		s.metrics.Ticket("rejected")
		return nil, &RequestError{verr}
	}

	ctx = logging.WithTicketNumber(ctx, n)
	ctx, span := s.tracer.Start(ctx, "triage.process_ticket",
		trace.WithAttributes(attribute.Int("ticket.number", n)))
	defer span.End()
	log := logging.ZapFromContext(ctx, s.logger)

	out, err := s.process(ctx, n, start, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.Ticket(outcomeLabel(err))
		log.Warn("ticket processing failed", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ticket.priority", out.Ticket.Priority),
		attribute.Bool("triage.fallback_used", out.FallbackUsed),
		attribute.Bool("sla.breached", out.SLABreached),
	)
	s.metrics.Ticket("processed")
	return out, nil
}

func (s *Service) process(ctx context.Context, n int, start time.Time, log *zap.Logger) (*Outcome, error) {
	log.Info("processing ticket")

	tk, err := s.source.Get(ctx, n)
	if errors.Is(err, source.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d", ErrNotFound, n)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch ticket #%d: %w", n, err)
	}

	ok, errs := s.validator.Validate(tk.Record())
	if !ok {
		for _, e := range errs {
			s.metrics.ValidationFailure(string(e.Code))
		}
		for _, e := range errs {
			if e.Code == validation.CodeDuplicateRequest {
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, e.Message)
			}
		}
		return nil, &ValidationError{Number: n, Errs: errs}
	}

	// Validate only reads the processed set; Claim settles concurrent
	// requests for the same ticket.
	if !s.validator.Claim(tk.Number) {
		return nil, fmt.Errorf("%w: ticket %d has already been processed", ErrDuplicate, tk.Number)
	}

	now := s.now()
	var slaStatus *sla.Status
	if st, err := s.sla.Status(tk, now); err != nil {
		log.Warn("sla status unavailable", zap.Error(err))
	} else {
		slaStatus = &st
		tk.SLAStatus = st.TicketStatus()
	}
	breach, err := s.sla.Check(tk, now)
	if err != nil {
		log.Warn("sla check failed", zap.Error(err))
	}
	if breach != nil {
		log.Warn("sla breached",
			zap.Float64("elapsed_hours", breach.ElapsedHours),
			zap.Float64("threshold_hours", breach.ThresholdHours))
		if err := s.sla.Alert(ctx, *breach); err != nil {
			log.Warn("sla alert delivery incomplete", zap.Error(err))
		}
	}

	res, err := s.orch.Process(ctx, &agent.Input{Ticket: tk})
	if err != nil {
		return nil, fmt.Errorf("pipeline for ticket #%d: %w", n, err)
	}
	log = log.With(zap.String("run_id", res.RunID))

	sum, reply, fallback := s.draft(ctx, tk, res, log)

	var quality *float64
	if res.QualityMetrics != nil {
		q := res.QualityMetrics.QualityScore
		quality = &q
	}
	elapsed := s.now().Sub(start).Seconds()
	s.history.Add(session.Entry{
		Timestamp:      s.now(),
		Ticket:         tk,
		Summary:        sum,
		Response:       reply,
		SLAStatus:      slaStatus,
		QualityScore:   quality,
		ProcessingTime: elapsed,
		RunID:          res.RunID,
	})
	s.remember(tk.Number, res)

	if err := s.orch.Learn(ctx, res, nil); err != nil {
		log.Warn("pipeline learning failed", zap.Error(err))
	}
	s.publish(ctx, tk, res, slaStatus, quality, elapsed, log)

	log.Info("ticket processed",
		zap.Bool("fallback_used", fallback),
		zap.Float64("processing_time", elapsed))

	return &Outcome{
		Ticket:           tk,
		RunID:            res.RunID,
		Summary:          sum,
		Response:         reply,
		FallbackUsed:     fallback,
		EnhancedResponse: res.EnhancedResponse,
		LearningInsights: res.LearningInsights,
		QualityMetrics:   res.QualityMetrics,
		Pipeline:         res.PipelinePerformance,
		SLAStatus:        slaStatus,
		SLABreached:      breach != nil,
		ProcessingTime:   elapsed,
	}, nil
}

// draft returns the summary and reply for the ticket. A learned reply in
// the enhanced response is used as is; otherwise the language model (or
// its template fallback) writes one and the enhanced response is updated
// so the pipeline learns from what was actually sent.
func (s *Service) draft(ctx context.Context, tk ticket.Ticket, res *orchestrator.Result, log *zap.Logger) (llm.Summary, string, bool) {
	if out := res.EnhancedResponse; out != nil {
		if msg, _ := out.Response["message"].(string); msg != "" && msg != learning.NoPatternMessage {
			return summaryFrom(out.Response), msg, false
		}
	}

	log.Info("no learned response, drafting with language model")
	sum := s.summarizer.Summarize(ctx, tk)
	reply := s.responder.Respond(ctx, tk, sum)

	out := res.EnhancedResponse
	if out == nil {
		out = &agent.Output{Timestamp: s.now()}
		res.EnhancedResponse = out
	}
	payload := out.Response.Clone()
	if payload == nil {
		payload = agent.Payload{}
	}
	payload["message"] = reply
	payload["summary"] = sum.Summary
	payload["root_cause"] = sum.RootCause
	payload["next_steps"] = []string(sum.NextSteps)
	payload["eta"] = sum.ETA
	payload["priority_assessment"] = sum.PriorityAssessment
	payload["fallback_used"] = true
	out.Response = payload
	return sum, reply, true
}

// summaryFrom rebuilds a summary from a stored response payload. Payloads
// read back from the knowledge store carry lists as []any.
func summaryFrom(p agent.Payload) llm.Summary {
	str := func(k string) string {
		v, _ := p[k].(string)
		return v
	}
	sum := llm.Summary{
		Summary:            str("summary"),
		RootCause:          str("root_cause"),
		ETA:                str("eta"),
		PriorityAssessment: str("priority_assessment"),
	}
	switch steps := p["next_steps"].(type) {
	case []string:
		sum.NextSteps = append(llm.StringList(nil), steps...)
	case []any:
		for _, st := range steps {
			if v, ok := st.(string); ok {
				sum.NextSteps = append(sum.NextSteps, v)
			}
		}
	}
	return sum
}

func (s *Service) publish(ctx context.Context, tk ticket.Ticket, res *orchestrator.Result, st *sla.Status, quality *float64, elapsed float64, log *zap.Logger) {
	if s.publisher == nil {
		return
	}
	ev := events.TicketProcessed{
		TicketNumber:   tk.Number,
		RunID:          res.RunID,
		Priority:       tk.Priority,
		QualityScore:   quality,
		ProcessingTime: elapsed,
	}
	if st != nil {
		ev.SLAStatus = st.Status
	}
	for _, step := range res.PipelinePerformance {
		if !step.Success {
			ev.StepsFailed++
		}
	}
	if err := s.publisher.PublishTicketProcessed(ctx, ev); err != nil {
		log.Warn("failed to publish ticket event", zap.Error(err))
	}
}

func (s *Service) remember(n int, res *orchestrator.Result) {
	s.mu.Lock()
	s.results[n] = res
	s.mu.Unlock()
}

func outcomeLabel(err error) string {
	var reqErr *RequestError
	var valErr *ValidationError
	switch {
	case errors.As(err, &reqErr), errors.As(err, &valErr):
		return "rejected"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}

// Feedback feeds caller feedback on the last run for ticket n into the
// pipeline's learning.
func (s *Service) Feedback(ctx context.Context, n int, fb agent.Feedback) error {
	s.mu.Lock()
	res, ok := s.results[n]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNoResult, n)
	}
	ctx = logging.WithTicketNumber(ctx, n)
	if err := s.orch.Learn(ctx, res, &fb); err != nil {
		return fmt.Errorf("learn from feedback: %w", err)
	}
	logging.ZapFromContext(ctx, s.logger).Info("feedback recorded",
		zap.Bool("success", fb.Success), zap.String("run_id", res.RunID))
	return nil
}

// Tickets lists recent tickets. limit may be any JSON-ish value.
func (s *Service) Tickets(ctx context.Context, limit any) ([]ticket.Ticket, error) {
	l, verr := validation.ValidateLimit(limit)
	if verr != nil {
		return nil, &RequestError{verr}
	}
	tickets, err := s.source.List(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, nil
}

// Ticket fetches one ticket.
func (s *Service) Ticket(ctx context.Context, number any) (ticket.Ticket, error) {
	n, verr := validation.ValidateTicketNumber(number)
	if verr != nil {
		return ticket.Ticket{}, &RequestError{verr}
	}
	tk, err := s.source.Get(ctx, n)
	if errors.Is(err, source.ErrNotFound) {
		return ticket.Ticket{}, fmt.Errorf("%w: #%d", ErrNotFound, n)
	}
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("fetch ticket #%d: %w", n, err)
	}
	return tk, nil
}

// Health reports component and agent health.
type Health struct {
	Status      string                    `json:"status"`
	Timestamp   time.Time                 `json:"timestamp"`
	Components  map[string]bool           `json:"components"`
	AgentHealth orchestrator.HealthReport `json:"agent_health"`
	Version     string                    `json:"version"`
}

// Health checks every component. Status is "healthy" only when all of
// them are.
func (s *Service) Health(ctx context.Context) Health {
	agents := s.orch.HealthCheckAll(ctx)
	components := map[string]bool{
		"ticket_source":   true,
		"summarizer":      true,
		"responder":       true,
		"llm_provider":    s.llmConfigured,
		"sla_tracker":     true,
		"session_manager": true,
		"ticket_agent":    agents.Overall,
	}
	if s.knowledge != nil {
		components["knowledge_base"] = s.knowledge.Ping(ctx) == nil
	}

	status := "healthy"
	for name, ok := range components {
		// The template fallback covers a missing provider.
		if !ok && name != "llm_provider" {
			status = "degraded"
		}
	}
	return Health{
		Status:      status,
		Timestamp:   s.now(),
		Components:  components,
		AgentHealth: agents,
		Version:     Version,
	}
}

// History returns processed tickets in insertion order.
func (s *Service) History() []session.Entry { return s.history.List() }

// SearchHistory matches q against ticket number, title and description.
func (s *Service) SearchHistory(q string) []session.Entry { return s.history.Search(q) }

// Statistics summarises the session.
func (s *Service) Statistics() session.Stats { return s.history.Stats() }

// ExportHistory writes the session history as JSON.
func (s *Service) ExportHistory(w io.Writer) error { return s.history.Export(w) }

// ClearHistory empties the session history and forgets pipeline results
// kept for feedback.
func (s *Service) ClearHistory() int {
	s.mu.Lock()
	s.results = make(map[int]*orchestrator.Result)
	s.mu.Unlock()
	return s.history.Clear()
}

// ValidationStatus is the validator state reported to operators.
type ValidationStatus struct {
	ProcessedTickets []int            `json:"processed_tickets"`
	Config           ValidationConfig `json:"validation_config"`
}

// ValidationConfig lists the active limits.
type ValidationConfig struct {
	MaxDescriptionLength int      `json:"max_description_length"`
	MaxTitleLength       int      `json:"max_title_length"`
	MaxCommentsCount     int      `json:"max_comments_count"`
	MaxLabelsCount       int      `json:"max_labels_count"`
	RequiredFields       []string `json:"required_fields"`
}

// ValidationStatus returns the processed tickets and active limits.
func (s *Service) ValidationStatus() ValidationStatus {
	st := s.validator.Status()
	return ValidationStatus{
		ProcessedTickets: st.ProcessedTickets,
		Config: ValidationConfig{
			MaxDescriptionLength: st.Limits.MaxDescriptionLength,
			MaxTitleLength:       st.Limits.MaxTitleLength,
			MaxCommentsCount:     st.Limits.MaxCommentsCount,
			MaxLabelsCount:       st.Limits.MaxLabelsCount,
			RequiredFields:       append([]string(nil), validation.RequiredFields...),
		},
	}
}

// ClearProcessed forgets which tickets were processed.
func (s *Service) ClearProcessed() int { return s.validator.ClearProcessed() }

// AgentStatus reports the pipeline's agents.
func (s *Service) AgentStatus(ctx context.Context) orchestrator.StatusReport {
	return s.orch.AgentStatus(ctx)
}

// AgentHealth checks every agent.
func (s *Service) AgentHealth(ctx context.Context) orchestrator.HealthReport {
	return s.orch.HealthCheckAll(ctx)
}

// Optimize suggests pipeline changes from recorded step performance.
func (s *Service) Optimize() orchestrator.Optimization { return s.orch.OptimizePipeline() }

// ErrNoKnowledge is returned by knowledge operations when no store is
// configured.
var ErrNoKnowledge = errors.New("knowledge base not configured")

// KnowledgeStats reports knowledge base counts.
func (s *Service) KnowledgeStats(ctx context.Context) (knowledge.Stats, error) {
	if s.knowledge == nil {
		return knowledge.Stats{}, ErrNoKnowledge
	}
	return s.knowledge.Stats(ctx)
}

// ExportKnowledge writes the knowledge base to a timestamped JSON file in
// the export directory and returns its path.
func (s *Service) ExportKnowledge(ctx context.Context) (string, error) {
	if s.knowledge == nil {
		return "", ErrNoKnowledge
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("knowledge_export_%d.json", s.now().Unix()))
	if err := s.knowledge.Export(ctx, path); err != nil {
		return "", fmt.Errorf("export knowledge: %w", err)
	}
	s.logger.Info("knowledge exported", zap.String("path", path))
	return path, nil
}

// CleanupKnowledge deletes knowledge older than the configured retention.
func (s *Service) CleanupKnowledge(ctx context.Context) (knowledge.CleanupResult, int, error) {
	if s.knowledge == nil {
		return knowledge.CleanupResult{}, 0, ErrNoKnowledge
	}
	res, err := s.knowledge.Cleanup(ctx, s.cleanupDays)
	if err != nil {
		return knowledge.CleanupResult{}, 0, fmt.Errorf("cleanup knowledge: %w", err)
	}
	return res, s.cleanupDays, nil
}
