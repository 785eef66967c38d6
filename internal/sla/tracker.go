// Package sla tracks elapsed time against priority-indexed response
// thresholds and raises alerts on breach.
package sla

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/triage/internal/metrics"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

// Status values.
const (
	StatusBreached  = "breached"
	StatusWithinSLA = "within_sla"
)

// Breach risk levels.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

const (
	highRiskFraction   = 0.9
	mediumRiskFraction = 0.5
)

// Thresholds maps a priority to its SLA in hours.
type Thresholds map[ticket.Priority]float64

// DefaultThresholds returns P1 2h, P2 4h, P3 24h, P4 48h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ticket.PriorityP1: 2,
		ticket.PriorityP2: 4,
		ticket.PriorityP3: 24,
		ticket.PriorityP4: 48,
	}
}

// Hours returns the threshold for p. Unknown priorities use P3.
func (th Thresholds) Hours(p string) float64 {
	if h, ok := th[ticket.Priority(p)]; ok {
		return h
	}
	if h, ok := th[ticket.PriorityP3]; ok {
		return h
	}
	return 24
}

// Breach describes a ticket past its SLA.
type Breach struct {
	TicketNumber   int       `json:"ticket_number"`
	Priority       string    `json:"priority"`
	ElapsedHours   float64   `json:"elapsed_hours"`
	ThresholdHours float64   `json:"threshold_hours"`
	BreachTime     time.Time `json:"breach_time"`
}

// Status is the SLA view of a ticket at one instant.
type Status struct {
	TicketNumber   int     `json:"ticket_number"`
	Priority       string  `json:"priority"`
	ElapsedHours   float64 `json:"elapsed_hours"`
	ThresholdHours float64 `json:"threshold_hours"`
	RemainingHours float64 `json:"remaining_hours"`
	Status         string  `json:"status"`
	BreachRisk     string  `json:"breach_risk"`
}

// Breached reports whether the status is past the threshold.
func (s Status) Breached() bool { return s.Status == StatusBreached }

// TicketStatus converts s to the form attached to a ticket.
func (s Status) TicketStatus() *ticket.SLAStatus {
	return &ticket.SLAStatus{
		Status:        s.Status,
		BreachRisk:    s.BreachRisk,
		TimeRemaining: s.RemainingHours,
	}
}

// Notifier delivers breach alerts.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, b Breach) error
}

// Tracker evaluates tickets against thresholds.
type Tracker struct {
	thresholds Thresholds
	notifiers  []Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThresholds replaces the default thresholds.
func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) { t.thresholds = th }
}

// WithNotifiers adds alert channels.
func WithNotifiers(n ...Notifier) Option {
	return func(t *Tracker) { t.notifiers = append(t.notifiers, n...) }
}

// WithMetrics enables breach counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a Tracker.
func New(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		thresholds: DefaultThresholds(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Thresholds returns the configured thresholds.
func (t *Tracker) Thresholds() Thresholds {
	out := make(Thresholds, len(t.thresholds))
	for k, v := range t.thresholds {
		out[k] = v
	}
	return out
}

func (t *Tracker) elapsed(tk ticket.Ticket, now time.Time) (float64, float64, error) {
	created, err := tk.Created()
	if err != nil {
		return 0, 0, fmt.Errorf("ticket #%d: %w", tk.Number, err)
	}
	return now.Sub(created).Hours(), t.thresholds.Hours(priorityOf(tk)), nil
}

// Check returns breach details when tk is past its threshold at now, or
// nil when it is not.
func (t *Tracker) Check(tk ticket.Ticket, now time.Time) (*Breach, error) {
	elapsed, threshold, err := t.elapsed(tk, now)
	if err != nil {
		return nil, err
	}
	if elapsed <= threshold {
		return nil, nil
	}
	return &Breach{
		TicketNumber:   tk.Number,
		Priority:       priorityOf(tk),
		ElapsedHours:   round2(elapsed),
		ThresholdHours: threshold,
		BreachTime:     now.UTC(),
	}, nil
}

// Status returns the SLA view of tk at now.
func (t *Tracker) Status(tk ticket.Ticket, now time.Time) (Status, error) {
	elapsed, threshold, err := t.elapsed(tk, now)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TicketNumber:   tk.Number,
		Priority:       priorityOf(tk),
		ElapsedHours:   round2(elapsed),
		ThresholdHours: threshold,
		RemainingHours: round2(math.Max(0, threshold-elapsed)),
		Status:         StatusWithinSLA,
	}
	if elapsed > threshold {
		st.Status = StatusBreached
	}
	st.BreachRisk = breachRisk(elapsed, threshold)
	return st, nil
}

func breachRisk(elapsed, threshold float64) string {
	if threshold <= 0 || elapsed > threshold {
		return RiskHigh
	}
	switch frac := elapsed / threshold; {
	case frac >= highRiskFraction:
		return RiskHigh
	case frac >= mediumRiskFraction:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Alert sends b to every notifier. Every notifier is attempted; failures
// are joined.
func (t *Tracker) Alert(ctx context.Context, b Breach) error {
	t.metrics.SLABreach(b.Priority)
	t.logger.Warn("SLA breached",
		zap.Int("ticket_number", b.TicketNumber),
		zap.String("priority", b.Priority),
		zap.Float64("elapsed_hours", b.ElapsedHours),
		zap.Float64("threshold_hours", b.ThresholdHours))

	var errs []error
	for _, n := range t.notifiers {
		if err := n.Notify(ctx, b); err != nil {
			t.logger.Error("SLA alert delivery failed", zap.String("notifier", n.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func priorityOf(tk ticket.Ticket) string {
	if tk.Priority == "" {
		return string(ticket.PriorityP3)
	}
	return tk.Priority
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
