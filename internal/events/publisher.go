// Package events publishes triage events on NATS.
//
// Subjects:
//
//	{prefix}.ticket.processed
//	{prefix}.sla.breached
//
// Payloads are JSON envelopes {type, timestamp, data}.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "triage"

// Event types.
const (
	TypeTicketProcessed = "ticket.processed"
	TypeSLABreached     = "sla.breached"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TicketProcessed is published after a ticket has been through the
// pipeline.
type TicketProcessed struct {
	TicketNumber   int      `json:"ticket_number"`
	RunID          string   `json:"run_id"`
	Priority       string   `json:"priority"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	SLAStatus      string   `json:"sla_status,omitempty"`
	ProcessingTime float64  `json:"processing_time"`
	StepsFailed    int      `json:"steps_failed"`
}

// Config configures the NATS connection.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"subject_prefix"`
}

// Connect dials NATS with reconnects enabled.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("triaged"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Publisher publishes events. A Publisher without a connection drops
// events silently, so callers need not check whether NATS is configured.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher on nc, which may be nil.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger, now: time.Now}
}

// Enabled reports whether events are actually sent.
func (p *Publisher) Enabled() bool { return p != nil && p.nc != nil }

// Subject returns the full subject for an event type.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// PublishTicketProcessed publishes a ticket.processed event.
func (p *Publisher) PublishTicketProcessed(ctx context.Context, ev TicketProcessed) error {
	return p.publish(ctx, TypeTicketProcessed, ev)
}

// Name implements sla.Notifier.
func (p *Publisher) Name() string { return "nats" }

// Notify implements sla.Notifier by publishing sla.breached.
func (p *Publisher) Notify(ctx context.Context, b sla.Breach) error {
	return p.publish(ctx, TypeSLABreached, b)
}

func (p *Publisher) publish(ctx context.Context, eventType string, payload any) error {
	if !p.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	env, err := json.Marshal(Envelope{Type: eventType, Timestamp: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := p.Subject(eventType)
	if err := p.nc.Publish(subject, env); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

var _ sla.Notifier = (*Publisher)(nil)
