package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metrics counts processed requests for one agent.
type Metrics struct {
	RequestsProcessed   int     `json:"requests_processed"`
	SuccessfulResponses int     `json:"successful_responses"`
	FailedResponses     int     `json:"failed_responses"`
	AverageResponseTime float64 `json:"average_response_time"`
	TotalResponseTime   float64 `json:"total_response_time"`
}

// Status is the health and performance view of an agent.
type Status struct {
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
	Metrics       Metrics   `json:"metrics"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// Base carries identity, activation state and request metrics. Agents
// embed it.
type Base struct {
	id        string
	agentType string
	logger    *zap.Logger
	createdAt time.Time

	mu         sync.RWMutex
	active     bool
	lastActive time.Time
	metrics    Metrics
}

// NewBase returns an active Base.
func NewBase(id, agentType string, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	return &Base{
		id:         id,
		agentType:  agentType,
		logger:     logger.With(zap.String("agent_id", id)),
		createdAt:  now,
		lastActive: now,
		active:     true,
	}
}

// ID returns the agent id.
func (b *Base) ID() string { return b.id }

// Type returns the agent type.
func (b *Base) Type() string { return b.agentType }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// IsActive reports whether the agent accepts work.
func (b *Base) IsActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Activate enables the agent.
func (b *Base) Activate() {
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
	b.logger.Info("agent activated")
}

// Deactivate disables the agent. The orchestrator skips inactive stages.
func (b *Base) Deactivate() {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()
	b.logger.Info("agent deactivated")
}

// Track records one request that began at start and ended with err.
func (b *Base) Track(start time.Time, err error) {
	elapsed := time.Since(start).Seconds()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.RequestsProcessed++
	b.metrics.TotalResponseTime += elapsed
	if err == nil {
		b.metrics.SuccessfulResponses++
	} else {
		b.metrics.FailedResponses++
	}
	b.metrics.AverageResponseTime = b.metrics.TotalResponseTime / float64(b.metrics.RequestsProcessed)
	b.lastActive = time.Now().UTC()
}

// Metrics returns a copy of the request metrics.
func (b *Base) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// ResetMetrics zeroes the request metrics.
func (b *Base) ResetMetrics() {
	b.mu.Lock()
	b.metrics = Metrics{}
	b.mu.Unlock()
	b.logger.Info("agent metrics reset")
}

// HealthCheck fails when the agent is inactive or ctx is done.
func (b *Base) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.IsActive() {
		return fmt.Errorf("%s: %w", b.id, ErrInactive)
	}
	return nil
}

// Status returns the health and performance view.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		AgentID:       b.id,
		AgentType:     b.agentType,
		IsActive:      b.active,
		CreatedAt:     b.createdAt,
		LastActive:    b.lastActive,
		Metrics:       b.metrics,
		UptimeSeconds: time.Since(b.createdAt).Seconds(),
	}
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("%s(%s)", b.agentType, b.id)
}
