package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/triage/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limited paces calls to a Completer: a token bucket bounds the request
// rate, a semaphore bounds calls in flight and each call gets a timeout.
type Limited struct {
	provider string
	next     Completer
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// LimitOption configures a Limited.
type LimitOption func(*Limited)

// WithMetrics counts requests per provider.
func WithMetrics(m *metrics.Metrics) LimitOption {
	return func(l *Limited) { l.metrics = m }
}

// NewLimited wraps next. Zero values in cfg take the package defaults.
func NewLimited(provider string, next Completer, cfg Config, logger *zap.Logger, opts ...LimitOption) *Limited {
	if logger == nil {
		logger = zap.NewNop()
	}
	perMin := cfg.RequestsPerMinute
	if perMin <= 0 {
		perMin = DefaultRequestsPerMin
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	conc := cfg.MaxConcurrent
	if conc <= 0 {
		conc = DefaultMaxConcurrent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l := &Limited{
		provider: provider,
		next:     next,
		limiter:  rate.NewLimiter(rate.Limit(perMin/60), burst),
		sem:      semaphore.NewWeighted(int64(conc)),
		timeout:  timeout,
		logger:   logger.With(zap.String("provider", provider)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Provider returns the wrapped provider's name.
func (l *Limited) Provider() string { return l.provider }

// Complete implements Completer.
func (l *Limited) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire slot: %w", err)
	}
	defer l.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	out, err := l.next.Complete(ctx, prompt, temperature)
	l.metrics.LLMRequest(l.provider, err)
	if err != nil {
		l.logger.Warn("completion failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return "", err
	}
	l.logger.Debug("completion done",
		zap.Duration("took", time.Since(start)),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("completion_chars", len(out)))
	return out, nil
}
