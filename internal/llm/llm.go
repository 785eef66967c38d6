// Package llm drafts ticket summaries and replies with a language model,
// falling back to fixed templates whenever no model is configured or a
// call fails.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// Defaults.
const (
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultMaxTokens      = 1000
	DefaultTimeout        = 60 * time.Second
	DefaultRequestsPerMin = 50
	DefaultBurst          = 5
	DefaultMaxConcurrent  = 4
)

var (
	// ErrNoProvider is returned by New when no API key is configured.
	ErrNoProvider = errors.New("llm: no provider configured")

	// ErrEmptyCompletion is returned when a model answers with no text.
	ErrEmptyCompletion = errors.New("llm: empty completion")
)

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// Scrubber removes secrets from text before it is sent to a provider.
type Scrubber interface {
	Scrub(content string) string
}

// Config selects and tunes a provider.
type Config struct {
	Provider          string        `koanf:"provider"` // anthropic, openai, none or empty for auto
	AnthropicAPIKey   string        `koanf:"-"`
	OpenAIAPIKey      string        `koanf:"-"`
	Model             string        `koanf:"model"`
	BaseURL           string        `koanf:"base_url"`
	MaxTokens         int           `koanf:"max_tokens"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetries        int           `koanf:"max_retries"`
	RequestsPerMinute float64       `koanf:"requests_per_minute"`
	Burst             int           `koanf:"burst"`
	MaxConcurrent     int           `koanf:"max_concurrent"`
}

// ResolveProvider returns the provider cfg selects. An empty provider
// picks Anthropic when its key is set, then OpenAI.
func (c Config) ResolveProvider() string {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderNone:
		return c.Provider
	}
	switch {
	case c.AnthropicAPIKey != "":
		return ProviderAnthropic
	case c.OpenAIAPIKey != "":
		return ProviderOpenAI
	default:
		return ProviderNone
	}
}

// New builds the configured provider wrapped in rate and concurrency
// limits. It returns ErrNoProvider when nothing is configured; callers
// then run on templates alone.
func New(cfg Config, opts []LimitOption, logger *zap.Logger) (*Limited, error) {
	var (
		c   Completer
		err error
	)
	provider := cfg.ResolveProvider()
	switch provider {
	case ProviderAnthropic:
		c, err = NewAnthropic(cfg)
	case ProviderOpenAI:
		c, err = NewOpenAI(cfg)
	default:
		return nil, ErrNoProvider
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	return NewLimited(provider, c, cfg, logger, opts...), nil
}
