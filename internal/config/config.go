// Package config loads triaged configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// environment variables, each layer overriding the one before. Sections
// are decoded into plain structs here; the command wiring maps them onto
// the option types of the packages that consume them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete triaged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	GitHub        GitHubConfig        `koanf:"github"`
	LLM           LLMConfig           `koanf:"llm"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge"`
	Learning      LearningConfig      `koanf:"learning"`
	Enhancer      EnhancerConfig      `koanf:"enhancer"`
	SLA           SLAConfig           `koanf:"sla"`
	Validation    ValidationConfig    `koanf:"validation"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GitHubConfig selects the repository tickets are read from.
type GitHubConfig struct {
	Token          Secret   `koanf:"token"`
	Repo           string   `koanf:"repo"`
	BaseURL        string   `koanf:"base_url"`
	State          string   `koanf:"state"`
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	Provider          string   `koanf:"provider"`
	AnthropicAPIKey   Secret   `koanf:"anthropic_api_key"`
	OpenAIAPIKey      Secret   `koanf:"openai_api_key"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	MaxTokens         int      `koanf:"max_tokens"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
	Burst             int      `koanf:"burst"`
	MaxConcurrent     int      `koanf:"max_concurrent"`
}

// KnowledgeConfig locates the SQLite knowledge base.
type KnowledgeConfig struct {
	Path        string `koanf:"path"`
	ExportDir   string `koanf:"export_dir"`
	CleanupDays int    `koanf:"cleanup_days"`
}

// LearningConfig tunes the learning agent.
type LearningConfig struct {
	Threshold float64  `koanf:"threshold"`
	Retention Duration `koanf:"retention"`
	// StateDir holds the learned patterns across restarts. Empty keeps
	// them in memory only.
	StateDir string `koanf:"state_dir"`
}

// EnhancerConfig tunes the response enhancer.
type EnhancerConfig struct {
	SelfLearning bool `koanf:"self_learning"`
}

// SLAConfig holds resolution thresholds in hours per priority.
type SLAConfig struct {
	P1Hours float64 `koanf:"p1_hours"`
	P2Hours float64 `koanf:"p2_hours"`
	P3Hours float64 `koanf:"p3_hours"`
	P4Hours float64 `koanf:"p4_hours"`
}

// ValidationConfig bounds accepted ticket payloads.
type ValidationConfig struct {
	MaxDescriptionLength int `koanf:"max_description_length"`
	MaxTitleLength       int `koanf:"max_title_length"`
	MaxCommentsCount     int `koanf:"max_comments_count"`
	MaxLabelsCount       int `koanf:"max_labels_count"`
}

// NATSConfig controls event publishing.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// RateLimitConfig bounds API requests per client IP.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// SecretsConfig controls scrubbing of ticket text before it reaches an
// LLM provider.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".config", "triage")
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
		},
		GitHub: GitHubConfig{
			State:          "open",
			MaxRetries:     3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			MaxTokens:         1024,
			Timeout:           Duration(30 * time.Second),
			MaxRetries:        2,
			RequestsPerMinute: 50,
			Burst:             5,
			MaxConcurrent:     4,
		},
		Knowledge: KnowledgeConfig{
			Path:        filepath.Join(dataDir, "knowledge.db"),
			ExportDir:   dataDir,
			CleanupDays: 30,
		},
		Learning: LearningConfig{
			Threshold: 0.7,
			Retention: Duration(30 * 24 * time.Hour),
			StateDir:  dataDir,
		},
		SLA: SLAConfig{P1Hours: 2, P2Hours: 4, P3Hours: 24, P4Hours: 48},
		Validation: ValidationConfig{
			MaxDescriptionLength: 10000,
			MaxTitleLength:       200,
			MaxCommentsCount:     1000,
			MaxLabelsCount:       20,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "triage",
		},
		Observability: ObservabilityConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "triage",
			SampleRate:      1.0,
			MetricsInterval: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Secrets: SecretsConfig{Enabled: true},
	}
}

var (
	validProviders = []string{"", "anthropic", "openai", "none"}
	validLevels    = []string{"trace", "debug", "info", "warn", "error"}
)

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if owner, name, ok := strings.Cut(c.GitHub.Repo, "/"); !ok || owner == "" || name == "" {
		errs = append(errs, fmt.Errorf("github.repo must be owner/name, got %q", c.GitHub.Repo))
	}
	if c.GitHub.MaxRetries < 0 {
		errs = append(errs, errors.New("github.max_retries must be >= 0"))
	}
	if !oneOf(c.LLM.Provider, validProviders) {
		errs = append(errs, fmt.Errorf("llm.provider must be one of anthropic, openai, none; got %q", c.LLM.Provider))
	}
	if c.LLM.RequestsPerMinute < 0 || c.LLM.MaxConcurrent < 0 {
		errs = append(errs, errors.New("llm rate limits must be >= 0"))
	}
	if c.Knowledge.Path == "" {
		errs = append(errs, errors.New("knowledge.path is required"))
	}
	if c.Knowledge.CleanupDays < 1 {
		errs = append(errs, errors.New("knowledge.cleanup_days must be >= 1"))
	}
	if c.Learning.Threshold < 0 || c.Learning.Threshold > 1 {
		errs = append(errs, fmt.Errorf("learning.threshold must be between 0 and 1, got %g", c.Learning.Threshold))
	}
	for p, h := range map[string]float64{"p1": c.SLA.P1Hours, "p2": c.SLA.P2Hours, "p3": c.SLA.P3Hours, "p4": c.SLA.P4Hours} {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("sla.%s_hours must be positive", p))
		}
	}
	if c.Validation.MaxTitleLength < 1 || c.Validation.MaxDescriptionLength < 1 {
		errs = append(errs, errors.New("validation limits must be positive"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("observability.service_name required when telemetry is enabled"))
	}
	if !oneOf(strings.ToLower(c.Logging.Level), validLevels) {
		errs = append(errs, fmt.Errorf("logging.level must be one of %v, got %q", validLevels, c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("ratelimit.requests_per_second and burst must be positive when enabled"))
	}

	return errors.Join(errs...)
}

func oneOf(s string, list []string) bool {
	for _, v := range list {
		if s == v {
			return true
		}
	}
	return false
}
