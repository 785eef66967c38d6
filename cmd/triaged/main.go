// Triaged is the ticket triage daemon.
//
// It reads tickets from a GitHub repository, runs them through the
// learning and response enhancement pipeline, drafts replies with the
// configured language model and serves the results over HTTP.
//
// Configuration is loaded from ~/.config/triage/config.yaml (or -config)
// and environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	triaged
//
//	# Override settings via environment
//	GITHUB_REPO=acme/support SERVER_HTTP_PORT=9000 triaged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	otelglobal "go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triage/internal/config"
	"github.com/fyrsmithlabs/triage/internal/events"
	httpserver "github.com/fyrsmithlabs/triage/internal/http"
	"github.com/fyrsmithlabs/triage/internal/knowledge"
	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/logging"
	"github.com/fyrsmithlabs/triage/internal/metrics"
	"github.com/fyrsmithlabs/triage/internal/secrets"
	"github.com/fyrsmithlabs/triage/internal/session"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/source"
	"github.com/fyrsmithlabs/triage/internal/telemetry"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/triage"
	"github.com/fyrsmithlabs/triage/internal/validation"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/triage/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  triaged           Start the triage daemon\n")
			fmt.Fprintf(os.Stderr, "  triaged version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("triaged: %v", err)
	}
}

// run loads configuration, wires every component and serves until ctx is
// cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lg, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	logger := lg.Underlying()

	logger.Info("starting triaged",
		zap.String("version", version),
		zap.String("repo", cfg.GitHub.Repo),
		zap.String("addr", cfg.Server.Addr()))

	tel, err := telemetry.New(ctx, telemetryConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	svc, err := initService(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(svc, logger, &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
		RateLimit: httpserver.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("triaged stopped")
	return nil
}

// initLogger maps the user-facing logging section onto the logging
// package's full configuration.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.ServiceName = cfg.Observability.ServiceName
	lc.Output.OTEL = cfg.Logging.OTEL
	return logging.NewLogger(lc, otelglobal.GetLoggerProvider())
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.Endpoint = cfg.Observability.Endpoint
	tc.Protocol = cfg.Observability.Protocol
	tc.Insecure = cfg.Observability.Insecure
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.Sampling.Rate = cfg.Observability.SampleRate
	tc.Metrics.ExportInterval = cfg.Observability.MetricsInterval
	tc.Shutdown.Timeout = cfg.Server.ShutdownTimeout
	return tc
}

// dependencies holds the components that own external resources.
type dependencies struct {
	store     *knowledge.Store
	natsConn  *nats.Conn
	publisher *events.Publisher
	metrics   *metrics.Metrics
	pipeline  *pipeline
	logger    *zap.Logger
}

// Close saves learned patterns and releases the knowledge base and the
// NATS connection.
func (d *dependencies) Close() {
	if d.pipeline != nil {
		if err := d.pipeline.save(); err != nil {
			d.logger.Warn("failed to save learned patterns", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			d.logger.Warn("failed to drain NATS connection", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close knowledge base", zap.Error(err))
		}
	}
}

// initDependencies opens the knowledge base and, when enabled, connects
// to NATS.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{metrics: metrics.New(), logger: logger}

	store, err := knowledge.Open(ctx, cfg.Knowledge.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	deps.store = store
	logger.Info("knowledge base opened", zap.String("path", cfg.Knowledge.Path))

	if cfg.NATS.Enabled {
		nc, err := events.Connect(events.Config{
			Enabled: true,
			URL:     cfg.NATS.URL,
			Prefix:  cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		deps.natsConn = nc
		deps.publisher = events.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
		logger.Info("NATS connected", zap.String("url", cfg.NATS.URL))
	}

	return deps, nil
}

// initService builds the agent pipeline, the language model helpers and
// the ticket source, and assembles the triage service.
func initService(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*triage.Service, error) {
	pipe, err := newPipeline(cfg, deps.store, deps.metrics, logger)
	if err != nil {
		return nil, err
	}
	if err := pipe.load(); err != nil {
		logger.Warn("failed to restore learned patterns, starting empty", zap.Error(err))
	}
	deps.pipeline = pipe

	scrubber, err := secrets.New(secrets.Config{
		Enabled:       cfg.Secrets.Enabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	completer, err := initCompleter(cfg, deps.metrics, logger)
	if err != nil {
		return nil, err
	}

	notifiers := []sla.Notifier{sla.NewLogNotifier(logger)}
	var publisher triage.Publisher
	if deps.publisher != nil {
		notifiers = append(notifiers, deps.publisher)
		publisher = deps.publisher
	}
	tracker := sla.New(logger,
		sla.WithThresholds(sla.Thresholds{
			ticket.PriorityP1: cfg.SLA.P1Hours,
			ticket.PriorityP2: cfg.SLA.P2Hours,
			ticket.PriorityP3: cfg.SLA.P3Hours,
			ticket.PriorityP4: cfg.SLA.P4Hours,
		}),
		sla.WithNotifiers(notifiers...),
		sla.WithMetrics(deps.metrics))

	validator := validation.New(logger, validation.WithLimits(validation.Limits{
		MaxDescriptionLength: cfg.Validation.MaxDescriptionLength,
		MaxTitleLength:       cfg.Validation.MaxTitleLength,
		MaxCommentsCount:     cfg.Validation.MaxCommentsCount,
		MaxLabelsCount:       cfg.Validation.MaxLabelsCount,
	}))

	src, err := source.NewGitHub(ctx, source.Config{
		Repo:    cfg.GitHub.Repo,
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.BaseURL,
		State:   cfg.GitHub.State,
		Retry: source.RetryConfig{
			MaxRetries:     cfg.GitHub.MaxRetries,
			InitialBackoff: cfg.GitHub.InitialBackoff.Duration(),
			MaxBackoff:     cfg.GitHub.MaxBackoff.Duration(),
		},
	}, validator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket source: %w", err)
	}

	svc, err := triage.New(triage.Options{
		Source:        src,
		Validator:     validator,
		Orchestrator:  pipe.orch,
		SLA:           tracker,
		Summarizer:    llm.NewSummarizer(completer, scrubber, logger),
		Responder:     llm.NewResponder(completer, scrubber, logger),
		History:       session.New(logger),
		Knowledge:     deps.store,
		Publisher:     publisher,
		Metrics:       deps.metrics,
		Logger:        logger,
		ExportDir:     cfg.Knowledge.ExportDir,
		CleanupDays:   cfg.Knowledge.CleanupDays,
		LLMConfigured: completer != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create triage service: %w", err)
	}
	return svc, nil
}

// initCompleter returns nil when no provider is configured; summaries and
// replies then come from templates.
func initCompleter(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (llm.Completer, error) {
	limited, err := llm.New(llm.Config{
		Provider:          cfg.LLM.Provider,
		AnthropicAPIKey:   cfg.LLM.AnthropicAPIKey.Value(),
		OpenAIAPIKey:      cfg.LLM.OpenAIAPIKey.Value(),
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout.Duration(),
		MaxRetries:        cfg.LLM.MaxRetries,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Burst:             cfg.LLM.Burst,
		MaxConcurrent:     cfg.LLM.MaxConcurrent,
	}, []llm.LimitOption{llm.WithMetrics(m)}, logger)
	if errors.Is(err, llm.ErrNoProvider) {
		logger.Warn("no language model provider configured, using template responses")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}
	return limited, nil
}

func printVersion() {
	fmt.Printf("triaged %s\n", version)
	fmt.Printf("  Git commit: %s\n", gitCommit)
	fmt.Printf("  Build date: %s\n", buildDate)
}
