package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "triage", cfg.ServiceName)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	require.NoError(t, cfg.Validate())

	cfg.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"missing service", func(c *Config) { c.ServiceName = "" }, "service_name"},
		{"missing version", func(c *Config) { c.ServiceVersion = "" }, "service_version"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "protocol must be"},
		{"insecure remote", func(c *Config) { c.Endpoint = "otel.example.com:4317" }, "insecure connections"},
		{"rate too high", func(c *Config) { c.Sampling.Rate = 1.5 }, "sampling.rate"},
		{"zero interval", func(c *Config) { c.Metrics.ExportInterval = 0 }, "export_interval"},
		{"zero shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("disabled skips checks", func(t *testing.T) {
		cfg := &Config{Sampling: SamplingConfig{Rate: 9}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("secure remote allowed", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = "https://otel.example.com:4318"
		cfg.Protocol = ProtocolHTTP
		cfg.Insecure = false
		assert.NoError(t, cfg.Validate())
	})
}

func TestIsLocalEndpoint(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"127.0.0.2":             true,
		"[::1]:4317":            true,
		"::1":                   true,
		"http://localhost:4318": true,
		"collector:4317":        false,
		"10.0.0.5:4317":         false,
	} {
		assert.Equal(t, want, isLocalEndpoint(endpoint), endpoint)
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("otel:4318"))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("triage"))
	assert.NotNil(t, tel.Meter("triage"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tel := NewTestTelemetry()
	ctx := context.Background()

	_, span := tel.Tracer("triage").Start(ctx, "triage.process_ticket")
	span.SetAttributes(attribute.Int("ticket.number", 101), attribute.String("ticket.priority", "P1"))
	span.End()

	tel.AssertSpanExists(t, "triage.process_ticket")
	tel.AssertSpanAttribute(t, "triage.process_ticket", "ticket.number", int64(101))
	tel.AssertSpanAttribute(t, "triage.process_ticket", "ticket.priority", "P1")
	assert.Nil(t, tel.SpanByName("missing"))

	counter, err := tel.Meter("triage").Int64Counter("triage.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "triage.test.count", rm.ScopeMetrics[0].Metrics[0].Name)
	assert.True(t, tel.IsEnabled())
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased")
}
