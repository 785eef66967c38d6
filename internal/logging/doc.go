// Package logging wraps zap for triaged.
//
// Every context-aware method adds the active trace and span IDs plus the
// ticket number, pipeline run ID and HTTP request ID found in the context:
//
//	ctx = logging.WithTicketNumber(ctx, 101)
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "pipeline finished", zap.Int("steps", 3))
//
// produces
//
//	{"level":"info","msg":"pipeline finished","service":"triage",
//	 "ticket_number":101,"run_id":"...","steps":3}
//
// Packages that take a plain *zap.Logger get the same fields through
// ZapFromContext.
//
// Stdout output is JSON or console encoded and passes through a
// RedactingEncoder that masks fields named like credentials and values
// that look like provider API keys or GitHub tokens. Levels below error
// are sampled per level; errors are never dropped. With OTEL output
// enabled, entries are also bridged to the OpenTelemetry log provider.
package logging
