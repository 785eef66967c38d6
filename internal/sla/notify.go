package sla

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// LogNotifier writes breach alerts to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier logging at error level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, b Breach) error {
	n.logger.Error(AlertSubject(b), zap.String("alert", AlertBody(b)))
	return nil
}

// AlertSubject is the one-line headline for a breach.
func AlertSubject(b Breach) string {
	return fmt.Sprintf("SLA BREACH ALERT - Ticket #%d", b.TicketNumber)
}

// AlertBody is the plain-text alert for a breach.
func AlertBody(b Breach) string {
	var sb strings.Builder
	sb.WriteString("SLA BREACH ALERT\n\n")
	sb.WriteString("Ticket Details:\n")
	fmt.Fprintf(&sb, "- Ticket Number: %d\n", b.TicketNumber)
	fmt.Fprintf(&sb, "- Priority: %s\n", b.Priority)
	fmt.Fprintf(&sb, "- Elapsed Time: %.2f hours\n", b.ElapsedHours)
	fmt.Fprintf(&sb, "- SLA Threshold: %g hours\n", b.ThresholdHours)
	fmt.Fprintf(&sb, "- Breach Time: %s\n\n", b.BreachTime.Format("2006-01-02T15:04:05Z07:00"))
	sb.WriteString("Action Required:\n")
	sb.WriteString("This ticket has exceeded its SLA threshold. Please review and take appropriate action.\n")
	return sb.String()
}
