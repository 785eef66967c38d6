package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

const responseTemperature = 0.7

var defaultNextSteps = []string{
	"Our team will investigate the issue",
	"We will provide updates as we progress",
	"You will be notified of any significant developments",
}

// Responder drafts the reply sent to the ticket reporter.
type Responder struct {
	completer Completer
	scrubber  Scrubber
	logger    *zap.Logger
}

// NewResponder creates a Responder. A nil completer always yields the
// template reply.
func NewResponder(c Completer, s Scrubber, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{completer: c, scrubber: s, logger: logger}
}

// Respond never fails; on any problem it returns FallbackResponse.
func (r *Responder) Respond(ctx context.Context, t ticket.Ticket, sum Summary) string {
	if r.completer == nil {
		return FallbackResponse(t, sum)
	}
	text, err := r.completer.Complete(ctx, r.prompt(t, sum), responseTemperature)
	if err != nil || strings.TrimSpace(text) == "" {
		r.logger.Warn("reply draft unavailable, using template", zap.Int("ticket_number", t.Number), zap.Error(err))
		return FallbackResponse(t, sum)
	}
	return strings.TrimSpace(text)
}

func (r *Responder) prompt(t ticket.Ticket, sum Summary) string {
	summary := sum.Summary
	if summary == "" {
		summary = "Issue logged for investigation"
	}
	eta := sum.ETA
	if eta == "" {
		eta = "24-48 hours"
	}
	var sb strings.Builder
	sb.WriteString("You are a professional IT support representative. Write clear, helpful responses.\n\n")
	sb.WriteString("Generate a professional yet friendly response for this IT support ticket.\n\n")
	fmt.Fprintf(&sb, "Ticket: %d - %s\n", t.Number, scrub(r.scrubber, t.Title))
	fmt.Fprintf(&sb, "Priority: %s\n\n", t.Priority)
	fmt.Fprintf(&sb, "Summary: %s\n", scrub(r.scrubber, summary))
	fmt.Fprintf(&sb, "Next Steps: %s\n", strings.Join(sum.NextSteps, ", "))
	fmt.Fprintf(&sb, "ETA: %s\n\n", eta)
	sb.WriteString(`Requirements:
- Professional yet friendly tone
- Acknowledge the issue
- Provide clear next steps
- Include ETA if available
- Keep it concise (2-3 paragraphs max)
- End with a professional closing

Format as a complete email response.`)
	return sb.String()
}

// FallbackResponse is the template reply.
func FallbackResponse(t ticket.Ticket, sum Summary) string {
	number := "N/A"
	if t.Number > 0 {
		number = fmt.Sprint(t.Number)
	}
	summary := sum.Summary
	if summary == "" {
		summary = "Your issue has been documented and is under investigation."
	}
	steps := []string(sum.NextSteps)
	if len(steps) == 0 {
		steps = defaultNextSteps
	}
	eta := sum.ETA
	if eta == "" {
		eta = "24-48 hours"
	}

	var sb strings.Builder
	sb.WriteString("Dear User,\n\n")
	fmt.Fprintf(&sb, "Thank you for reporting this issue (Ticket #%s). We have successfully logged your request and our technical team has been notified.\n\n", number)
	fmt.Fprintf(&sb, "Issue Summary:\n%s\n\n", summary)
	fmt.Fprintf(&sb, "Next Steps:\n%s\n\n", strings.Join(steps, ", "))
	fmt.Fprintf(&sb, "Estimated Resolution Time: %s\n\n", eta)
	sb.WriteString("We appreciate your patience and will keep you updated on our progress. ")
	sb.WriteString("If you have any additional information that might help us resolve this issue faster, please don't hesitate to reply to this ticket.\n\n")
	sb.WriteString("Best regards,\nIT Support Team")
	return sb.String()
}
