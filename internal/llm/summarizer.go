package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

const summaryTemperature = 0.3

// Summary is a model's analysis of a ticket.
type Summary struct {
	Summary            string     `json:"summary"`
	RootCause          string     `json:"root_cause"`
	NextSteps          StringList `json:"next_steps"`
	ETA                string     `json:"eta"`
	PriorityAssessment string     `json:"priority_assessment"`
	Fallback           bool       `json:"fallback,omitempty"`
}

// StringList decodes from either a JSON array of strings or one string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("next_steps: want string or list: %w", err)
	}
	*s = StringList{one}
	return nil
}

// FallbackSummary is used when no model is available or its answer cannot
// be parsed.
func FallbackSummary(t ticket.Ticket) Summary {
	title := t.Title
	if title == "" {
		title = "Technical issue"
	}
	return Summary{
		Summary:   "Issue logged: " + title,
		RootCause: "Requires investigation",
		NextSteps: StringList{
			"Review ticket details",
			"Contact user if additional information needed",
			"Update ticket status",
			"Assign to appropriate team member",
		},
		ETA:                "24-48 hours",
		PriorityAssessment: "Review required",
		Fallback:           true,
	}
}

// Summarizer asks a model for a structured ticket summary.
type Summarizer struct {
	completer Completer
	scrubber  Scrubber
	logger    *zap.Logger
}

// NewSummarizer creates a Summarizer. A nil completer always yields the
// fallback summary; a nil scrubber sends text as is.
func NewSummarizer(c Completer, s Scrubber, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{completer: c, scrubber: s, logger: logger}
}

// Summarize never fails; on any problem it returns FallbackSummary.
func (s *Summarizer) Summarize(ctx context.Context, t ticket.Ticket) Summary {
	if s.completer == nil {
		return FallbackSummary(t)
	}
	text, err := s.completer.Complete(ctx, s.prompt(t), summaryTemperature)
	if err != nil {
		s.logger.Warn("ticket summary unavailable, using fallback", zap.Int("ticket_number", t.Number), zap.Error(err))
		return FallbackSummary(t)
	}
	sum, err := ParseSummary(text)
	if err != nil {
		s.logger.Warn("unparseable ticket summary, using fallback", zap.Int("ticket_number", t.Number), zap.Error(err))
		return FallbackSummary(t)
	}
	return sum
}

func (s *Summarizer) prompt(t ticket.Ticket) string {
	desc := t.Description
	if desc == "" {
		desc = "No description provided"
	}
	var sb strings.Builder
	sb.WriteString("You are a helpful IT support analyst. Provide clear, actionable insights.\n\n")
	sb.WriteString("Please analyze this IT support ticket and provide a concise summary with next steps.\n\n")
	sb.WriteString("Ticket Details:\n")
	fmt.Fprintf(&sb, "- Number: %d\n", t.Number)
	fmt.Fprintf(&sb, "- Title: %s\n", scrub(s.scrubber, t.Title))
	fmt.Fprintf(&sb, "- Priority: %s\n", t.Priority)
	fmt.Fprintf(&sb, "- Owner: %s\n", t.Owner)
	fmt.Fprintf(&sb, "- Created: %s\n", t.CreatedTime)
	fmt.Fprintf(&sb, "- Description: %s\n\n", scrub(s.scrubber, desc))
	sb.WriteString(`Please provide:
1. Issue Summary (2-3 sentences)
2. Root Cause Analysis (if apparent)
3. Suggested Next Steps (3-5 actionable items)
4. Estimated Resolution Time (if possible)
5. Priority Assessment (confirm if current priority is appropriate)

Respond ONLY with a JSON object with keys: summary, root_cause, next_steps, eta, priority_assessment`)
	return sb.String()
}

// ParseSummary extracts the JSON object from a model answer, tolerating
// code fences and surrounding prose.
func ParseSummary(text string) (Summary, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Summary{}, errors.New("no JSON object in completion")
	}
	var sum Summary
	if err := json.Unmarshal([]byte(text[start:end+1]), &sum); err != nil {
		return Summary{}, err
	}
	if strings.TrimSpace(sum.Summary) == "" {
		return Summary{}, errors.New("completion has no summary")
	}
	sum.Fallback = false
	return sum, nil
}

func scrub(s Scrubber, text string) string {
	if s == nil {
		return text
	}
	return s.Scrub(text)
}
