package enhancer

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"github.com/fyrsmithlabs/triage/internal/ticket"
)

// Rule adds one category of information to a draft response. Apply
// receives a private copy and returns the enhanced payload.
type Rule interface {
	Name() string
	Apply(resp agent.Payload, t ticket.Ticket, insight *agent.Output) (agent.Payload, error)
}

// DefaultRules returns the standard rules in application order.
func DefaultRules() []Rule {
	return []Rule{
		PriorityRule{},
		SLARule{},
		ExperienceRule{},
		TechnicalRule{},
	}
}

// Response keys written by the rules.
const (
	KeyUrgency              = "urgency"
	KeyEscalationRequired   = "escalation_required"
	KeyPriorityHandling     = "priority_handling"
	KeyNotificationChannels = "notification_channels"
	KeySLACompliance        = "sla_compliance"
	KeyUserExperience       = "user_experience"
	KeyTechnicalValidation  = "technical_validation"
)

// PriorityRule marks urgency and escalation for high and critical tickets.
type PriorityRule struct{}

func (PriorityRule) Name() string { return "ticket_priority" }

func (PriorityRule) Apply(resp agent.Payload, t ticket.Ticket, _ *agent.Output) (agent.Payload, error) {
	switch ticket.SeverityOf(t.Priority) {
	case ticket.SeverityHigh:
		resp[KeyUrgency] = "immediate"
		resp[KeyEscalationRequired] = true
		resp[KeyPriorityHandling] = "expedited"
	case ticket.SeverityCritical:
		resp[KeyUrgency] = "critical"
		resp[KeyEscalationRequired] = true
		resp[KeyPriorityHandling] = "immediate_escalation"
		resp[KeyNotificationChannels] = []string{"sms", "email", "slack"}
	}
	return resp, nil
}

// SLARule attaches SLA compliance details when the ticket carries an SLA
// status.
type SLARule struct{}

func (SLARule) Name() string { return "sla_compliance" }

func (SLARule) Apply(resp agent.Payload, t ticket.Ticket, _ *agent.Output) (agent.Payload, error) {
	sla := t.SLAStatus
	if sla == nil {
		return resp, nil
	}
	status := sla.Status
	if status == "" {
		status = "unknown"
	}
	risk := sla.BreachRisk
	if risk == "" {
		risk = "low"
	}
	remaining := sla.TimeRemaining
	if remaining < 0 {
		// Overdue.
		remaining = 0
		status = "breached"
		risk = "high"
	}
	resp[KeySLACompliance] = map[string]any{
		"status":              status,
		"breach_risk":         risk,
		"time_remaining":      remaining,
		"recommended_actions": slaRecommendations(risk),
	}
	return resp, nil
}

func slaRecommendations(risk string) []string {
	switch risk {
	case "high":
		return []string{
			"Immediate escalation to senior support",
			"24/7 monitoring required",
			"Customer notification of potential SLA breach",
		}
	case "medium":
		return []string{
			"Priority escalation within 2 hours",
			"Regular status updates to customer",
			"Resource allocation review",
		}
	default:
		return []string{}
	}
}

// ExperienceRule attaches readability and next-step guidance.
type ExperienceRule struct{}

func (ExperienceRule) Name() string { return "user_experience" }

func (ExperienceRule) Apply(resp agent.Payload, t ticket.Ticket, _ *agent.Output) (agent.Payload, error) {
	resp[KeyUserExperience] = map[string]any{
		"clarity_score":             clarityScore(resp),
		"actionable_items":          actionableItems(resp),
		"estimated_resolution_time": resolutionEstimate(t),
		"next_steps":                nextSteps(resp),
	}
	return resp, nil
}

// TechnicalRule attaches a completeness score and review placeholders.
type TechnicalRule struct{}

func (TechnicalRule) Name() string { return "technical_accuracy" }

func (TechnicalRule) Apply(resp agent.Payload, _ ticket.Ticket, _ *agent.Output) (agent.Payload, error) {
	resp[KeyTechnicalValidation] = map[string]any{
		"completeness_score": completenessScore(resp),
		"accuracy_indicators": map[string]any{
			"data_validation":   "pending",
			"technical_review":  "required",
			"peer_verification": "recommended",
		},
		"technical_references": []string{"API documentation", "System logs", "Error codes"},
		"validation_status":    "pending_review",
	}
	return resp, nil
}

var actionKeywords = []string{"please", "should", "must", "need to", "require", "action required"}

const maxActionableItems = 5

// responseText is the message followed directly by the description.
func responseText(resp agent.Payload) string {
	var b strings.Builder
	for _, k := range []string{"message", "description"} {
		if v, ok := resp[k]; ok && v != nil {
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// clarityScore favours an average of 10 to 20 words per sentence.
func clarityScore(resp agent.Payload) float64 {
	text := responseText(resp)
	if text == "" {
		return 0
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	sentences := strings.Split(text, ".")
	avg := float64(len(words)) / float64(len(sentences))
	switch {
	case avg >= 10 && avg <= 20:
		return 0.9
	case avg >= 5 && avg <= 25:
		return 0.7
	default:
		return 0.5
	}
}

func actionableItems(resp agent.Payload) []string {
	items := []string{}
	for _, sentence := range strings.Split(responseText(resp), ".") {
		lower := strings.ToLower(sentence)
		for _, kw := range actionKeywords {
			if strings.Contains(lower, kw) {
				items = append(items, strings.TrimSpace(sentence))
				break
			}
		}
		if len(items) == maxActionableItems {
			break
		}
	}
	return items
}

func resolutionEstimate(t ticket.Ticket) string {
	switch ticket.SeverityOf(t.Priority) {
	case ticket.SeverityCritical:
		return "2-4 hours"
	case ticket.SeverityHigh:
		return "4-8 hours"
	case ticket.SeverityMedium:
		return "1-2 business days"
	default:
		return "3-5 business days"
	}
}

func nextSteps(resp agent.Payload) []string {
	steps := []string{
		"Review the provided information",
		"Contact support if clarification is needed",
		"Follow up on any requested actions",
	}
	if truthy(resp[KeyEscalationRequired]) {
		steps = append(steps, "Await escalation confirmation")
	}
	if sla, ok := resp[KeySLACompliance].(map[string]any); ok && sla["breach_risk"] == "high" {
		steps = append(steps, "Monitor SLA status closely")
	}
	return steps
}

var completenessFields = []string{"message", "priority", "status", "assignee"}

func completenessScore(resp agent.Payload) float64 {
	present := 0
	for _, f := range completenessFields {
		if truthy(resp[f]) {
			present++
		}
	}
	return float64(present) / float64(len(completenessFields))
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
