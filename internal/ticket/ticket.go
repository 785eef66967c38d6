// Package ticket defines the ticket model shared by validation, the agent
// pipeline and the ticket sources.
package ticket

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field names as they appear in a raw Record.
const (
	FieldNumber        = "number"
	FieldTitle         = "title"
	FieldDescription   = "description"
	FieldPriority      = "priority"
	FieldOwner         = "owner"
	FieldCreatedTime   = "created_time"
	FieldUpdatedTime   = "updated_time"
	FieldState         = "state"
	FieldLabels        = "labels"
	FieldCommentsCount = "comments_count"
	FieldURL           = "url"
	FieldType          = "type"
	FieldCategory      = "category"
)

// Priority is a ticket priority in P1..P4 form.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// Severity is the word form of a priority used by response handling.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Record is the loosely typed form a ticket source supplies. Validation
// operates on records because it must observe values of the wrong type
// before they are coerced.
type Record map[string]any

// Clone returns a shallow copy with the labels slice copied.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if labels, ok := v.([]string); ok {
			v = append([]string(nil), labels...)
		}
		out[k] = v
	}
	return out
}

// SLAStatus is the SLA view attached to a ticket before it enters the
// pipeline.
type SLAStatus struct {
	Status        string  `json:"status"`
	BreachRisk    string  `json:"breach_risk"`
	TimeRemaining float64 `json:"time_remaining"`
}

// Ticket is a validated ticket.
type Ticket struct {
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      string     `json:"priority"`
	Owner         string     `json:"owner"`
	CreatedTime   string     `json:"created_time"`
	UpdatedTime   string     `json:"updated_time,omitempty"`
	State         string     `json:"state"`
	Labels        []string   `json:"labels"`
	CommentsCount int        `json:"comments_count"`
	URL           string     `json:"url,omitempty"`
	Type          string     `json:"type,omitempty"`
	Category      string     `json:"category,omitempty"`
	SLAStatus     *SLAStatus `json:"sla_status,omitempty"`
}

// FromRecord converts a validated record into a Ticket. Values of the wrong
// type are ignored, so callers should validate first.
func FromRecord(r Record) Ticket {
	t := Ticket{
		Number:        intValue(r[FieldNumber]),
		Title:         stringValue(r[FieldTitle]),
		Description:   stringValue(r[FieldDescription]),
		Priority:      stringValue(r[FieldPriority]),
		Owner:         stringValue(r[FieldOwner]),
		CreatedTime:   stringValue(r[FieldCreatedTime]),
		UpdatedTime:   stringValue(r[FieldUpdatedTime]),
		State:         stringValue(r[FieldState]),
		CommentsCount: intValue(r[FieldCommentsCount]),
		URL:           stringValue(r[FieldURL]),
		Type:          stringValue(r[FieldType]),
		Category:      stringValue(r[FieldCategory]),
	}
	switch labels := r[FieldLabels].(type) {
	case []string:
		t.Labels = append([]string(nil), labels...)
	case []any:
		for _, l := range labels {
			t.Labels = append(t.Labels, fmt.Sprint(l))
		}
	}
	return t
}

// Record returns the raw form of the ticket.
func (t Ticket) Record() Record {
	r := Record{
		FieldNumber:        t.Number,
		FieldTitle:         t.Title,
		FieldDescription:   t.Description,
		FieldPriority:      t.Priority,
		FieldOwner:         t.Owner,
		FieldCreatedTime:   t.CreatedTime,
		FieldState:         t.State,
		FieldLabels:        append([]string(nil), t.Labels...),
		FieldCommentsCount: t.CommentsCount,
	}
	if t.UpdatedTime != "" {
		r[FieldUpdatedTime] = t.UpdatedTime
	}
	if t.URL != "" {
		r[FieldURL] = t.URL
	}
	if t.Type != "" {
		r[FieldType] = t.Type
	}
	if t.Category != "" {
		r[FieldCategory] = t.Category
	}
	return r
}

// Created parses CreatedTime. A trailing Z is accepted.
func (t Ticket) Created() (time.Time, error) {
	return ParseTime(t.CreatedTime)
}

// ParseTime parses an ISO-8601 timestamp with or without a zone offset.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}

// PriorityFromLabels maps tracker labels to a priority. Higher priorities
// win regardless of label order; P3 when nothing matches.
func PriorityFromLabels(labels []string) Priority {
	names := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		names[strings.ToLower(strings.TrimSpace(label))] = struct{}{}
	}
	has := func(candidates ...string) bool {
		for _, c := range candidates {
			if _, ok := names[c]; ok {
				return true
			}
		}
		return false
	}

	switch {
	case has("critical", "urgent", "p1", "high-priority"):
		return PriorityP1
	case has("high", "p2", "important"):
		return PriorityP2
	case has("low", "p4", "minor"):
		return PriorityP4
	default:
		return PriorityP3
	}
}

// SeverityOf returns the word form of a priority. Word forms pass through
// unchanged and an empty priority is medium.
func SeverityOf(priority string) Severity {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "p1", "critical":
		return SeverityCritical
	case "p2", "high":
		return SeverityHigh
	case "p4", "low":
		return SeverityLow
	case "p3", "medium", "":
		return SeverityMedium
	default:
		return Severity(priority)
	}
}

// PatternKey groups similar tickets for the learning agent:
// type:priority:labels with labels deduplicated and sorted.
func PatternKey(t Ticket) string {
	return fmt.Sprintf("%s:%s:%s", orDefault(t.Type, "unknown"), orDefault(t.Priority, "unknown"), joinLabels(t.Labels))
}

// OrchestratorKey is the richer key the orchestrator persists under:
// type:priority:category:labels.
func OrchestratorKey(t Ticket) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		orDefault(t.Type, "unknown"),
		orDefault(t.Priority, "unknown"),
		orDefault(t.Category, "general"),
		joinLabels(t.Labels))
}

func joinLabels(labels []string) string {
	seen := make(map[string]struct{}, len(labels))
	uniq := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	default:
		return 0
	}
}
