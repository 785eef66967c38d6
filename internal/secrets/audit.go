package secrets

import "time"

// AuditLog records what a redaction removed. It never holds secret values.
type AuditLog struct {
	Timestamp  time.Time   `json:"timestamp"`
	Redactions []Redaction `json:"redactions"`
	Summary    Summary     `json:"summary"`
}

// Redaction is one removed secret.
type Redaction struct {
	RuleID      string `json:"rule_id"`
	RuleDesc    string `json:"rule_desc"`
	LineNumber  int    `json:"line_number"`
	Column      int    `json:"column"`
	OriginalLen int    `json:"original_len"`
	Preview     string `json:"preview"`
}

// Summary aggregates a redaction pass.
type Summary struct {
	TotalSecrets     int            `json:"total_secrets"`
	UniqueRules      int            `json:"unique_rules"`
	RuleCounts       map[string]int `json:"rule_counts"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// HasRedactions reports whether anything was removed.
func (a *AuditLog) HasRedactions() bool {
	return len(a.Redactions) > 0
}

func buildAuditLog(findings []Finding, took time.Duration) AuditLog {
	redactions := make([]Redaction, 0, len(findings))
	counts := make(map[string]int)
	for _, f := range findings {
		redactions = append(redactions, Redaction{
			RuleID:      f.RuleID,
			RuleDesc:    f.RuleDesc,
			LineNumber:  f.Line,
			Column:      f.StartCol,
			OriginalLen: len(f.Match),
			Preview:     preview(f.Match),
		})
		counts[f.RuleID]++
	}
	return AuditLog{
		Timestamp:  time.Now(),
		Redactions: redactions,
		Summary: Summary{
			TotalSecrets:     len(findings),
			UniqueRules:      len(counts),
			RuleCounts:       counts,
			ProcessingTimeMs: took.Milliseconds(),
		},
	}
}
