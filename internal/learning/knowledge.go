package learning

import (
	"time"

	"go.uber.org/zap"
)

// Knowledge is the portable form of everything the agent has learned.
type Knowledge struct {
	AgentID          string              `json:"agent_id"`
	ExportTimestamp  time.Time           `json:"export_timestamp"`
	ResponsePatterns map[string][]Entry  `json:"response_patterns"`
	SuccessMetrics   map[string][]Sample `json:"success_metrics"`
	LearningHistory  []HistoryEntry      `json:"learning_history"`
}

// ExportKnowledge copies the learned state for backup or transfer.
func (a *Agent) ExportKnowledge() *Knowledge {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := &Knowledge{
		AgentID:          a.ID(),
		ExportTimestamp:  a.now().UTC(),
		ResponsePatterns: make(map[string][]Entry, len(a.patterns)),
		SuccessMetrics:   make(map[string][]Sample, len(a.successMetrics)),
		LearningHistory:  append([]HistoryEntry{}, a.history...),
	}
	for key, entries := range a.patterns {
		copied := make([]Entry, len(entries))
		for i, e := range entries {
			copied[i] = *e
			copied[i].Response = e.Response.Clone()
		}
		k.ResponsePatterns[key] = copied
	}
	for key, samples := range a.successMetrics {
		k.SuccessMetrics[key] = append([]Sample{}, samples...)
	}
	return k
}

// ImportKnowledge replaces the entries for every pattern key present in k
// and appends its history. Knowledge exported by a different agent is
// accepted with a warning.
func (a *Agent) ImportKnowledge(k *Knowledge) {
	if k == nil {
		return
	}
	if k.AgentID != a.ID() {
		a.Logger().Warn("importing knowledge from different agent", zap.String("source_agent_id", k.AgentID))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, entries := range k.ResponsePatterns {
		imported := make([]*Entry, len(entries))
		for i := range entries {
			e := entries[i]
			e.Response = e.Response.Clone()
			imported[i] = &e
		}
		a.patterns[key] = imported
	}
	for key, samples := range k.SuccessMetrics {
		a.successMetrics[key] = append([]Sample{}, samples...)
	}
	a.history = append(a.history, k.LearningHistory...)

	a.Logger().Info("knowledge imported",
		zap.Int("patterns", len(k.ResponsePatterns)),
		zap.Int("history", len(k.LearningHistory)))
}
