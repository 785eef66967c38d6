package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Stats summarises the store contents.
type Stats struct {
	TotalPatterns          int     `json:"total_patterns"`
	TotalLearningEntries   int     `json:"total_learning_entries"`
	TotalBestPractices     int     `json:"total_best_practices"`
	TotalTemplates         int     `json:"total_templates"`
	AvgPatternSuccessRate  float64 `json:"avg_pattern_success_rate"`
	RecentLearningActivity int     `json:"recent_learning_activity"`
}

// Stats counts rows per table, the mean pattern success rate and the
// history entries of the last seven days.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dest  *int
	}{
		{"response_patterns", &st.TotalPatterns},
		{"learning_history", &st.TotalLearningEntries},
		{"best_practices", &st.TotalBestPractices},
		{"ticket_templates", &st.TotalTemplates},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			s.logger.Error("failed to get knowledge stats", zap.String("table", c.table), zap.Error(err))
			return Stats{}, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(success_rate) FROM response_patterns`).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("averaging success rate: %w", err)
	}
	st.AvgPatternSuccessRate = avg.Float64

	cutoff := s.now().Add(-recentWindow).UTC().Format(timeLayout)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM learning_history WHERE timestamp > ?`, cutoff,
	).Scan(&st.RecentLearningActivity); err != nil {
		return Stats{}, fmt.Errorf("counting recent activity: %w", err)
	}
	return st, nil
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	HistoryDeleted  int64 `json:"history_deleted"`
	PatternsDeleted int64 `json:"patterns_deleted"`
}

// Cleanup deletes history older than days and weak patterns (success rate
// under 0.3 with fewer than 5 uses) regardless of age.
func (s *Store) Cleanup(ctx context.Context, days int) (CleanupResult, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -days).UTC().Format(timeLayout)

	var res CleanupResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM learning_history WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		res.HistoryDeleted, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx,
			`DELETE FROM response_patterns WHERE success_rate < ? AND usage_count < ?`,
			weakPatternRate, weakPatternUsage)
		if err != nil {
			return err
		}
		res.PatternsDeleted, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		s.logger.Error("failed to cleanup old data", zap.Int("days_to_keep", days), zap.Error(err))
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}
	s.logger.Info("cleaned up knowledge store",
		zap.Int("days_to_keep", days),
		zap.Int64("history_deleted", res.HistoryDeleted),
		zap.Int64("patterns_deleted", res.PatternsDeleted))
	return res, nil
}

// Snapshot is the export document.
type Snapshot struct {
	ExportTimestamp  time.Time      `json:"export_timestamp"`
	ResponsePatterns []Pattern      `json:"response_patterns"`
	BestPractices    []BestPractice `json:"best_practices"`
	TicketTemplates  []Template     `json:"ticket_templates"`
	LearningHistory  []HistoryEntry `json:"learning_history"`
}

// Snapshot collects every pattern, practice and template plus the newest
// history entries.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	patterns, err := s.AllPatterns(ctx)
	if err != nil {
		return nil, err
	}
	practices, err := s.GetBestPractices(ctx, "")
	if err != nil {
		return nil, err
	}
	templates, err := s.GetTemplates(ctx, "", "")
	if err != nil {
		return nil, err
	}
	history, err := s.GetHistory(ctx, "", ExportHistoryLimit)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ExportTimestamp:  s.now().UTC(),
		ResponsePatterns: patterns,
		BestPractices:    practices,
		TicketTemplates:  templates,
		LearningHistory:  history,
	}, nil
}

// Export writes a snapshot to path as indented JSON, replacing any existing
// file.
func (s *Store) Export(ctx context.Context, path string) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to export knowledge base", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("export snapshot: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("failed to export knowledge base", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("writing export: %w", err)
	}
	s.logger.Info("knowledge base exported", zap.String("path", path))
	return nil
}
