package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HistoryEntry is one append-only learning event.
type HistoryEntry struct {
	ID           int64          `json:"id"`
	AgentID      string         `json:"agent_id"`
	InputPattern string         `json:"input_pattern"`
	Response     map[string]any `json:"response_data"`
	Feedback     map[string]any `json:"feedback_data"`
	Success      bool           `json:"success"`
	Timestamp    time.Time      `json:"timestamp"`
}

// StoreHistory appends a learning-history entry. feedback may be nil.
func (s *Store) StoreHistory(ctx context.Context, agentID, patternKey string, response, feedback map[string]any, success bool) error {
	data, err := marshalPayload(response)
	if err != nil {
		return err
	}
	var fb sql.NullString
	if feedback != nil {
		encoded, err := marshalPayload(feedback)
		if err != nil {
			return err
		}
		fb = sql.NullString{String: encoded, Valid: true}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO learning_history (agent_id, input_pattern, response_data, feedback_data, success, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			agentID, patternKey, data, fb, boolToInt(success), s.timestamp())
		return err
	})
	if err != nil {
		s.logger.Error("failed to store learning history",
			zap.String("agent_id", agentID),
			zap.String("pattern_key", patternKey),
			zap.Error(err))
		return fmt.Errorf("storing history for %s: %w", agentID, err)
	}
	return nil
}

// GetHistory returns the newest entries first, optionally filtered by agent.
func (s *Store) GetHistory(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `SELECT id, agent_id, input_pattern, response_data, feedback_data, success, timestamp FROM learning_history`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to retrieve learning history", zap.Error(err))
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var (
			e        HistoryEntry
			data, ts string
			fb       sql.NullString
			success  int
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.InputPattern, &data, &fb, &success, &ts); err != nil {
			return nil, err
		}
		if e.Response, err = unmarshalPayload(data); err != nil {
			return nil, err
		}
		if fb.Valid {
			if e.Feedback, err = unmarshalPayload(fb.String); err != nil {
				return nil, err
			}
		}
		e.Success = success != 0
		e.Timestamp = parseTimestamp(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
