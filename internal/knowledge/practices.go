package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BestPractice is an operational note, for example a pipeline bottleneck.
type BestPractice struct {
	ID                 int64     `json:"id"`
	Category           string    `json:"category"`
	Name               string    `json:"practice_name"`
	Description        string    `json:"description"`
	EffectivenessScore float64   `json:"effectiveness_score"`
	UsageCount         int       `json:"usage_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Template is a reusable ticket template.
type Template struct {
	ID          int64          `json:"id"`
	Name        string         `json:"template_name"`
	Data        map[string]any `json:"template_data"`
	Category    string         `json:"category"`
	Priority    string         `json:"priority"`
	SuccessRate float64        `json:"success_rate"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StoreBestPractice upserts a practice keyed by name. created_at and
// usage_count survive the update.
func (s *Store) StoreBestPractice(ctx context.Context, category, name, description string, score float64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO best_practices (category, practice_name, description, effectiveness_score, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(practice_name) DO UPDATE SET
			   category = excluded.category,
			   description = excluded.description,
			   effectiveness_score = excluded.effectiveness_score,
			   updated_at = excluded.updated_at`,
			category, name, description, score, now, now)
		return err
	})
	if err != nil {
		s.logger.Error("failed to store best practice", zap.String("practice", name), zap.Error(err))
		return fmt.Errorf("storing best practice %q: %w", name, err)
	}
	return nil
}

// GetBestPractices lists practices by descending effectiveness. An empty
// category returns all of them.
func (s *Store) GetBestPractices(ctx context.Context, category string) ([]BestPractice, error) {
	query := `SELECT id, category, practice_name, description, effectiveness_score, usage_count, created_at, updated_at
		FROM best_practices`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY effectiveness_score DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to retrieve best practices", zap.Error(err))
		return nil, fmt.Errorf("listing best practices: %w", err)
	}
	defer rows.Close()

	out := []BestPractice{}
	for rows.Next() {
		var (
			p                    BestPractice
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Category, &p.Name, &p.Description, &p.EffectivenessScore,
			&p.UsageCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTimestamp(createdAt)
		p.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// StoreTemplate upserts a template keyed by name.
func (s *Store) StoreTemplate(ctx context.Context, name string, data map[string]any, category, priority string) error {
	encoded, err := marshalPayload(data)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ticket_templates (template_name, template_data, category, priority, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(template_name) DO UPDATE SET
			   template_data = excluded.template_data,
			   category = excluded.category,
			   priority = excluded.priority,
			   updated_at = excluded.updated_at`,
			name, encoded, category, priority, now, now)
		return err
	})
	if err != nil {
		s.logger.Error("failed to store ticket template", zap.String("template", name), zap.Error(err))
		return fmt.Errorf("storing template %q: %w", name, err)
	}
	return nil
}

// GetTemplates lists templates by descending success rate, filtered by the
// non-empty arguments.
func (s *Store) GetTemplates(ctx context.Context, category, priority string) ([]Template, error) {
	query := `SELECT id, template_name, template_data, category, priority, success_rate, created_at, updated_at
		FROM ticket_templates WHERE 1=1`
	args := []any{}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	if priority != "" {
		query += ` AND priority = ?`
		args = append(args, priority)
	}
	query += ` ORDER BY success_rate DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to retrieve ticket templates", zap.Error(err))
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	out := []Template{}
	for rows.Next() {
		var (
			t                          Template
			data, createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &data, &t.Category, &t.Priority, &t.SuccessRate,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
			return nil, fmt.Errorf("decoding template %q: %w", t.Name, err)
		}
		t.CreatedAt = parseTimestamp(createdAt)
		t.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
