package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Pattern is a stored response pattern.
type Pattern struct {
	ID          int64          `json:"id"`
	Key         string         `json:"pattern_key"`
	Response    map[string]any `json:"response_data"`
	SuccessRate float64        `json:"success_rate"`
	UsageCount  int            `json:"usage_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StorePattern upserts the pattern for key. An existing pattern takes the
// new response, averages its success rate with rate and bumps its usage
// count.
func (s *Store) StorePattern(ctx context.Context, key string, response map[string]any, rate float64) error {
	data, err := marshalPayload(response)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		var (
			id    int64
			old   float64
			usage int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, success_rate, usage_count FROM response_patterns WHERE pattern_key = ?`, key,
		).Scan(&id, &old, &usage)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO response_patterns (pattern_key, response_data, success_rate, usage_count, created_at, updated_at)
				 VALUES (?, ?, ?, 1, ?, ?)`,
				key, data, rate, now, now)
			return err
		case err != nil:
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE response_patterns SET response_data = ?, success_rate = ?, usage_count = ?, updated_at = ? WHERE id = ?`,
			data, (old+rate)/2, usage+1, now, id)
		return err
	})
	if err != nil {
		s.logger.Error("failed to store response pattern", zap.String("pattern_key", key), zap.Error(err))
		return fmt.Errorf("storing pattern %q: %w", key, err)
	}
	s.logger.Debug("stored response pattern", zap.String("pattern_key", key))
	return nil
}

// GetPattern returns the pattern stored under key, or nil if there is none.
func (s *Store) GetPattern(ctx context.Context, key string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pattern_key, response_data, success_rate, usage_count, created_at, updated_at
		 FROM response_patterns WHERE pattern_key = ?`, key)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to retrieve response pattern", zap.String("pattern_key", key), zap.Error(err))
		return nil, fmt.Errorf("getting pattern %q: %w", key, err)
	}
	return p, nil
}

// likeEscaper makes LIKE wildcards in a query match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchPatterns returns patterns whose key or response text contains q,
// best success rate first.
func (s *Store) SearchPatterns(ctx context.Context, q string, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	like := "%" + likeEscaper.Replace(q) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern_key, response_data, success_rate, usage_count, created_at, updated_at
		 FROM response_patterns
		 WHERE pattern_key LIKE ? ESCAPE '\' OR response_data LIKE ? ESCAPE '\'
		 ORDER BY success_rate DESC, usage_count DESC
		 LIMIT ?`, like, like, limit)
	if err != nil {
		s.logger.Error("failed to search response patterns", zap.String("query", q), zap.Error(err))
		return nil, fmt.Errorf("searching patterns: %w", err)
	}
	return collectPatterns(rows)
}

// AllPatterns returns every stored pattern in insertion order.
func (s *Store) AllPatterns(ctx context.Context) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern_key, response_data, success_rate, usage_count, created_at, updated_at
		 FROM response_patterns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	return collectPatterns(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (*Pattern, error) {
	var (
		p                    Pattern
		data                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Key, &data, &p.SuccessRate, &p.UsageCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	resp, err := unmarshalPayload(data)
	if err != nil {
		return nil, err
	}
	p.Response = resp
	p.CreatedAt = parseTimestamp(createdAt)
	p.UpdatedAt = parseTimestamp(updatedAt)
	return &p, nil
}

func collectPatterns(rows *sql.Rows) ([]Pattern, error) {
	defer rows.Close()
	out := []Pattern{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
