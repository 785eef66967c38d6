// Package knowledge persists learned response patterns, learning history,
// best practices and ticket templates in SQLite.
//
// Every upsert runs in its own transaction behind the store mutex, so the
// success-rate merge cannot lose updates when several tickets finish at the
// same time.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical order on the TEXT columns is
// chronological.
const timeLayout = "2006-01-02 15:04:05.000000"

// Defaults used when callers pass zero values.
const (
	DefaultSuccessRate   = 0.5
	DefaultSearchLimit   = 10
	DefaultHistoryLimit  = 100
	DefaultRetentionDays = 90
	ExportHistoryLimit   = 1000

	weakPatternRate  = 0.3
	weakPatternUsage = 5
	recentWindow     = 7 * 24 * time.Hour
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("knowledge store is closed")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS response_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_key TEXT UNIQUE NOT NULL,
		response_data TEXT NOT NULL,
		success_rate REAL DEFAULT 0.5,
		usage_count INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		input_pattern TEXT NOT NULL,
		response_data TEXT NOT NULL,
		feedback_data TEXT,
		success INTEGER DEFAULT 1,
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS best_practices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		practice_name TEXT UNIQUE NOT NULL,
		description TEXT NOT NULL,
		effectiveness_score REAL DEFAULT 0.5,
		usage_count INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		template_name TEXT UNIQUE NOT NULL,
		template_data TEXT NOT NULL,
		category TEXT NOT NULL,
		priority TEXT NOT NULL,
		success_rate REAL DEFAULT 0.5,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pattern_key ON response_patterns(pattern_key)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_id ON learning_history(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_category ON best_practices(category)`,
	`CREATE INDEX IF NOT EXISTS idx_template_category ON ticket_templates(category)`,
}

// Store is the SQLite-backed knowledge base.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases consistent across calls.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	logger.Info("knowledge store opened", zap.String("path", path))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTimestamp(v string) time.Time {
	t, err := time.ParseInLocation(timeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// withTx runs fn in a transaction while holding the store mutex.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func marshalPayload(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

func unmarshalPayload(data string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return out, nil
}
