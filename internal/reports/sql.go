package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
)

const schema = `CREATE TABLE IF NOT EXISTS research_reports (
	filename   TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	question   TEXT NOT NULL,
	content    TEXT NOT NULL,
	models     TEXT NOT NULL DEFAULT '[]',
	word_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
)`

// SQLStore keeps reports in a research_reports table. Postgres is used in
// production; any sqlx driver with the same column types works.
type SQLStore struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQLStore connects with driver and dsn and ensures the schema exists
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := NewSQLStore(db, logger)
	if err := store.db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing handle without touching the schema
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates the reports table
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create research_reports: %w", err)
	}
	return nil
}

func (s *SQLStore) Name() string { return "sql" }

func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks the connection
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// BreakerOpen reports whether database calls are being short-circuited
func (s *SQLStore) BreakerOpen() bool { return s.db.IsCircuitBreakerOpen() }

type reportRow struct {
	Meta
	ModelsJSON string `db:"models"`
	Content    string `db:"content"`
}

func (r reportRow) meta() (Meta, error) {
	m := r.Meta
	m.Models = []string{}
	if r.ModelsJSON != "" {
		if err := json.Unmarshal([]byte(r.ModelsJSON), &m.Models); err != nil {
			return Meta{}, fmt.Errorf("failed to decode models for %s: %w", r.Filename, err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *SQLStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	now := s.now().UTC().Truncate(time.Second)
	name := NewFilename(req.Question, now)
	models := req.Models
	if models == nil {
		models = []string{}
	}
	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return "", fmt.Errorf("failed to marshal models: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_reports (filename, session_id, question, content, models, word_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, req.SessionID, req.Question, req.Content, string(modelsJSON), req.WordCount, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert report: %w", err)
	}
	s.logger.Info("Report saved",
		zap.String("filename", name),
		zap.String("session_id", req.SessionID),
	)
	return name, nil
}

func (s *SQLStore) Get(ctx context.Context, filename string) (*Report, error) {
	if !ValidFilename(filename) {
		return nil, ErrInvalidFilename
	}
	var row reportRow
	err := s.db.GetContext(ctx, &row,
		`SELECT filename, session_id, question, content, models, word_count, created_at
		 FROM research_reports WHERE filename = ?`, filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	meta, err := row.meta()
	if err != nil {
		return nil, err
	}
	return &Report{Meta: meta, Content: row.Content}, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Meta, error) {
	var rows []reportRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT filename, session_id, question, models, word_count, created_at
		 FROM research_reports ORDER BY created_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out := make([]Meta, 0, len(rows))
	for _, r := range rows {
		m, err := r.meta()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
