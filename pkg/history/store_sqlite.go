// Package history — SQLite-backed durable history store.
//
// Suitable for a single operator machine: one file, WAL mode, no server.
// For shared deployments (several editors pointing at one audit trail) use
// PostgresStore instead.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)

	"github.com/freitascorp/handraise/pkg/ask"
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// NewSQLiteStore opens (or creates) the database at dbPath. Use ":memory:"
// for tests. limit <= 0 disables pruning.
func NewSQLiteStore(dbPath string, limit int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS asks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_asks_created ON asks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_asks_session ON asks(session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context, rec *Record) error {
	optsJSON, _ := json.Marshal(rec.Options)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asks (id, session_id, kind, title, prompt, options, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, string(rec.Kind), rec.Title, rec.Prompt, string(optsJSON),
		string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	s.prune(ctx)
	return nil
}

func (s *SQLiteStore) Close(ctx context.Context, id string, status ask.Status, answer, errMsg string, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE asks SET status = ?, answer = ?, error = ?, resolved_at = ? WHERE id = ?
	`, string(status), answer, errMsg, resolvedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("close history record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, title, prompt, options, status, answer, error, created_at, resolved_at
		FROM asks ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var kind, status, optsJSON string
		var resolved sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &rec.Title, &rec.Prompt,
			&optsJSON, &status, &rec.Answer, &rec.Error, &rec.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		rec.Kind = ask.Kind(kind)
		rec.Status = ask.Status(status)
		json.Unmarshal([]byte(optsJSON), &rec.Options)
		if resolved.Valid {
			rec.ResolvedAt = resolved.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// prune keeps the table bounded to the configured retention limit,
// dropping the oldest rows first.
func (s *SQLiteStore) prune(ctx context.Context) {
	if s.limit <= 0 {
		return
	}
	s.db.ExecContext(ctx, `
		DELETE FROM asks WHERE id NOT IN (
			SELECT id FROM asks ORDER BY created_at DESC LIMIT ?
		)
	`, s.limit)
}

func (s *SQLiteStore) Shutdown() error {
	return s.db.Close()
}
