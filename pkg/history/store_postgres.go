// Package history — PostgreSQL-backed history store for shared deployments.
//
// Several Handraise instances (one per editor) can point at the same
// database so a team's audit trail lives in one place.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/freitascorp/handraise/pkg/ask"
	"github.com/freitascorp/handraise/pkg/resilience"
)

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `yaml:"host"     env:"HANDRAISE_PG_HOST"`
	Port     int    `yaml:"port"     env:"HANDRAISE_PG_PORT"`
	User     string `yaml:"user"     env:"HANDRAISE_PG_USER"`
	Password string `yaml:"password" env:"HANDRAISE_PG_PASSWORD"`
	Database string `yaml:"database" env:"HANDRAISE_PG_DATABASE"`
	SSLMode  string `yaml:"ssl_mode" env:"HANDRAISE_PG_SSLMODE"` // "disable", "require", "verify-full"
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	limit int
}

// NewPostgresStore connects, verifies connectivity, and migrates.
func NewPostgresStore(cfg PostgresConfig, limit int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database may still be coming up when several editor instances
	// start at once, so the initial ping retries with backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialDelay = 500 * time.Millisecond
	if err := resilience.Retry(ctx, retryCfg, func(int) error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		return db.PingContext(pingCtx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS handraise_asks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			options JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handraise_asks_created ON handraise_asks(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_handraise_asks_session ON handraise_asks(session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Open(ctx context.Context, rec *Record) error {
	optsJSON, _ := json.Marshal(rec.Options)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handraise_asks (id, session_id, kind, title, prompt, options, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.SessionID, string(rec.Kind), rec.Title, rec.Prompt, string(optsJSON),
		string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	s.prune(ctx)
	return nil
}

func (s *PostgresStore) Close(ctx context.Context, id string, status ask.Status, answer, errMsg string, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE handraise_asks SET status = $1, answer = $2, error = $3, resolved_at = $4 WHERE id = $5
	`, string(status), answer, errMsg, resolvedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("close history record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, title, prompt, options, status, answer, error, created_at, resolved_at
		FROM handraise_asks ORDER BY created_at DESC LIMIT $1
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

func (s *PostgresStore) prune(ctx context.Context) {
	if s.limit <= 0 {
		return
	}
	s.db.ExecContext(ctx, `
		DELETE FROM handraise_asks WHERE id NOT IN (
			SELECT id FROM handraise_asks ORDER BY created_at DESC LIMIT $1
		)
	`, s.limit)
}

func (s *PostgresStore) Shutdown() error {
	return s.db.Close()
}
