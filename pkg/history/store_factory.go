package history

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig holds the parameters needed to create a Store backend.
type StoreConfig struct {
	// Backend is "memory", "jsonl", "sqlite", or "postgres".
	Backend string `yaml:"backend" env:"HANDRAISE_HISTORY_BACKEND"`
	// Limit bounds retention; oldest records are evicted past it.
	Limit int `yaml:"limit" env:"HANDRAISE_HISTORY_LIMIT"`
	// DataDir is the base data directory (used for the SQLite path default).
	DataDir string `yaml:"data_dir" env:"HANDRAISE_DATA_DIR"`
	// SQLitePath overrides the DataDir-derived SQLite path.
	SQLitePath string `yaml:"sqlite_path" env:"HANDRAISE_HISTORY_SQLITE_PATH"`
	// JSONLPath overrides the DataDir-derived JSONL trail path.
	JSONLPath string `yaml:"jsonl_path" env:"HANDRAISE_HISTORY_JSONL_PATH"`
	// Postgres holds the PostgreSQL connection parameters.
	Postgres *PostgresConfig `yaml:"postgres"`
}

// NewStore creates the appropriate Store implementation based on config.
//
// Backends:
//   - "memory"   — bounded in-process ring (default; non-durable)
//   - "jsonl"    — append-only JSON Lines file (greppable, tamper-evident)
//   - "sqlite"   — single-file durable trail (one operator machine)
//   - "postgres" — shared durable trail (team deployments)
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Info("history store: using in-memory backend (non-durable)", "limit", cfg.Limit)
		return NewMemoryStore(cfg.Limit), nil

	case "jsonl":
		path := cfg.JSONLPath
		if path == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("jsonl store requires jsonl_path or data_dir")
			}
			path = filepath.Join(cfg.DataDir, "history.jsonl")
		}
		logger.Info("history store: using JSONL backend", "path", path)
		return NewJSONLStore(path)

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "history.db")
		}
		logger.Info("history store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath, cfg.Limit)

	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("postgres store requires postgres config")
		}
		logger.Info("history store: using PostgreSQL backend", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return NewPostgresStore(*cfg.Postgres, cfg.Limit)

	default:
		return nil, fmt.Errorf("unknown history store backend: %q (supported: memory, jsonl, sqlite, postgres)", cfg.Backend)
	}
}
