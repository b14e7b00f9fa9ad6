package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
)

// MemoryPath selects a private in-memory database instead of a file. It lives
// as long as the single pooled connection does.
const MemoryPath = ":memory:"

type Config struct {
	Path string // e.g. "./data/sentinel.db", or MemoryPath
	Env  string // "dev" | "prod"
}

// pragmas applied to every connection. WAL with synchronous NORMAL, foreign
// keys on, and a busy timeout for readers racing the writer.
const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// DSN builds the modernc.org/sqlite connection string for path.
func DSN(path string) string {
	if path == MemoryPath {
		return "file::memory:?" + pragmas
	}
	return fmt.Sprintf("file:%s?%s", path, pragmas)
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/sentinel.db"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}

	if cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: every write already goes through Worker, and a
	// second connection would only add SQLITE_BUSY contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Str("env", cfg.Env).Msg("database opened")
	return db, nil
}
