// Package store owns the sqlite database. All mutations flow through a
// single-writer queue; reads go straight to the pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/observability"
)

// Store wraps the database pool and the durable write queue.
type Store struct {
	db     *sql.DB
	queue  *Queue
	logger zerolog.Logger
}

// Config holds store configuration
type Config struct {
	DBPath     string
	QueueDepth int
	Logger     zerolog.Logger
}

// Open opens (creating if needed) the database, applies the schema and
// starts the writer goroutine.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with FTS5 support
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.queue = NewQueue(db, cfg.QueueDepth, cfg.Logger)
	s.queue.Start()

	s.logger.Info().Str("path", cfg.DBPath).Int("queue_depth", cfg.QueueDepth).Msg("store opened")

	return s, nil
}

// Close drains the write queue and closes the database.
func (s *Store) Close() error {
	if s.queue != nil {
		s.queue.Close()
	}
	return s.db.Close()
}

// Queue returns the durable write queue.
func (s *Store) Queue() *Queue {
	return s.queue
}

// DB exposes the pool for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
