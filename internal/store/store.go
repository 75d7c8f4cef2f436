// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

// Package store provides the durable state layer: the pending-event log,
// user-mapping cache, item-lookup cache, and sync-result log, all backed
// by a single embedded DuckDB file.
//
// Concurrency model: one logical writer. All write paths serialize behind
// a package mutex; readers (dashboard, readiness) run concurrently against
// snapshots. A leased event that was never finalized returns to pending on
// startup via ReapOrphans.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/logging"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = fmt.Errorf("store: not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = fmt.Errorf("store: closed")
)

// writeMu serializes all write paths. DuckDB tolerates concurrent writers
// poorly within one process; the single-writer discipline also keeps the
// enqueue-coalesce and lease transactions free of write-write conflicts.
var writeMu sync.Mutex

// Store wraps the DuckDB connection and provides data access methods.
type Store struct {
	conn   *sql.DB
	cfg    *config.DatabaseConfig
	closed bool
	mu     sync.RWMutex // guards closed
}

// Open creates the database file (and parent directory) if needed,
// initializes the schema, and returns a ready store.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	// 0750 per gosec G301
	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	// Auto-install/auto-load of extensions is disabled: nothing here needs
	// them and the download attempt can hang in restricted networks.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{conn: conn, cfg: cfg}

	// DuckDB is embedded: a single connection avoids file-lock contention
	// between pooled handles on the write path.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Flush the schema WAL so a crash before first checkpoint does not
	// force replay of DDL on next open.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after schema initialization")
	}

	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, cfg: &config.DatabaseConfig{Path: ":memory:"}}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close checkpoints and closes the database. Checkpointing flushes the WAL
// into the main file so the next open does not replay it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
	}

	return s.conn.Close()
}

// Ping checks that the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.conn.PingContext(ctx)
}

// Checkpoint forces a WAL flush into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "CHECKPOINT")
	if err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// guard returns ErrClosed after Close.
func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// nextID generates the next row id for a table. DuckDB has no
// autoincrementing PRIMARY KEY; ids are managed under the write mutex.
func (s *Store) nextID(ctx context.Context, q queryer, table string) (int64, error) {
	var next int64
	//nolint:gosec // table names are compile-time constants
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) + 1 FROM %s", table)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to get next id for %s: %w", table, err)
	}
	return next, nil
}

// queryer abstracts *sql.DB and *sql.Tx for helpers used in both.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
