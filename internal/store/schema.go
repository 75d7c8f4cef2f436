// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/fleetsync/internal/logging"
)

// createTableStatements is the base schema. Statements must be idempotent;
// they run on every startup.
var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS pending_events (
		id BIGINT PRIMARY KEY,
		dedup_key VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		source_node VARCHAR NOT NULL,
		target_node VARCHAR NOT NULL,
		payload VARCHAR NOT NULL,
		state VARCHAR NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		item_not_found_count INTEGER NOT NULL DEFAULT 0,
		item_not_found_max INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_error VARCHAR
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_events_dedup
		ON pending_events (dedup_key)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_events_due
		ON pending_events (state, next_retry_at)`,

	`CREATE TABLE IF NOT EXISTS user_mappings (
		id BIGINT PRIMARY KEY,
		username VARCHAR NOT NULL,
		node_name VARCHAR NOT NULL,
		remote_user_id VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_mappings_user_node
		ON user_mappings (username, node_name)`,

	`CREATE TABLE IF NOT EXISTS item_cache (
		node_name VARCHAR NOT NULL,
		lookup_key VARCHAR NOT NULL,
		remote_item_id VARCHAR NOT NULL,
		fetched_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_item_cache_node_key
		ON item_cache (node_name, lookup_key)`,

	`CREATE TABLE IF NOT EXISTS sync_log (
		id BIGINT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		event_type VARCHAR NOT NULL,
		source_node VARCHAR NOT NULL,
		target_node VARCHAR NOT NULL,
		username VARCHAR NOT NULL,
		item_name VARCHAR,
		synced_value VARCHAR,
		success BOOLEAN NOT NULL,
		message VARCHAR
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_created
		ON sync_log (created_at)`,

	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`,
}

// migrations are additive schema changes applied exactly once, in order.
// Existing database files must always open forward-compatibly, so columns
// are only ever added, never altered or dropped.
var migrations = []struct {
	version int
	stmt    string
}{
	// v1: reserved baseline; the CREATE TABLE block above is version 1.
	{1, `SELECT 1`},
}

// initSchema creates tables and applies pending migrations.
func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range createTableStatements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	return s.applyMigrations(ctx)
}

// applyMigrations runs each unapplied migration and records it.
func (s *Store) applyMigrations(ctx context.Context) error {
	applied := make(map[int]bool)

	rows, err := s.conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		logging.Debug().Int("version", m.version).Msg("Applied schema migration")
	}

	return nil
}
