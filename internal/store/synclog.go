// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/fleetsync/internal/models"
)

// appendSyncLogTx writes the outcome of a finalized event inside the
// finalize transaction. Skips count as success with the reason recorded.
func (s *Store) appendSyncLogTx(ctx context.Context, tx *sql.Tx, ev *models.PendingEvent, outcome models.Outcome, now time.Time) error {
	id, err := s.nextID(ctx, tx, "sync_log")
	if err != nil {
		return err
	}

	success := outcome.Kind != models.OutcomeFailed
	message := outcome.Reason

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_log (
			id, created_at, event_type, source_node, target_node,
			username, item_name, synced_value, success, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, now, ev.EventType, ev.SourceNode, ev.TargetNode,
		ev.Payload.Username, ev.Payload.Item.Name, outcome.Value, success, message)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// AppendSyncLog writes a standalone sync-log record outside any event
// finalization, e.g. for ingest-side rejections worth surfacing.
func (s *Store) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	if err := s.guard(); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	id, err := s.nextID(ctx, s.conn, "sync_log")
	if err != nil {
		return err
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO sync_log (
			id, created_at, event_type, source_node, target_node,
			username, item_name, synced_value, success, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, createdAt, entry.EventType, entry.SourceNode, entry.TargetNode,
		entry.Username, entry.ItemName, entry.SyncedValue, entry.Success, entry.Message)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// QuerySyncLog returns filtered sync-log entries, newest first, plus the
// total matching count for pagination.
func (s *Store) QuerySyncLog(ctx context.Context, filter models.SyncLogFilter) ([]models.SyncLogEntry, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}

	var conds []string
	var args []any

	if filter.SourceNode != "" {
		conds = append(conds, "source_node = ?")
		args = append(args, filter.SourceNode)
	}
	if filter.TargetNode != "" {
		conds = append(conds, "target_node = ?")
		args = append(args, filter.TargetNode)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.ItemContains != "" {
		conds = append(conds, "item_name ILIKE ?")
		args = append(args, "%"+filter.ItemContains+"%")
	}
	if filter.SuccessOnly {
		conds = append(conds, "success = true")
	}
	if filter.FailedOnly {
		conds = append(conds, "success = false")
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	//nolint:gosec // where clause is built from constant fragments
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sync log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	queryArgs := append(append([]any{}, args...), limit, filter.Offset)

	//nolint:gosec // where clause is built from constant fragments
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, created_at, event_type, source_node, target_node,
			username, COALESCE(item_name, ''), COALESCE(synced_value, ''),
			success, COALESCE(message, '')
		 FROM sync_log`+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.EventType, &e.SourceNode, &e.TargetNode,
			&e.Username, &e.ItemName, &e.SyncedValue, &e.Success, &e.Message,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
