// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/*
events.go - Pending-Event Log Operations

The pending-event log is the durable heart of the pipeline:

  - Enqueue upserts by dedup key so that repeated ingest of the same
    logical change coalesces into one row (payload merged, counters kept).
  - LeaseDue transitions due rows to processing inside one transaction.
  - Finalize applies the worker's outcome: terminal outcomes delete the
    row and append to sync_log; retry outcomes reschedule it.
  - ReapOrphans returns leased-but-unfinalized rows to pending (startup
    crash recovery); ReapStaleProcessing does the same for rows stuck in
    processing past a deadline.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/models"
)

const eventColumns = `id, dedup_key, event_type, source_node, target_node, payload,
	state, attempts, item_not_found_count, item_not_found_max,
	next_retry_at, created_at, updated_at, COALESCE(last_error, '')`

// Enqueue writes a batch of event intents in one transaction. For each
// intent whose dedup key collides with an existing non-terminal row, the
// row is updated in place: payloads merge with newer field timestamps
// winning, updated_at refreshes, next_retry_at resets to now, and retry
// counters are preserved. Returns the row id for every intent.
func (s *Store) Enqueue(ctx context.Context, intents []*models.PendingEvent) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	ids := make([]int64, 0, len(intents))

	for _, intent := range intents {
		id, err := s.enqueueOne(ctx, tx, intent, now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return ids, nil
}

// enqueueOne upserts a single intent inside the enqueue transaction.
func (s *Store) enqueueOne(ctx context.Context, tx *sql.Tx, intent *models.PendingEvent, now time.Time) (int64, error) {
	var (
		existingID      int64
		existingPayload string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, payload FROM pending_events
		 WHERE dedup_key = ? AND state IN ('pending', 'waiting_item')`,
		intent.DedupKey).Scan(&existingID, &existingPayload)

	switch {
	case err == nil:
		// WAL coalesce: merge into the existing row.
		var current models.EventPayload
		if uerr := json.Unmarshal([]byte(existingPayload), &current); uerr != nil {
			return 0, fmt.Errorf("failed to decode payload of event %d: %w", existingID, uerr)
		}
		current.Merge(intent.Payload)

		merged, merr := json.Marshal(current)
		if merr != nil {
			return 0, fmt.Errorf("failed to encode merged payload: %w", merr)
		}
		if _, uerr := tx.ExecContext(ctx,
			`UPDATE pending_events SET payload = ?, updated_at = ?, next_retry_at = ? WHERE id = ?`,
			string(merged), now, now, existingID); uerr != nil {
			return 0, fmt.Errorf("failed to coalesce event %d: %w", existingID, uerr)
		}
		return existingID, nil

	case errors.Is(err, sql.ErrNoRows):
		id, nerr := s.nextID(ctx, tx, "pending_events")
		if nerr != nil {
			return 0, nerr
		}
		encoded, merr := json.Marshal(intent.Payload)
		if merr != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", merr)
		}
		if _, ierr := tx.ExecContext(ctx,
			`INSERT INTO pending_events (
				id, dedup_key, event_type, source_node, target_node, payload,
				state, attempts, item_not_found_count, item_not_found_max,
				next_retry_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?, ?, ?)`,
			id, intent.DedupKey, intent.EventType, intent.SourceNode, intent.TargetNode,
			string(encoded), intent.ItemNotFoundMax, now, now, now); ierr != nil {
			return 0, fmt.Errorf("failed to insert event: %w", ierr)
		}
		return id, nil

	default:
		return 0, fmt.Errorf("failed to check dedup key: %w", err)
	}
}

// LeaseDue selects due rows (pending or waiting_item with next_retry_at in
// the past), marks them processing, and returns them ordered by due time.
// Runs as a single transaction so two callers can never lease the same row.
func (s *Store) LeaseDue(ctx context.Context, limit int, now time.Time) ([]models.PendingEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	//nolint:gosec // eventColumns is a compile-time constant
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM pending_events
		 WHERE state IN ('pending', 'waiting_item') AND next_retry_at <= ?
		 ORDER BY next_retry_at, id
		 LIMIT ?`, eventColumns), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due events: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)+1)
	args = append(args, time.Now().UTC())
	for i, ev := range events {
		placeholders[i] = "?"
		args = append(args, ev.ID)
	}
	//nolint:gosec // placeholders only
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE pending_events SET state = 'processing', updated_at = ? WHERE id IN (%s)`,
		strings.Join(placeholders, ", ")), args...); err != nil {
		return nil, fmt.Errorf("failed to mark events processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	for i := range events {
		events[i].State = models.StateProcessing
	}
	return events, nil
}

// Finalize applies the worker's outcome to a leased event. Terminal
// outcomes (applied, skipped, failed) delete the row and append to
// sync_log; retry and wait_item reschedule it with bumped counters.
func (s *Store) Finalize(ctx context.Context, ev *models.PendingEvent, outcome models.Outcome) error {
	if err := s.guard(); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	switch outcome.Kind {
	case models.OutcomeApplied, models.OutcomeSkipped, models.OutcomeFailed:
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, ev.ID); err != nil {
			return fmt.Errorf("failed to delete finalized event %d: %w", ev.ID, err)
		}
		if err := s.appendSyncLogTx(ctx, tx, ev, outcome, now); err != nil {
			return err
		}

	case models.OutcomeRetry:
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_events
			 SET state = 'pending', attempts = attempts + 1,
			     next_retry_at = ?, updated_at = ?, last_error = ?
			 WHERE id = ?`,
			now.Add(outcome.Delay), now, outcome.Reason, ev.ID); err != nil {
			return fmt.Errorf("failed to reschedule event %d: %w", ev.ID, err)
		}

	case models.OutcomeWaitItem:
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_events
			 SET state = 'waiting_item', item_not_found_count = item_not_found_count + 1,
			     next_retry_at = ?, updated_at = ?, last_error = ?
			 WHERE id = ?`,
			now.Add(outcome.Delay), now, outcome.Reason, ev.ID); err != nil {
			return fmt.Errorf("failed to park event %d: %w", ev.ID, err)
		}

	default:
		return fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

// ReapOrphans returns every row stuck in processing to pending. Called on
// startup: a processing row at boot means the previous process crashed
// between lease and finalize.
func (s *Store) ReapOrphans(ctx context.Context) (int, error) {
	return s.reapProcessing(ctx, time.Now().UTC())
}

// ReapStaleProcessing returns rows that have sat in processing longer than
// maxAge to pending. The worker calls this each tick as a safety net.
func (s *Store) ReapStaleProcessing(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.reapProcessing(ctx, time.Now().UTC().Add(-maxAge))
}

func (s *Store) reapProcessing(ctx context.Context, updatedBefore time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE pending_events
		 SET state = 'pending', next_retry_at = ?, updated_at = ?
		 WHERE state = 'processing' AND updated_at <= ?`,
		time.Now().UTC(), time.Now().UTC(), updatedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reap processing events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // count is advisory
	}
	if n > 0 {
		logging.Warn().Int64("count", n).Msg("Returned orphaned processing events to pending")
	}
	return int(n), nil
}

// GetByDedupKey returns the non-terminal row for a dedup key, or
// ErrNotFound. The ingestor uses this for the progress debounce check.
func (s *Store) GetByDedupKey(ctx context.Context, dedupKey string) (*models.PendingEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	//nolint:gosec // eventColumns is a compile-time constant
	row := s.conn.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM pending_events
		 WHERE dedup_key = ? AND state IN ('pending', 'waiting_item')`, eventColumns), dedupKey)

	ev, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

// ListByState returns events in the given states ordered by next_retry_at,
// for the dashboard projections.
func (s *Store) ListByState(ctx context.Context, limit int, states ...models.EventState) ([]models.PendingEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, limit)

	//nolint:gosec // placeholders only
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM pending_events
		 WHERE state IN (%s)
		 ORDER BY next_retry_at, id
		 LIMIT ?`, eventColumns, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return scanEvents(rows)
}

// QueueStats summarizes the queue. Failed counts terminal failures
// recorded in sync_log over the last 24 hours.
func (s *Store) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	stats := &models.QueueStats{}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM pending_events GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch models.EventState(state) {
		case models.StatePending:
			stats.Pending = count
		case models.StateProcessing:
			stats.Processing = count
		case models.StateWaitingItem:
			stats.WaitingItem = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue counts: %w", err)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_log WHERE success = false AND created_at >= ?`,
		time.Now().UTC().Add(-24*time.Hour)).Scan(&stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent failures: %w", err)
	}

	return stats, nil
}

// scanEvents drains a result set of event rows.
func scanEvents(rows *sql.Rows) ([]models.PendingEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []models.PendingEvent
	for rows.Next() {
		var (
			ev      models.PendingEvent
			payload string
		)
		if err := rows.Scan(
			&ev.ID, &ev.DedupKey, &ev.EventType, &ev.SourceNode, &ev.TargetNode, &payload,
			&ev.State, &ev.Attempts, &ev.ItemNotFoundCnt, &ev.ItemNotFoundMax,
			&ev.NextRetryAt, &ev.CreatedAt, &ev.UpdatedAt, &ev.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanEventRow scans a single event row.
func scanEventRow(row *sql.Row) (*models.PendingEvent, error) {
	var (
		ev      models.PendingEvent
		payload string
	)
	if err := row.Scan(
		&ev.ID, &ev.DedupKey, &ev.EventType, &ev.SourceNode, &ev.TargetNode, &payload,
		&ev.State, &ev.Attempts, &ev.ItemNotFoundCnt, &ev.ItemNotFoundMax,
		&ev.NextRetryAt, &ev.CreatedAt, &ev.UpdatedAt, &ev.LastError,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of event %d: %w", ev.ID, err)
	}
	return &ev, nil
}
