// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/fleetsync/internal/models"
)

// GetUserMapping returns the remote user id for (username, node), matched
// case-insensitively. ErrNotFound when no mapping exists.
func (s *Store) GetUserMapping(ctx context.Context, username, nodeName string) (*models.UserMapping, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	m := &models.UserMapping{}
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, username, node_name, remote_user_id, updated_at
		 FROM user_mappings
		 WHERE LOWER(username) = LOWER(?) AND node_name = ?`,
		username, nodeName).Scan(&m.ID, &m.Username, &m.NodeName, &m.RemoteUserID, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user mapping: %w", err)
	}
	return m, nil
}

// PutUserMapping inserts or refreshes a mapping. The (username, node) pair
// is unique; an existing row gets the new remote id and timestamp.
func (s *Store) PutUserMapping(ctx context.Context, username, nodeName, remoteUserID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE user_mappings SET remote_user_id = ?, username = ?, updated_at = ?
		 WHERE LOWER(username) = LOWER(?) AND node_name = ?`,
		remoteUserID, username, now, username, nodeName)
	if err != nil {
		return fmt.Errorf("failed to update user mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	id, err := s.nextID(ctx, s.conn, "user_mappings")
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO user_mappings (id, username, node_name, remote_user_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, username, nodeName, remoteUserID, now)
	if err != nil {
		return fmt.Errorf("failed to insert user mapping: %w", err)
	}
	return nil
}

// InvalidateUser removes every mapping for a username across all nodes.
// Called when a UserDeleted event is applied.
func (s *Store) InvalidateUser(ctx context.Context, username string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM user_mappings WHERE LOWER(username) = LOWER(?)`, username)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate user mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListUserMappings returns all mappings ordered by username then node, for
// the dashboard's user matrix.
func (s *Store) ListUserMappings(ctx context.Context) ([]models.UserMapping, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, username, node_name, remote_user_id, updated_at
		 FROM user_mappings
		 ORDER BY LOWER(username), node_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []models.UserMapping
	for rows.Next() {
		var m models.UserMapping
		if err := rows.Scan(&m.ID, &m.Username, &m.NodeName, &m.RemoteUserID, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetItemCache returns a cached item id for (node, key). Entries older
// than models.ItemCacheStaleness are treated as misses so callers re-query
// the node; stale rows stay in place until overwritten.
func (s *Store) GetItemCache(ctx context.Context, nodeName, lookupKey string) (*models.ItemCacheEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	e := &models.ItemCacheEntry{}
	err := s.conn.QueryRowContext(ctx,
		`SELECT node_name, lookup_key, remote_item_id, fetched_at
		 FROM item_cache
		 WHERE node_name = ? AND lookup_key = ?`,
		nodeName, lookupKey).Scan(&e.NodeName, &e.LookupKey, &e.RemoteItemID, &e.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query item cache: %w", err)
	}

	if time.Since(e.FetchedAt) > models.ItemCacheStaleness {
		return nil, ErrNotFound
	}
	return e, nil
}

// PutItemCache upserts one positive item lookup. Negative results are
// never cached; absent items may appear later.
func (s *Store) PutItemCache(ctx context.Context, nodeName, lookupKey, remoteItemID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	return s.putItemCacheLocked(ctx, nodeName, lookupKey, remoteItemID, time.Now().UTC())
}

// PutItemCacheBatch upserts many lookups in one transaction, used by the
// full-library refresh.
func (s *Store) PutItemCacheBatch(ctx context.Context, nodeName string, entries map[string]string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin item cache batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for key, itemID := range entries {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM item_cache WHERE node_name = ? AND lookup_key = ?`, nodeName, key); err != nil {
			return fmt.Errorf("failed to clear item cache entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_cache (node_name, lookup_key, remote_item_id, fetched_at)
			 VALUES (?, ?, ?, ?)`, nodeName, key, itemID, now); err != nil {
			return fmt.Errorf("failed to insert item cache entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit item cache batch: %w", err)
	}
	return nil
}

// InvalidateItem drops one cached lookup.
func (s *Store) InvalidateItem(ctx context.Context, nodeName, lookupKey string) error {
	if err := s.guard(); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM item_cache WHERE node_name = ? AND lookup_key = ?`,
		nodeName, lookupKey); err != nil {
		return fmt.Errorf("failed to invalidate item cache entry: %w", err)
	}
	return nil
}

func (s *Store) putItemCacheLocked(ctx context.Context, nodeName, lookupKey, remoteItemID string, now time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE item_cache SET remote_item_id = ?, fetched_at = ?
		 WHERE node_name = ? AND lookup_key = ?`,
		remoteItemID, now, nodeName, lookupKey)
	if err != nil {
		return fmt.Errorf("failed to update item cache: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO item_cache (node_name, lookup_key, remote_item_id, fetched_at)
		 VALUES (?, ?, ?, ?)`, nodeName, lookupKey, remoteItemID, now)
	if err != nil {
		return fmt.Errorf("failed to insert item cache entry: %w", err)
	}
	return nil
}
