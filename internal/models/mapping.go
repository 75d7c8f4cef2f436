// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package models

import "time"

// UserMapping binds a username to its remote id on one node.
// Usernames are compared case-insensitively; the stored form is the
// node's own casing.
type UserMapping struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	NodeName     string    `json:"node_name"`
	RemoteUserID string    `json:"remote_user_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ItemCacheEntry memoizes one item lookup on one node. LookupKey is
// either a normalized path or a provider tuple (see ItemDescriptor.Key).
// Entries older than the staleness window are refreshed on next use.
type ItemCacheEntry struct {
	NodeName     string    `json:"node_name"`
	LookupKey    string    `json:"lookup_key"`
	RemoteItemID string    `json:"remote_item_id"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// ItemCacheStaleness is how long a cached item id is trusted before the
// next use forces a re-lookup.
const ItemCacheStaleness = 24 * time.Hour

// RemoteUser is one account as reported by a node's user listing.
type RemoteUser struct {
	RemoteID string `json:"Id"`
	Username string `json:"Name"`
	IsAdmin  bool   `json:"-"`
}

// NodeHealth is one node's reachability snapshot.
type NodeHealth struct {
	Name      string    `json:"name"`
	Reachable bool      `json:"reachable"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
