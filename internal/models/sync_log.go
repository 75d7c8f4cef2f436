// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package models

import "time"

// SyncLogEntry is one append-only record of a finalized event.
type SyncLogEntry struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	EventType   EventType `json:"event_type"`
	SourceNode  string    `json:"source_node"`
	TargetNode  string    `json:"target_node"`
	Username    string    `json:"username"`
	ItemName    string    `json:"item_name,omitempty"`
	SyncedValue string    `json:"synced_value,omitempty"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
}

// SyncLogFilter narrows a sync-log query. Zero values mean "no filter".
type SyncLogFilter struct {
	SourceNode   string
	TargetNode   string
	EventType    EventType
	ItemContains string
	SuccessOnly  bool
	FailedOnly   bool
	Since        time.Time
	Limit        int
	Offset       int
}

// QueueStats summarizes the pending-events table for the dashboard.
type QueueStats struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	WaitingItem int `json:"waiting_item"`
	Failed      int `json:"failed"`
	Total       int `json:"total"`
}
