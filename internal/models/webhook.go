// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package models

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Inbound Webhook Notification
// ============================================================================
// Shape emitted by the Jellyfin webhook plugin. Field names are verbatim
// plugin output; the plugin flattens provider ids into Provider_* fields.

// NotificationType values the ingestor recognizes.
const (
	NotificationPlaybackProgress = "PlaybackProgress"
	NotificationPlaybackStop     = "PlaybackStop"
	NotificationUserDataSaved    = "UserDataSaved"
	NotificationUserCreated      = "UserCreated"
	NotificationUserDeleted      = "UserDeleted"
	NotificationPlaylistChanged  = "PlaylistChanged"
)

// SaveReasonImport marks bulk metadata restores; these are dropped at ingest
// to avoid flooding the queue during library imports.
const SaveReasonImport = "Import"

// WebhookNotification is one raw notification from an origin node.
type WebhookNotification struct {
	NotificationType     string `json:"NotificationType"`
	NotificationUsername string `json:"NotificationUsername"`
	UserID               string `json:"UserId,omitempty"`

	// Item identification
	ItemID   string `json:"ItemId,omitempty"`
	Name     string `json:"Name,omitempty"`
	ItemType string `json:"ItemType,omitempty"`
	Path     string `json:"Path,omitempty"`

	// Playback state
	PlaybackPositionTicks int64 `json:"PlaybackPositionTicks,omitempty"` // 1 tick = 100ns
	PlayedToCompletion    bool  `json:"PlayedToCompletion,omitempty"`
	IsFavorite            bool  `json:"IsFavorite,omitempty"`
	Played                bool  `json:"Played,omitempty"`

	// Rating, present only on some node versions
	Rating *float64 `json:"Rating,omitempty"`

	// External provider ids, flattened by the webhook plugin
	ProviderIMDB string `json:"Provider_imdb,omitempty"`
	ProviderTMDB string `json:"Provider_tmdb,omitempty"`
	ProviderTVDB string `json:"Provider_tvdb,omitempty"`

	// UserDataSaved detail
	SaveReason string `json:"SaveReason,omitempty"`

	UtcTimestamp string `json:"UtcTimestamp,omitempty"`
}

// Validate checks the minimal structural requirements for ingestion.
func (n *WebhookNotification) Validate() error {
	if n.NotificationType == "" {
		return fmt.Errorf("missing NotificationType")
	}
	if n.NotificationUsername == "" {
		return fmt.Errorf("missing NotificationUsername")
	}
	switch n.NotificationType {
	case NotificationUserCreated, NotificationUserDeleted:
		// user lifecycle carries no item
	case NotificationPlaylistChanged:
		if n.Name == "" {
			return fmt.Errorf("playlist notification missing Name")
		}
	default:
		if n.ItemID == "" && n.Path == "" && !n.HasProviderIDs() {
			return fmt.Errorf("notification carries no item identity")
		}
	}
	return nil
}

// HasProviderIDs reports whether any external provider id is present.
func (n *WebhookNotification) HasProviderIDs() bool {
	return n.ProviderIMDB != "" || n.ProviderTMDB != "" || n.ProviderTVDB != ""
}

// SourceTimestamp parses UtcTimestamp, falling back to the given receive time.
// The plugin emits RFC3339 with varying sub-second precision.
func (n *WebhookNotification) SourceTimestamp(received time.Time) time.Time {
	if n.UtcTimestamp == "" {
		return received.UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, n.UtcTimestamp); err == nil {
			return ts.UTC()
		}
	}
	return received.UTC()
}

// Item builds the descriptor used for cross-node item resolution.
func (n *WebhookNotification) Item() ItemDescriptor {
	return ItemDescriptor{
		Name:         n.Name,
		Path:         NormalizePath(n.Path),
		ProviderIMDB: strings.TrimSpace(n.ProviderIMDB),
		ProviderTMDB: strings.TrimSpace(n.ProviderTMDB),
		ProviderTVDB: strings.TrimSpace(n.ProviderTVDB),
	}
}

// NormalizePath canonicalizes a media file path for cache keys:
// backslashes become slashes and trailing separators are dropped.
func NormalizePath(path string) string {
	p := strings.ReplaceAll(strings.TrimSpace(path), `\`, "/")
	return strings.TrimRight(p, "/")
}
