// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/fleetsync/internal/models"
)

// CooldownSet tracks recently applied changes so their echo webhooks do
// not bounce back and forth between nodes. Keys are direction-agnostic:
// applying alice's position on lan suppresses the symmetric event lan
// emits back about the same user, item, and field.
type CooldownSet struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// NewCooldownSet creates an empty cooldown set.
func NewCooldownSet() *CooldownSet {
	return &CooldownSet{entries: make(map[string]time.Time)}
}

// Set records a cooldown for key lasting ttl from now.
func (c *CooldownSet) Set(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now().Add(ttl)
}

// Active reports whether key is inside an unexpired cooldown.
func (c *CooldownSet) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[key]
	return ok && time.Now().Before(expiry)
}

// Sweep drops expired entries. The worker calls this once per tick.
func (c *CooldownSet) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of tracked entries, expired or not.
func (c *CooldownSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cooldownField maps an event type to the field name used in cooldown
// keys and sync-log summaries.
func cooldownField(t models.EventType) string {
	switch t {
	case models.EventProgress:
		return models.FieldPosition
	case models.EventWatched:
		return models.FieldPlayed
	case models.EventFavorite:
		return models.FieldFavorite
	case models.EventRating:
		return models.FieldRating
	case models.EventPlaylistChange:
		return models.FieldPlaylist
	default:
		return models.FieldUser
	}
}

// cooldownKey builds the direction-agnostic suppression key for an
// event. Source and target node deliberately do not participate: the
// echo of an applied change arrives with those roles swapped.
func cooldownKey(ev *models.PendingEvent) string {
	itemKey := ev.Payload.Item.Key()
	if ev.EventType == models.EventPlaylistChange {
		itemKey = "playlist:" + strings.ToLower(ev.Payload.PlaylistName)
	}
	return strings.ToLower(ev.Payload.Username) + "|" + itemKey + "|" + cooldownField(ev.EventType)
}
