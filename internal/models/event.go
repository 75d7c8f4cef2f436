// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Event Intents and Pending Events
// ============================================================================

// EventType classifies one replicable state change.
type EventType string

const (
	EventProgress       EventType = "Progress"
	EventWatched        EventType = "Watched"
	EventFavorite       EventType = "Favorite"
	EventRating         EventType = "Rating"
	EventUserCreated    EventType = "UserCreated"
	EventUserDeleted    EventType = "UserDeleted"
	EventPlaylistChange EventType = "PlaylistChange"
)

// EventState is the lifecycle state of a pending event.
type EventState string

const (
	StatePending     EventState = "pending"
	StateProcessing  EventState = "processing"
	StateWaitingItem EventState = "waiting_item"
	StateFailed      EventState = "failed"
)

// Field names used in payload field sets, cooldown keys, and sync-log output.
const (
	FieldPlayed   = "played"
	FieldPosition = "position"
	FieldFavorite = "favorite"
	FieldRating   = "rating"
	FieldUser     = "user"
	FieldPlaylist = "playlist"
)

// ItemDescriptor identifies one media item independently of any node.
type ItemDescriptor struct {
	Name         string `json:"name,omitempty"`
	Path         string `json:"path,omitempty"`
	ProviderIMDB string `json:"provider_imdb,omitempty"`
	ProviderTMDB string `json:"provider_tmdb,omitempty"`
	ProviderTVDB string `json:"provider_tvdb,omitempty"`
}

// Key returns the canonical lookup key for dedup and item caching:
// the normalized path when present, else the first provider tuple in
// imdb, tmdb, tvdb order.
func (d ItemDescriptor) Key() string {
	if d.Path != "" {
		return d.Path
	}
	if d.ProviderIMDB != "" {
		return "imdb:" + d.ProviderIMDB
	}
	if d.ProviderTMDB != "" {
		return "tmdb:" + d.ProviderTMDB
	}
	if d.ProviderTVDB != "" {
		return "tvdb:" + d.ProviderTVDB
	}
	return ""
}

// Empty reports whether the descriptor carries no usable identity.
func (d ItemDescriptor) Empty() bool {
	return d.Key() == ""
}

// FieldValue is one replicated field with its source-side timestamp.
// Exactly one of the value members is set, depending on the field.
type FieldValue struct {
	Bool   *bool     `json:"bool,omitempty"`
	Ticks  *int64    `json:"ticks,omitempty"`
	Number *float64  `json:"number,omitempty"`
	At     time.Time `json:"at"`
}

// EventPayload is the normalized snapshot enqueued with an intent.
// It carries everything the worker needs to apply the change.
type EventPayload struct {
	Username     string         `json:"username"`
	SourceUserID string         `json:"source_user_id,omitempty"`
	Item         ItemDescriptor `json:"item"`

	// Fields maps field name to value+timestamp. Coalesce merges by
	// newer timestamp per field.
	Fields map[string]FieldValue `json:"fields,omitempty"`

	PlayedToCompletion bool   `json:"played_to_completion,omitempty"`
	PlaylistName       string `json:"playlist_name,omitempty"`
	Passwordless       bool   `json:"passwordless,omitempty"`

	// Password is the generated credential for UserCreated intents on
	// passwordful targets; empty otherwise.
	Password string `json:"password,omitempty"`

	SourceTimestamp time.Time `json:"source_timestamp"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Merge folds a newer payload into p: per field, the value with the newer
// timestamp wins. Non-field members are taken from the newer payload when
// its source timestamp is not older.
func (p *EventPayload) Merge(newer EventPayload) {
	if p.Fields == nil && len(newer.Fields) > 0 {
		p.Fields = make(map[string]FieldValue, len(newer.Fields))
	}
	for name, nv := range newer.Fields {
		cur, ok := p.Fields[name]
		if !ok || !nv.At.Before(cur.At) {
			p.Fields[name] = nv
		}
	}
	if !newer.SourceTimestamp.Before(p.SourceTimestamp) {
		p.SourceTimestamp = newer.SourceTimestamp
		p.ReceivedAt = newer.ReceivedAt
		p.PlayedToCompletion = newer.PlayedToCompletion
		if newer.PlaylistName != "" {
			p.PlaylistName = newer.PlaylistName
		}
	}
}

// PositionTicks returns the position field value, if present.
func (p *EventPayload) PositionTicks() (int64, bool) {
	fv, ok := p.Fields[FieldPosition]
	if !ok || fv.Ticks == nil {
		return 0, false
	}
	return *fv.Ticks, true
}

// BoolField returns a boolean field value, if present.
func (p *EventPayload) BoolField(name string) (bool, bool) {
	fv, ok := p.Fields[name]
	if !ok || fv.Bool == nil {
		return false, false
	}
	return *fv.Bool, true
}

// RatingValue returns the rating field value, if present.
func (p *EventPayload) RatingValue() (float64, bool) {
	fv, ok := p.Fields[FieldRating]
	if !ok || fv.Number == nil {
		return 0, false
	}
	return *fv.Number, true
}

// PendingEvent is one durable row in the pending-events log.
type PendingEvent struct {
	ID         int64        `json:"id"`
	DedupKey   string       `json:"dedup_key"`
	EventType  EventType    `json:"event_type"`
	SourceNode string       `json:"source_node"`
	TargetNode string       `json:"target_node"`
	Payload    EventPayload `json:"payload"`
	State      EventState   `json:"state"`

	Attempts        int       `json:"attempts"`
	ItemNotFoundCnt int       `json:"item_not_found_count"`
	ItemNotFoundMax int       `json:"item_not_found_max"` // -1 = unbounded
	NextRetryAt     time.Time `json:"next_retry_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// DedupKey fingerprints the identity of an intent so that repeated ingest
// of the same logical change updates one row instead of appending.
func DedupKey(eventType EventType, sourceNode, sourceUser, itemKey, targetNode string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		string(eventType), sourceNode, strings.ToLower(sourceUser), itemKey, targetNode,
	}, "|")))
	return hex.EncodeToString(h[:])
}

// ============================================================================
// Worker Outcomes
// ============================================================================

// OutcomeKind is the finalization decision for one leased event.
type OutcomeKind string

const (
	OutcomeApplied  OutcomeKind = "applied"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeRetry    OutcomeKind = "retry"
	OutcomeWaitItem OutcomeKind = "wait_item"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome carries a finalization decision back to the store.
type Outcome struct {
	Kind   OutcomeKind
	Delay  time.Duration // retry / wait_item only
	Reason string        // skip reason, retry cause, or failure message
	Value  string        // human summary for the sync log, e.g. "position=00:10:00"
}

// Applied finalizes an event as successfully synced.
func Applied(value string) Outcome { return Outcome{Kind: OutcomeApplied, Value: value} }

// Skipped finalizes an event without a node call.
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

// Failed finalizes an event terminally.
func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

// Retry reschedules an event after a transient failure.
func Retry(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Reason: reason}
}

// WaitItem parks an event until the target may have indexed the item.
func WaitItem(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeWaitItem, Delay: delay, Reason: "item not yet present"}
}

// ============================================================================
// Ticks
// ============================================================================

// TicksPerSecond converts node position ticks (100ns units) to seconds.
const TicksPerSecond = 10_000_000

// FormatTicks renders a tick position as HH:MM:SS for sync-log summaries.
func FormatTicks(ticks int64) string {
	if ticks < 0 {
		ticks = 0
	}
	secs := ticks / TicksPerSecond
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
