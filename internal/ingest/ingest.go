// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* ingest.go - Webhook normalization and fan-out

One inbound notification becomes up to N-1 replication intents, one per
other configured node, written to the store in a single transaction.
Progress notifications inside the debounce window coalesce onto the
existing pending row instead of appending; the store's dedup-key upsert
carries the newer position.
*/

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/policy"
	"github.com/tomtom215/fleetsync/internal/store"
)

var (
	// ErrUnknownSource means the webhook path names a node that is not
	// configured. Surfaces as 404; nothing reaches the store.
	ErrUnknownSource = errors.New("unknown source node")

	// ErrMalformedPayload means the body failed to decode or validate.
	// Surfaces as 400; nothing reaches the store.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Result acknowledges one accepted webhook.
type Result struct {
	IntentIDs []int64 `json:"intent_ids"`

	// Dropped carries the reason when the notification was accepted but
	// produced no intents (disabled kind, import flood, debounce).
	Dropped string `json:"dropped,omitempty"`

	// Passwords maps target node name to the generated credential for
	// UserCreated fan-out. Shown once; never logged.
	Passwords map[string]string `json:"passwords,omitempty"`
}

// Ingestor normalizes webhooks into pending-event intents.
type Ingestor struct {
	store    *store.Store
	cfg      *config.Config
	policies *policy.Engine
}

// New creates an ingestor bound to the configured fleet.
func New(st *store.Store, cfg *config.Config, policies *policy.Engine) *Ingestor {
	return &Ingestor{store: st, cfg: cfg, policies: policies}
}

// Ingest processes one raw webhook body from sourceNode. All produced
// intents are enqueued atomically.
func (ing *Ingestor) Ingest(ctx context.Context, sourceNode string, raw []byte) (*Result, error) {
	node, ok := ing.cfg.Node(sourceNode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceNode)
	}

	var n models.WebhookNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	received := time.Now().UTC()
	ts := n.SourceTimestamp(received)
	targets := ing.cfg.OtherNodes(node.Name)

	intents, result, err := ing.buildIntents(ctx, &n, node, targets, ts, received)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		if result.Dropped == "" {
			result.Dropped = "no intents produced"
		}
		return result, nil
	}

	ids, err := ing.store.Enqueue(ctx, intents)
	if err != nil {
		return nil, err
	}
	result.IntentIDs = ids

	for _, intent := range intents {
		metrics.IngestIntents.WithLabelValues(string(intent.EventType)).Inc()
	}
	logging.Debug().Str("source", node.Name).Str("type", n.NotificationType).
		Int("intents", len(ids)).Msg("Webhook ingested")

	return result, nil
}

func (ing *Ingestor) buildIntents(
	ctx context.Context,
	n *models.WebhookNotification,
	source config.NodeConfig,
	targets []config.NodeConfig,
	ts, received time.Time,
) ([]*models.PendingEvent, *Result, error) {
	result := &Result{}
	var intents []*models.PendingEvent

	switch n.NotificationType {
	case models.NotificationPlaybackProgress, models.NotificationPlaybackStop:
		if ing.cfg.Sync.PlaybackProgress {
			progress := ing.progressIntents(ctx, n, source, targets, ts, received)
			intents = append(intents, progress...)
		}
		if n.PlayedToCompletion && ing.cfg.Sync.WatchedStatus {
			played := true
			intents = append(intents, ing.fieldIntents(models.EventWatched, n, source, targets, ts, received,
				map[string]models.FieldValue{models.FieldPlayed: {Bool: &played, At: ts}})...)
		}
		if len(intents) == 0 {
			result.Dropped = "playback sync disabled"
		}

	case models.NotificationUserDataSaved:
		if n.SaveReason == models.SaveReasonImport {
			result.Dropped = "import save reason"
			break
		}
		if ing.cfg.Sync.WatchedStatus {
			played := n.Played
			intents = append(intents, ing.fieldIntents(models.EventWatched, n, source, targets, ts, received,
				map[string]models.FieldValue{models.FieldPlayed: {Bool: &played, At: ts}})...)
		}
		if ing.cfg.Sync.Favorites {
			favorite := n.IsFavorite
			intents = append(intents, ing.fieldIntents(models.EventFavorite, n, source, targets, ts, received,
				map[string]models.FieldValue{models.FieldFavorite: {Bool: &favorite, At: ts}})...)
		}
		if ing.cfg.Sync.Ratings && n.Rating != nil {
			rating := *n.Rating
			intents = append(intents, ing.fieldIntents(models.EventRating, n, source, targets, ts, received,
				map[string]models.FieldValue{models.FieldRating: {Number: &rating, At: ts}})...)
		}
		if len(intents) == 0 && result.Dropped == "" {
			result.Dropped = "user-data sync disabled"
		}

	case models.NotificationUserCreated:
		result.Passwords = make(map[string]string)
		for _, target := range targets {
			payload := ing.basePayload(n, ts, received)
			payload.Passwordless = target.Passwordless
			if !target.Passwordless {
				pw, err := GeneratePassword()
				if err != nil {
					return nil, nil, err
				}
				payload.Password = pw
				result.Passwords[target.Name] = pw
			}
			intents = append(intents, ing.intent(models.EventUserCreated, source, target, payload, "", received))
		}

	case models.NotificationUserDeleted:
		for _, target := range targets {
			payload := ing.basePayload(n, ts, received)
			intents = append(intents, ing.intent(models.EventUserDeleted, source, target, payload, "", received))
		}

	case models.NotificationPlaylistChanged:
		if !ing.cfg.Sync.Playlists {
			result.Dropped = "playlist sync disabled"
			break
		}
		for _, target := range targets {
			payload := ing.basePayload(n, ts, received)
			payload.PlaylistName = n.Name
			intents = append(intents, ing.intent(models.EventPlaylistChange, source, target,
				payload, "playlist:"+strings.ToLower(n.Name), received))
		}

	default:
		// the plugin emits many kinds we do not replicate
		result.Dropped = "unsupported notification type"
	}

	return intents, result, nil
}

// progressIntents builds Progress fan-out, counting coalesces that land
// inside the debounce window.
func (ing *Ingestor) progressIntents(
	ctx context.Context,
	n *models.WebhookNotification,
	source config.NodeConfig,
	targets []config.NodeConfig,
	ts, received time.Time,
) []*models.PendingEvent {
	position := n.PlaybackPositionTicks
	fields := map[string]models.FieldValue{
		models.FieldPosition: {Ticks: &position, At: ts},
	}

	intents := make([]*models.PendingEvent, 0, len(targets))
	for _, target := range targets {
		payload := ing.basePayload(n, ts, received)
		payload.Fields = fields
		payload.PlayedToCompletion = n.PlayedToCompletion

		intent := ing.intent(models.EventProgress, source, target, payload, payload.Item.Key(), received)

		if !n.PlayedToCompletion {
			// a pending row updated inside the window means this delivery
			// coalesces rather than scheduling new work
			if row, err := ing.store.GetByDedupKey(ctx, intent.DedupKey); err == nil &&
				row.State == models.StatePending &&
				received.Sub(row.UpdatedAt) < ing.cfg.Sync.ProgressDebounce() {
				metrics.IngestDebounceDrops.Inc()
			}
		}
		intents = append(intents, intent)
	}
	return intents
}

// fieldIntents builds one intent per target carrying the given field set.
func (ing *Ingestor) fieldIntents(
	eventType models.EventType,
	n *models.WebhookNotification,
	source config.NodeConfig,
	targets []config.NodeConfig,
	ts, received time.Time,
	fields map[string]models.FieldValue,
) []*models.PendingEvent {
	intents := make([]*models.PendingEvent, 0, len(targets))
	for _, target := range targets {
		payload := ing.basePayload(n, ts, received)
		payload.Fields = fields
		intents = append(intents, ing.intent(eventType, source, target, payload, payload.Item.Key(), received))
	}
	return intents
}

func (ing *Ingestor) basePayload(n *models.WebhookNotification, ts, received time.Time) models.EventPayload {
	return models.EventPayload{
		Username:        n.NotificationUsername,
		SourceUserID:    n.UserID,
		Item:            n.Item(),
		SourceTimestamp: ts,
		ReceivedAt:      received,
	}
}

func (ing *Ingestor) intent(
	eventType models.EventType,
	source, target config.NodeConfig,
	payload models.EventPayload,
	itemKey string,
	received time.Time,
) *models.PendingEvent {
	rule := ing.policies.Lookup(payload.Item.Path)
	return &models.PendingEvent{
		DedupKey:        models.DedupKey(eventType, source.Name, payload.Username, itemKey, target.Name),
		EventType:       eventType,
		SourceNode:      source.Name,
		TargetNode:      target.Name,
		Payload:         payload,
		State:           models.StatePending,
		ItemNotFoundMax: rule.MaxAttempts,
		NextRetryAt:     received,
		CreatedAt:       received,
		UpdatedAt:       received,
	}
}
