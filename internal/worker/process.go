// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* process.go - Per-event replication pipeline

Field events run cooldown check -> user resolution -> item resolution
-> read-compare against the target -> apply -> cooldown registration.
User lifecycle events skip item resolution entirely. Every terminal
outcome lands in the sync log via Finalize.
*/

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/resolver"
)

// progressToleranceTicks is the dead band for position replication: a
// target within this distance already has the value for practical
// purposes, and replicating it would only generate echo traffic.
const progressToleranceTicks = 10 * models.TicksPerSecond

func (w *Worker) process(ctx context.Context, ev *models.PendingEvent) models.Outcome {
	switch ev.EventType {
	case models.EventUserCreated:
		return w.processUserCreated(ctx, ev)
	case models.EventUserDeleted:
		return w.processUserDeleted(ctx, ev)
	case models.EventPlaylistChange:
		return w.processPlaylist(ctx, ev)
	default:
		return w.processField(ctx, ev)
	}
}

// processField replicates one user-item field to the target node.
func (w *Worker) processField(ctx context.Context, ev *models.PendingEvent) models.Outcome {
	key := cooldownKey(ev)
	if w.cooldowns.Active(key) {
		return skipOutcome("cooldown")
	}

	userID, err := w.resolver.ResolveUser(ctx, ev.Payload.Username, ev.TargetNode)
	if err != nil {
		if errors.Is(err, resolver.ErrNoMatchingUser) || errors.Is(err, resolver.ErrUnknownNode) {
			return failOutcome("no_matching_user", err.Error())
		}
		return w.classify(ev, err)
	}

	itemID, err := w.resolver.ResolveItem(ctx, ev.TargetNode, ev.Payload.Item)
	if err != nil {
		if errors.Is(err, resolver.ErrItemAbsent) {
			return w.absentOutcome(ev)
		}
		return w.classify(ev, err)
	}

	client, ok := w.clients[strings.ToLower(ev.TargetNode)]
	if !ok {
		return failOutcome("no_matching_user", "no client for node "+ev.TargetNode)
	}

	state, err := client.GetUserItemData(ctx, userID, itemID)
	if err != nil {
		return w.classify(ev, err)
	}

	outcome, done := w.applyField(ctx, client, ev, userID, itemID, state)
	if done {
		return outcome
	}

	w.cooldowns.Set(key, w.cfg.Sync.Cooldown())
	metrics.SyncApplies.WithLabelValues(string(ev.EventType), ev.TargetNode).Inc()
	return outcome
}

// applyField compares the target's current state against the event and
// applies when they differ. done is true for skips and failures, where
// no cooldown should be registered.
func (w *Worker) applyField(
	ctx context.Context,
	client nodeclient.Client,
	ev *models.PendingEvent,
	userID, itemID string,
	state *nodeclient.UserItemData,
) (models.Outcome, bool) {
	var (
		apply func() error
		value string
	)

	switch ev.EventType {
	case models.EventProgress:
		want, ok := ev.Payload.PositionTicks()
		if !ok {
			return failOutcome("malformed_event", "no position value in payload"), true
		}
		delta := state.PositionTicks - want
		if delta < 0 {
			delta = -delta
		}
		if delta < progressToleranceTicks {
			return skipOutcome("already set"), true
		}
		if state.PositionTicks > want && state.LastPlayedAt != nil &&
			state.LastPlayedAt.After(ev.Payload.SourceTimestamp) {
			return skipOutcome("target newer"), true
		}
		apply = func() error { return client.SetProgress(ctx, userID, itemID, want) }
		value = "position=" + models.FormatTicks(want)

	case models.EventWatched:
		want, ok := ev.Payload.BoolField(models.FieldPlayed)
		if !ok {
			return failOutcome("malformed_event", "no played value in payload"), true
		}
		if state.Played == want {
			return skipOutcome("already set"), true
		}
		if want {
			apply = func() error { return client.MarkPlayed(ctx, userID, itemID, ev.Payload.SourceTimestamp) }
		} else {
			apply = func() error { return client.MarkUnplayed(ctx, userID, itemID) }
		}
		value = fmt.Sprintf("played=%t", want)

	case models.EventFavorite:
		want, ok := ev.Payload.BoolField(models.FieldFavorite)
		if !ok {
			return failOutcome("malformed_event", "no favorite value in payload"), true
		}
		if state.Favorite == want {
			return skipOutcome("already set"), true
		}
		apply = func() error { return client.SetFavorite(ctx, userID, itemID, want) }
		value = fmt.Sprintf("favorite=%t", want)

	case models.EventRating:
		want, ok := ev.Payload.RatingValue()
		if !ok {
			return skipOutcome("no rating value"), true
		}
		if state.Rating != nil && *state.Rating == want {
			return skipOutcome("already set"), true
		}
		apply = func() error { return client.SetRating(ctx, userID, itemID, &want) }
		value = fmt.Sprintf("rating=%g", want)

	default:
		return failOutcome("malformed_event", "unhandled event type "+string(ev.EventType)), true
	}

	if w.cfg.Sync.DryRun {
		logging.Info().Str("target", ev.TargetNode).Str("user", ev.Payload.Username).
			Str("value", value).Msg("Dry run, not applying")
		return skipOutcome("dry run"), true
	}

	if err := apply(); err != nil {
		return w.classify(ev, err), true
	}
	return models.Applied(value), false
}

// processUserCreated provisions the account on the target node.
func (w *Worker) processUserCreated(ctx context.Context, ev *models.PendingEvent) models.Outcome {
	username := ev.Payload.Username

	if _, err := w.resolver.ResolveUser(ctx, username, ev.TargetNode); err == nil {
		return skipOutcome("user already exists")
	} else if !errors.Is(err, resolver.ErrNoMatchingUser) {
		return w.classify(ev, err)
	}

	client, ok := w.clients[strings.ToLower(ev.TargetNode)]
	if !ok {
		return failOutcome("no_matching_user", "no client for node "+ev.TargetNode)
	}

	if w.cfg.Sync.DryRun {
		return skipOutcome("dry run")
	}

	remoteID, err := client.CreateUser(ctx, username, ev.Payload.Password)
	if err != nil {
		return w.classify(ev, err)
	}

	if err := w.store.PutUserMapping(ctx, username, ev.TargetNode, remoteID); err != nil {
		// the mapping cache reseeds itself from the node's user list
		logging.Warn().Err(err).Str("user", username).Str("node", ev.TargetNode).
			Msg("Failed to cache mapping for created user")
	}

	metrics.SyncApplies.WithLabelValues(string(ev.EventType), ev.TargetNode).Inc()
	return models.Applied("user=" + username)
}

// processUserDeleted removes the account from the target node and drops
// the stale mappings.
func (w *Worker) processUserDeleted(ctx context.Context, ev *models.PendingEvent) models.Outcome {
	username := ev.Payload.Username

	remoteID, err := w.resolver.ResolveUser(ctx, username, ev.TargetNode)
	if err != nil {
		if errors.Is(err, resolver.ErrNoMatchingUser) {
			return skipOutcome("user not present")
		}
		return w.classify(ev, err)
	}

	client, ok := w.clients[strings.ToLower(ev.TargetNode)]
	if !ok {
		return failOutcome("no_matching_user", "no client for node "+ev.TargetNode)
	}

	if w.cfg.Sync.DryRun {
		return skipOutcome("dry run")
	}

	if err := client.DeleteUser(ctx, remoteID); err != nil {
		if nodeclient.IsNotFound(err, nodeclient.NotFoundUser) {
			return skipOutcome("user not present")
		}
		return w.classify(ev, err)
	}

	if _, err := w.resolver.InvalidateUser(ctx, username); err != nil {
		logging.Warn().Err(err).Str("user", username).Msg("Failed to invalidate user mappings")
	}

	metrics.SyncApplies.WithLabelValues(string(ev.EventType), ev.TargetNode).Inc()
	return models.Applied("user=" + username)
}

// absentOutcome decides what to do with an event whose item is not on
// the target: park it per the path policy's budget or fail it.
func (w *Worker) absentOutcome(ev *models.PendingEvent) models.Outcome {
	rule := w.policies.Lookup(ev.Payload.Item.Path)

	// the budget was frozen at enqueue so later policy edits do not
	// resurrect exhausted events
	rule.MaxAttempts = ev.ItemNotFoundMax

	if rule.Exhausted(ev.ItemNotFoundCnt + 1) {
		if ev.ItemNotFoundCnt == 0 {
			return failOutcome("item_absent", "item not found")
		}
		return failOutcome("item_absent",
			fmt.Sprintf("item not found after %d attempts", ev.ItemNotFoundCnt+1))
	}
	return models.WaitItem(rule.Delay)
}

// classify maps a node or store error to a retry/fail outcome.
func (w *Worker) classify(ev *models.PendingEvent, err error) models.Outcome {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return models.Retry(0, "shutdown")

	case nodeclient.IsUnauthorized(err):
		if w.health != nil {
			w.health.MarkUnauthorized(ev.TargetNode, err.Error())
		}
		return failOutcome("unauthorized", err.Error())

	case nodeclient.IsTransient(err):
		attempt := ev.Attempts + 1
		if attempt > w.cfg.Sync.MaxRetries {
			return failOutcome("transient_exhausted",
				fmt.Sprintf("gave up after %d attempts: %v", ev.Attempts, err))
		}
		metrics.SyncRetries.Inc()
		return models.Retry(retryBackoff(attempt), err.Error())

	case nodeclient.IsNotFound(err, nodeclient.NotFoundUser):
		return failOutcome("no_matching_user", err.Error())

	default:
		return failOutcome("permanent", err.Error())
	}
}

func skipOutcome(reason string) models.Outcome {
	metrics.SyncSkips.WithLabelValues(reason).Inc()
	return models.Skipped(reason)
}

func failOutcome(kind, reason string) models.Outcome {
	metrics.SyncFailures.WithLabelValues(kind).Inc()
	return models.Failed(reason)
}
