// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* playlist.go - Playlist reconciliation

Playlists replicate by name with the source node as truth: the target
playlist is created if missing, then its membership is diffed against
the source and converged with adds and removals. Entries whose media
cannot be resolved on the target are skipped with a count; the rest of
the playlist still converges.
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

// processPlaylist reconciles one named playlist from the source node
// onto the target node.
func (w *Worker) processPlaylist(ctx context.Context, ev *models.PendingEvent) models.Outcome {
	name := ev.Payload.PlaylistName
	if name == "" {
		return failOutcome("malformed_event", "no playlist name in payload")
	}

	key := cooldownKey(ev)
	if w.cooldowns.Active(key) {
		return skipOutcome("cooldown")
	}

	srcClient, ok := w.clients[strings.ToLower(ev.SourceNode)]
	if !ok {
		return failOutcome("no_matching_user", "no client for node "+ev.SourceNode)
	}
	tgtClient, ok := w.clients[strings.ToLower(ev.TargetNode)]
	if !ok {
		return failOutcome("no_matching_user", "no client for node "+ev.TargetNode)
	}

	srcUserID, err := w.resolver.ResolveUser(ctx, ev.Payload.Username, ev.SourceNode)
	if err != nil {
		if errors.Is(err, resolver.ErrNoMatchingUser) {
			return failOutcome("no_matching_user", err.Error())
		}
		return w.classify(ev, err)
	}

	srcPlaylistID, err := srcClient.FindPlaylist(ctx, srcUserID, name)
	if err != nil {
		if nodeclient.IsNotFound(err, nodeclient.NotFoundItem) {
			// deleted between webhook and processing; nothing to converge
			return skipOutcome("playlist absent on source")
		}
		return w.classify(ev, err)
	}

	srcEntries, err := srcClient.GetPlaylistItems(ctx, srcUserID, srcPlaylistID)
	if err != nil {
		return w.classify(ev, err)
	}

	tgtUserID, err := w.resolver.ResolveUser(ctx, ev.Payload.Username, ev.TargetNode)
	if err != nil {
		if errors.Is(err, resolver.ErrNoMatchingUser) {
			return failOutcome("no_matching_user", err.Error())
		}
		return w.classify(ev, err)
	}

	desired, unresolved, outcome := w.resolvePlaylistEntries(ctx, ev, srcEntries)
	if outcome != nil {
		return *outcome
	}

	if w.cfg.Sync.DryRun {
		return skipOutcome("dry run")
	}

	changed, err := w.convergePlaylist(ctx, tgtClient, tgtUserID, name, desired)
	if err != nil {
		return w.classify(ev, err)
	}

	if unresolved > 0 {
		logging.Warn().Str("playlist", name).Str("target", ev.TargetNode).
			Int("unresolved", unresolved).Msg("Playlist entries not resolvable on target")
	}

	w.cooldowns.Set(key, w.cfg.Sync.Cooldown())
	metrics.SyncApplies.WithLabelValues(string(ev.EventType), ev.TargetNode).Inc()

	if !changed {
		return models.Applied(fmt.Sprintf("playlist=%s items=%d (no changes)", name, len(desired)))
	}
	return models.Applied(fmt.Sprintf("playlist=%s items=%d", name, len(desired)))
}

// resolvePlaylistEntries maps source entries to target item ids,
// preserving order and dropping duplicates. A non-absence resolution
// error aborts the whole reconcile via the returned outcome.
func (w *Worker) resolvePlaylistEntries(
	ctx context.Context,
	ev *models.PendingEvent,
	srcEntries []nodeclient.PlaylistEntry,
) (desired []string, unresolved int, abort *models.Outcome) {
	seen := make(map[string]bool, len(srcEntries))

	for _, entry := range srcEntries {
		if entry.Path == "" {
			unresolved++
			continue
		}
		id, err := w.resolver.ResolveItem(ctx, ev.TargetNode, models.ItemDescriptor{Path: entry.Path})
		if err != nil {
			if errors.Is(err, resolver.ErrItemAbsent) {
				unresolved++
				continue
			}
			out := w.classify(ev, err)
			return nil, 0, &out
		}
		if !seen[id] {
			seen[id] = true
			desired = append(desired, id)
		}
	}
	return desired, unresolved, nil
}

// convergePlaylist diffs the target playlist against desired and applies
// adds and removals. Returns whether anything changed.
func (w *Worker) convergePlaylist(
	ctx context.Context,
	client nodeclient.Client,
	userID, name string,
	desired []string,
) (bool, error) {
	var current []nodeclient.PlaylistEntry

	playlistID, err := client.FindPlaylist(ctx, userID, name)
	switch {
	case err == nil:
		current, err = client.GetPlaylistItems(ctx, userID, playlistID)
		if err != nil {
			return false, err
		}
	case nodeclient.IsNotFound(err, nodeclient.NotFoundItem):
		playlistID, err = client.CreatePlaylist(ctx, userID, name)
		if err != nil {
			return false, err
		}
	default:
		return false, err
	}

	wanted := make(map[string]bool, len(desired))
	for _, id := range desired {
		wanted[id] = true
	}
	have := make(map[string]bool, len(current))
	var extras []string
	for _, entry := range current {
		if !wanted[entry.ItemID] {
			extras = append(extras, entry.EntryID)
			continue
		}
		have[entry.ItemID] = true
	}

	var missing []string
	for _, id := range desired {
		if !have[id] {
			missing = append(missing, id)
		}
	}

	if err := client.AddPlaylistItems(ctx, userID, playlistID, missing); err != nil {
		return false, err
	}
	if err := client.RemovePlaylistEntries(ctx, playlistID, extras); err != nil {
		return false, err
	}
	return len(missing) > 0 || len(extras) > 0, nil
}
