// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* resolver.go - Cross-node identity resolution

Translates (username, item descriptor) into concrete remote ids on a
target node. Positive lookups are memoized in the store's mapping and
item caches; negative results are never cached, because an absent item
may appear after the next library scan.
*/

package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/store"
)

var (
	// ErrNoMatchingUser means the username exists on the source node but
	// no case-insensitive match exists on the target. Permanent for the
	// event.
	ErrNoMatchingUser = errors.New("no matching user on target node")

	// ErrItemAbsent means neither path nor any provider id resolved on
	// the target. Retry behavior is governed by the path policy.
	ErrItemAbsent = errors.New("item absent on target node")

	// ErrUnknownNode means the event references a node that is not
	// configured. Permanent.
	ErrUnknownNode = errors.New("unknown node")
)

// providerOrder is the lookup precedence for external ids.
var providerOrder = []string{"imdb", "tmdb", "tvdb"}

// defaultRefreshCooldown bounds full-library rescans: a path miss right
// after a scan is authoritative until the cooldown expires.
const defaultRefreshCooldown = 15 * time.Second

type nodeState struct {
	mu          sync.Mutex
	lastRefresh time.Time
}

// Resolver resolves users and items against target nodes, backed by the
// store's caches.
type Resolver struct {
	store   *store.Store
	clients map[string]nodeclient.Client

	// refreshCooldown is overridable in tests; zero disables throttling.
	refreshCooldown time.Duration

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// New creates a resolver over the given per-node clients, keyed by
// node name.
func New(st *store.Store, clients map[string]nodeclient.Client) *Resolver {
	normalized := make(map[string]nodeclient.Client, len(clients))
	for name, c := range clients {
		normalized[strings.ToLower(name)] = c
	}
	return &Resolver{
		store:           st,
		clients:         normalized,
		refreshCooldown: defaultRefreshCooldown,
		nodes:           make(map[string]*nodeState),
	}
}

func (r *Resolver) client(node string) (nodeclient.Client, error) {
	c, ok := r.clients[strings.ToLower(node)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return c, nil
}

func (r *Resolver) state(node string) *nodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.nodes[node]
	if !ok {
		st = &nodeState{}
		r.nodes[node] = st
	}
	return st
}

// ResolveUser returns the remote user id for username on targetNode.
// On a cache miss the node's user list is fetched and the whole mapping
// table for that node refreshed before retrying the match.
func (r *Resolver) ResolveUser(ctx context.Context, username, targetNode string) (string, error) {
	if m, err := r.store.GetUserMapping(ctx, username, targetNode); err == nil {
		return m.RemoteUserID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if _, err := r.RefreshUserMappings(ctx, targetNode); err != nil {
		return "", err
	}

	m, err := r.store.GetUserMapping(ctx, username, targetNode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s on %s", ErrNoMatchingUser, username, targetNode)
		}
		return "", err
	}
	return m.RemoteUserID, nil
}

// RefreshUserMappings lists accounts on a node and re-seeds the mapping
// cache. Returns the number of accounts seen.
func (r *Resolver) RefreshUserMappings(ctx context.Context, node string) (int, error) {
	c, err := r.client(node)
	if err != nil {
		return 0, err
	}

	users, err := c.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users on %s: %w", node, err)
	}

	for _, u := range users {
		if err := r.store.PutUserMapping(ctx, u.Username, node, u.RemoteID); err != nil {
			return 0, err
		}
	}

	logging.Debug().Str("node", node).Int("users", len(users)).Msg("Refreshed user mappings")
	return len(users), nil
}

// ResolveItem returns the remote item id for the descriptor on
// targetNode. Path lookups go through the item cache with a
// single-flighted full-library refresh on miss; provider ids are tried
// in imdb → tmdb → tvdb order.
func (r *Resolver) ResolveItem(ctx context.Context, targetNode string, item models.ItemDescriptor) (string, error) {
	if item.Empty() {
		return "", fmt.Errorf("%w: descriptor carries no path or provider id", ErrItemAbsent)
	}

	if item.Path != "" {
		id, err := r.resolveByPath(ctx, targetNode, item.Path)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrItemAbsent) {
			return "", err
		}
	}

	id, err := r.resolveByProviders(ctx, targetNode, item)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, ErrItemAbsent) {
		return "", fmt.Errorf("%w: %s on %s", ErrItemAbsent, item.Key(), targetNode)
	}
	return "", err
}

func (r *Resolver) resolveByPath(ctx context.Context, targetNode, path string) (string, error) {
	key := models.NormalizePath(path)

	if e, err := r.store.GetItemCache(ctx, targetNode, key); err == nil {
		return e.RemoteItemID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := r.RefreshLibrary(ctx, targetNode); err != nil {
		return "", err
	}

	e, err := r.store.GetItemCache(ctx, targetNode, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrItemAbsent
		}
		return "", err
	}
	return e.RemoteItemID, nil
}

func (r *Resolver) resolveByProviders(ctx context.Context, targetNode string, item models.ItemDescriptor) (string, error) {
	c, err := r.client(targetNode)
	if err != nil {
		return "", err
	}

	values := map[string]string{
		"imdb": item.ProviderIMDB,
		"tmdb": item.ProviderTMDB,
		"tvdb": item.ProviderTVDB,
	}

	for _, provider := range providerOrder {
		value := values[provider]
		if value == "" {
			continue
		}
		key := provider + ":" + value

		if e, err := r.store.GetItemCache(ctx, targetNode, key); err == nil {
			return e.RemoteItemID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}

		id, err := c.FindItemByProvider(ctx, provider, value)
		if err != nil {
			if nodeclient.IsNotFound(err, nodeclient.NotFoundItem) {
				continue
			}
			return "", err
		}

		if err := r.store.PutItemCache(ctx, targetNode, key, id); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", ErrItemAbsent
}

// RefreshLibrary pages the node's library and batch-caches every path.
// Single-flighted per node, and throttled so a burst of misses in one
// worker tick triggers at most one scan.
func (r *Resolver) RefreshLibrary(ctx context.Context, node string) error {
	c, err := r.client(node)
	if err != nil {
		return err
	}

	st := r.state(strings.ToLower(node))
	st.mu.Lock()
	defer st.mu.Unlock()

	if r.refreshCooldown > 0 && time.Since(st.lastRefresh) < r.refreshCooldown {
		return nil
	}

	start := time.Now()
	paths, err := c.ListLibraryPaths(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan library on %s: %w", node, err)
	}

	if err := r.store.PutItemCacheBatch(ctx, node, paths); err != nil {
		return err
	}

	st.lastRefresh = time.Now()
	logging.Info().Str("node", node).Int("items", len(paths)).
		Dur("elapsed", time.Since(start)).Msg("Refreshed library path cache")
	return nil
}

// InvalidateUser drops the user's mappings on every node, for
// UserDeleted fan-out.
func (r *Resolver) InvalidateUser(ctx context.Context, username string) (int, error) {
	return r.store.InvalidateUser(ctx, username)
}
