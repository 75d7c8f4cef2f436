// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/store"
)

// fakeNode implements nodeclient.Client over in-memory fixtures.
type fakeNode struct {
	name      string
	users     []models.RemoteUser
	paths     map[string]string // normalized path -> item id
	providers map[string]string // "imdb:tt1" -> item id
	err       error

	listUsersCalls int
	scanCalls      int
	providerCalls  []string
}

var _ nodeclient.Client = (*fakeNode)(nil)

func (f *fakeNode) Name() string                           { return f.name }
func (f *fakeNode) Health(context.Context) (string, error) { return "10.9.2", f.err }

func (f *fakeNode) ListUsers(context.Context) ([]models.RemoteUser, error) {
	f.listUsersCalls++
	return f.users, f.err
}
func (f *fakeNode) FindItemByPath(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.paths[models.NormalizePath(path)]; ok {
		return id, nil
	}
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: path}
}
func (f *fakeNode) FindItemByProvider(_ context.Context, provider, value string) (string, error) {
	f.providerCalls = append(f.providerCalls, provider+":"+value)
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.providers[provider+":"+value]; ok {
		return id, nil
	}
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem}
}
func (f *fakeNode) ListLibraryPaths(context.Context) (map[string]string, error) {
	f.scanCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.paths))
	for k, v := range f.paths {
		out[k] = v
	}
	return out, nil
}
func (f *fakeNode) GetUserItemData(context.Context, string, string) (*nodeclient.UserItemData, error) {
	return &nodeclient.UserItemData{}, f.err
}
func (f *fakeNode) ApplyUserItemData(context.Context, string, string, nodeclient.UserDataPatch) error {
	return f.err
}
func (f *fakeNode) MarkPlayed(context.Context, string, string, time.Time) error { return f.err }
func (f *fakeNode) MarkUnplayed(context.Context, string, string) error { return f.err }
func (f *fakeNode) SetFavorite(context.Context, string, string, bool) error { return f.err }
func (f *fakeNode) SetRating(context.Context, string, string, *float64) error { return f.err }
func (f *fakeNode) SetProgress(context.Context, string, string, int64) error { return f.err }
func (f *fakeNode) CreateUser(context.Context, string, string) (string, error) { return "", f.err }
func (f *fakeNode) DeleteUser(context.Context, string) error { return f.err }
func (f *fakeNode) FindPlaylist(context.Context, string, string) (string, error) {
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem}
}
func (f *fakeNode) GetPlaylistItems(context.Context, string, string) ([]nodeclient.PlaylistEntry, error) {
	return nil, f.err
}
func (f *fakeNode) CreatePlaylist(context.Context, string, string) (string, error) { return "", f.err }
func (f *fakeNode) AddPlaylistItems(context.Context, string, string, []string) error { return f.err }
func (f *fakeNode) RemovePlaylistEntries(context.Context, string, []string) error { return f.err }

func newTestResolver(t *testing.T, nodes ...*fakeNode) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clients := make(map[string]nodeclient.Client, len(nodes))
	for _, n := range nodes {
		clients[n.name] = n
	}
	r := New(st, clients)
	r.refreshCooldown = 0
	return r, st
}

func TestResolveUserPopulatesMappingCache(t *testing.T) {
	lan := &fakeNode{name: "lan", users: []models.RemoteUser{
		{RemoteID: "U-lan-2", Username: "Alice"},
		{RemoteID: "U-lan-3", Username: "bob"},
	}}
	r, _ := newTestResolver(t, lan)
	ctx := context.Background()

	id, err := r.ResolveUser(ctx, "alice", "lan")
	require.NoError(t, err)
	assert.Equal(t, "U-lan-2", id)

	// second resolve is served from the mapping cache
	id, err = r.ResolveUser(ctx, "ALICE", "lan")
	require.NoError(t, err)
	assert.Equal(t, "U-lan-2", id)
	assert.Equal(t, 1, lan.listUsersCalls)
}

func TestResolveUserNoMatch(t *testing.T) {
	lan := &fakeNode{name: "lan", users: []models.RemoteUser{{RemoteID: "U-lan-3", Username: "bob"}}}
	r, _ := newTestResolver(t, lan)

	_, err := r.ResolveUser(context.Background(), "alice", "lan")
	assert.ErrorIs(t, err, ErrNoMatchingUser)
}

func TestResolveUserUnknownNode(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.ResolveUser(context.Background(), "alice", "dmz")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestResolveItemByPathScansOnce(t *testing.T) {
	lan := &fakeNode{name: "lan", paths: map[string]string{
		"/mnt/nfs/movies/x.mkv": "I-lan-17",
		"/mnt/nfs/movies/y.mkv": "I-lan-18",
	}}
	r, _ := newTestResolver(t, lan)
	ctx := context.Background()

	id, err := r.ResolveItem(ctx, "lan", models.ItemDescriptor{Path: "/mnt/nfs/movies/x.mkv"})
	require.NoError(t, err)
	assert.Equal(t, "I-lan-17", id)
	assert.Equal(t, 1, lan.scanCalls)

	// the scan batch-cached every path, so a different item needs no rescan
	id, err = r.ResolveItem(ctx, "lan", models.ItemDescriptor{Path: `\mnt\nfs\movies\y.mkv`})
	require.NoError(t, err)
	assert.Equal(t, "I-lan-18", id)
	assert.Equal(t, 1, lan.scanCalls)
}

func TestResolveItemProviderOrder(t *testing.T) {
	lan := &fakeNode{name: "lan", providers: map[string]string{
		"imdb:tt1": "I-lan-20",
		"tmdb:603": "I-lan-21",
	}}
	r, _ := newTestResolver(t, lan)

	id, err := r.ResolveItem(context.Background(), "lan", models.ItemDescriptor{
		ProviderIMDB: "tt1",
		ProviderTMDB: "603",
	})
	require.NoError(t, err)
	assert.Equal(t, "I-lan-20", id, "imdb wins over tmdb")
	assert.Equal(t, []string{"imdb:tt1"}, lan.providerCalls)
}

func TestResolveItemProviderFallback(t *testing.T) {
	lan := &fakeNode{name: "lan", providers: map[string]string{"tvdb:42": "I-lan-22"}}
	r, _ := newTestResolver(t, lan)
	ctx := context.Background()

	id, err := r.ResolveItem(ctx, "lan", models.ItemDescriptor{
		ProviderIMDB: "tt9",
		ProviderTVDB: "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "I-lan-22", id)
	assert.Equal(t, []string{"imdb:tt9", "tvdb:42"}, lan.providerCalls)

	// positive provider hit is memoized
	_, err = r.ResolveItem(ctx, "lan", models.ItemDescriptor{ProviderTVDB: "42"})
	require.NoError(t, err)
	assert.Len(t, lan.providerCalls, 2)
}

func TestResolveItemNegativeNotCached(t *testing.T) {
	lan := &fakeNode{name: "lan", paths: map[string]string{}}
	r, _ := newTestResolver(t, lan)
	ctx := context.Background()
	desc := models.ItemDescriptor{Path: "/mnt/nfs/movies/x.mkv"}

	_, err := r.ResolveItem(ctx, "lan", desc)
	assert.ErrorIs(t, err, ErrItemAbsent)

	// the item appears on the node; the next attempt must find it
	lan.paths["/mnt/nfs/movies/x.mkv"] = "I-lan-17"
	id, err := r.ResolveItem(ctx, "lan", desc)
	require.NoError(t, err)
	assert.Equal(t, "I-lan-17", id)
}

func TestResolveItemEmptyDescriptor(t *testing.T) {
	r, _ := newTestResolver(t, &fakeNode{name: "lan"})
	_, err := r.ResolveItem(context.Background(), "lan", models.ItemDescriptor{})
	assert.ErrorIs(t, err, ErrItemAbsent)
}

func TestResolveItemTransientErrorPropagates(t *testing.T) {
	lan := &fakeNode{name: "lan", err: &nodeclient.TransientError{Cause: assert.AnError}}
	r, _ := newTestResolver(t, lan)

	_, err := r.ResolveItem(context.Background(), "lan", models.ItemDescriptor{Path: "/x.mkv"})
	assert.True(t, nodeclient.IsTransient(err))
	assert.NotErrorIs(t, err, ErrItemAbsent)
}

func TestRefreshCooldownSuppressesRescan(t *testing.T) {
	lan := &fakeNode{name: "lan", paths: map[string]string{}}
	r, _ := newTestResolver(t, lan)
	r.refreshCooldown = time.Minute
	ctx := context.Background()

	_, err := r.ResolveItem(ctx, "lan", models.ItemDescriptor{Path: "/a.mkv"})
	assert.ErrorIs(t, err, ErrItemAbsent)
	_, err = r.ResolveItem(ctx, "lan", models.ItemDescriptor{Path: "/b.mkv"})
	assert.ErrorIs(t, err, ErrItemAbsent)
	assert.Equal(t, 1, lan.scanCalls, "misses inside the cooldown reuse the last scan")
}
