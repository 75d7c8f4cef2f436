// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/policy"
	"github.com/tomtom215/fleetsync/internal/resolver"
	"github.com/tomtom215/fleetsync/internal/store"
)

// fakeClient is a stateful in-memory node: mutations actually update
// its user-item data so read-compare paths can be exercised.
type fakeClient struct {
	name      string
	users     map[string]string                   // username -> remote id
	items     map[string]string                   // normalized path -> item id
	data      map[string]*nodeclient.UserItemData // userID|itemID
	playlists map[string]*fakePlaylist
	seq       int

	err error // injected into every operation when set
	ops []string
}

type fakePlaylist struct {
	name    string
	entries []nodeclient.PlaylistEntry
}

var _ nodeclient.Client = (*fakeClient)(nil)

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:      name,
		users:     make(map[string]string),
		items:     make(map[string]string),
		data:      make(map[string]*nodeclient.UserItemData),
		playlists: make(map[string]*fakePlaylist),
	}
}

func (f *fakeClient) dataFor(userID, itemID string) *nodeclient.UserItemData {
	key := userID + "|" + itemID
	d, ok := f.data[key]
	if !ok {
		d = &nodeclient.UserItemData{}
		f.data[key] = d
	}
	return d
}

func (f *fakeClient) record(op string) { f.ops = append(f.ops, op) }

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Health(context.Context) (string, error) { return "10.9.2", f.err }

func (f *fakeClient) ListUsers(context.Context) ([]models.RemoteUser, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.RemoteUser, 0, len(f.users))
	for username, id := range f.users {
		out = append(out, models.RemoteUser{RemoteID: id, Username: username})
	}
	return out, nil
}

func (f *fakeClient) FindItemByPath(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.items[models.NormalizePath(path)]; ok {
		return id, nil
	}
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: path}
}

func (f *fakeClient) FindItemByProvider(context.Context, string, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem}
}

func (f *fakeClient) ListLibraryPaths(context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.items))
	for k, v := range f.items {
		out[k] = v
	}
	return out, nil
}

func (f *fakeClient) GetUserItemData(_ context.Context, userID, itemID string) (*nodeclient.UserItemData, error) {
	if f.err != nil {
		return nil, f.err
	}
	d := *f.dataFor(userID, itemID)
	return &d, nil
}

func (f *fakeClient) ApplyUserItemData(_ context.Context, userID, itemID string, patch nodeclient.UserDataPatch) error {
	if f.err != nil {
		return f.err
	}
	d := f.dataFor(userID, itemID)
	if patch.PositionTicks != nil {
		d.PositionTicks = *patch.PositionTicks
	}
	if patch.Played != nil {
		d.Played = *patch.Played
	}
	if patch.Favorite != nil {
		d.Favorite = *patch.Favorite
	}
	if patch.Rating != nil {
		d.Rating = patch.Rating
	}
	f.record("apply_user_item_data")
	return nil
}

func (f *fakeClient) MarkPlayed(_ context.Context, userID, itemID string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	d := f.dataFor(userID, itemID)
	d.Played = true
	played := at
	d.LastPlayedAt = &played
	f.record("mark_played:" + itemID)
	return nil
}

func (f *fakeClient) MarkUnplayed(_ context.Context, userID, itemID string) error {
	if f.err != nil {
		return f.err
	}
	f.dataFor(userID, itemID).Played = false
	f.record("mark_unplayed:" + itemID)
	return nil
}

func (f *fakeClient) SetFavorite(_ context.Context, userID, itemID string, favorite bool) error {
	if f.err != nil {
		return f.err
	}
	f.dataFor(userID, itemID).Favorite = favorite
	f.record(fmt.Sprintf("set_favorite:%s:%t", itemID, favorite))
	return nil
}

func (f *fakeClient) SetRating(_ context.Context, userID, itemID string, rating *float64) error {
	if f.err != nil {
		return f.err
	}
	f.dataFor(userID, itemID).Rating = rating
	f.record("set_rating:" + itemID)
	return nil
}

func (f *fakeClient) SetProgress(_ context.Context, userID, itemID string, positionTicks int64) error {
	if f.err != nil {
		return f.err
	}
	f.dataFor(userID, itemID).PositionTicks = positionTicks
	f.record(fmt.Sprintf("set_progress:%s:%d", itemID, positionTicks))
	return nil
}

func (f *fakeClient) CreateUser(_ context.Context, username, password string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("U-%s-%s", f.name, username)
	f.users[username] = id
	f.record("create_user:" + username + ":" + password)
	return id, nil
}

func (f *fakeClient) DeleteUser(_ context.Context, remoteID string) error {
	if f.err != nil {
		return f.err
	}
	for username, id := range f.users {
		if id == remoteID {
			delete(f.users, username)
			f.record("delete_user:" + username)
			return nil
		}
	}
	return &nodeclient.NotFoundError{Kind: nodeclient.NotFoundUser, Detail: remoteID}
}

func (f *fakeClient) FindPlaylist(_ context.Context, _, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for id, pl := range f.playlists {
		if strings.EqualFold(pl.name, name) {
			return id, nil
		}
	}
	return "", &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: "playlist " + name}
}

func (f *fakeClient) GetPlaylistItems(_ context.Context, _, playlistID string) ([]nodeclient.PlaylistEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	pl, ok := f.playlists[playlistID]
	if !ok {
		return nil, &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: playlistID}
	}
	return append([]nodeclient.PlaylistEntry(nil), pl.entries...), nil
}

func (f *fakeClient) CreatePlaylist(_ context.Context, _, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	id := fmt.Sprintf("P-%s-%d", f.name, f.seq)
	f.playlists[id] = &fakePlaylist{name: name}
	f.record("create_playlist:" + name)
	return id, nil
}

func (f *fakeClient) AddPlaylistItems(_ context.Context, _, playlistID string, itemIDs []string) error {
	if f.err != nil {
		return f.err
	}
	pl, ok := f.playlists[playlistID]
	if !ok {
		return &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: playlistID}
	}
	for _, itemID := range itemIDs {
		f.seq++
		pl.entries = append(pl.entries, nodeclient.PlaylistEntry{
			EntryID: fmt.Sprintf("E-%s-%d", f.name, f.seq),
			ItemID:  itemID,
		})
	}
	if len(itemIDs) > 0 {
		f.record(fmt.Sprintf("add_playlist_items:%d", len(itemIDs)))
	}
	return nil
}

func (f *fakeClient) RemovePlaylistEntries(_ context.Context, playlistID string, entryIDs []string) error {
	if f.err != nil {
		return f.err
	}
	pl, ok := f.playlists[playlistID]
	if !ok {
		return &nodeclient.NotFoundError{Kind: nodeclient.NotFoundItem, Detail: playlistID}
	}
	drop := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		drop[id] = true
	}
	kept := pl.entries[:0]
	for _, e := range pl.entries {
		if !drop[e.EntryID] {
			kept = append(kept, e)
		}
	}
	pl.entries = kept
	if len(entryIDs) > 0 {
		f.record(fmt.Sprintf("remove_playlist_entries:%d", len(entryIDs)))
	}
	return nil
}

// fakeSink records node health degradations.
type fakeSink struct {
	mu    sync.Mutex
	nodes []string
}

func (s *fakeSink) MarkUnauthorized(node, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, node)
}

func testWorkerConfig() *config.Config {
	return &config.Config{
		Servers: []config.NodeConfig{
			{Name: "wan", URL: "http://wan:8096", APIKey: "k1"},
			{Name: "lan", URL: "http://lan:8096", APIKey: "k2", Passwordless: true},
		},
		Sync: config.SyncConfig{
			PlaybackProgress:        true,
			WatchedStatus:           true,
			Favorites:               true,
			Ratings:                 true,
			Playlists:               true,
			ProgressDebounceSeconds: 30,
			WorkerIntervalSeconds:   5,
			CooldownSeconds:         30,
			MaxRetries:              5,
			BatchSize:               32,
		},
	}
}

func newTestWorker(t *testing.T, cfg *config.Config, rules []policy.Rule, nodes ...*fakeClient) (*Worker, *store.Store, *fakeSink) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clients := make(map[string]nodeclient.Client, len(nodes))
	for _, n := range nodes {
		clients[n.name] = n
	}
	sink := &fakeSink{}
	w := New(st, resolver.New(st, clients), clients, cfg, policy.New(rules), sink)
	return w, st, sink
}

const testPath = "/mnt/nfs/movies/x.mkv"

// fleetFixture builds a wan source and a lan target that both know
// alice and the shared test item.
func fleetFixture() (*fakeClient, *fakeClient) {
	wan := newFakeClient("wan")
	wan.users["alice"] = "U-wan-1"
	wan.items[testPath] = "I-wan-9"

	lan := newFakeClient("lan")
	lan.users["Alice"] = "U-lan-2"
	lan.items[testPath] = "I-lan-17"
	return wan, lan
}

func fieldEvent(eventType models.EventType, source, target, user string, fields map[string]models.FieldValue) *models.PendingEvent {
	ts := time.Now().UTC().Add(-time.Minute)
	item := models.ItemDescriptor{Name: "x", Path: testPath}
	return &models.PendingEvent{
		DedupKey:    models.DedupKey(eventType, source, user, item.Key(), target),
		EventType:   eventType,
		SourceNode:  source,
		TargetNode:  target,
		State:       models.StateProcessing,
		NextRetryAt: ts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Payload: models.EventPayload{
			Username:        user,
			Item:            item,
			Fields:          fields,
			SourceTimestamp: ts,
			ReceivedAt:      ts,
		},
	}
}

func positionFields(ticks int64, at time.Time) map[string]models.FieldValue {
	return map[string]models.FieldValue{models.FieldPosition: {Ticks: &ticks, At: at}}
}

func boolFields(name string, v bool, at time.Time) map[string]models.FieldValue {
	return map[string]models.FieldValue{name: {Bool: &v, At: at}}
}

func TestProgressApplies(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, "position=00:10:00", outcome.Value)
	assert.Equal(t, int64(6_000_000_000), lan.dataFor("U-lan-2", "I-lan-17").PositionTicks)
}

func TestProgressSkipsWithinTolerance(t *testing.T) {
	wan, lan := fleetFixture()
	lan.dataFor("U-lan-2", "I-lan-17").PositionTicks = 6_000_000_000 + 5*models.TicksPerSecond
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "already set", outcome.Reason)
}

func TestProgressSkipsWhenTargetNewer(t *testing.T) {
	wan, lan := fleetFixture()
	d := lan.dataFor("U-lan-2", "I-lan-17")
	d.PositionTicks = 20_000_000_000
	now := time.Now().UTC()
	d.LastPlayedAt = &now
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, now.Add(-time.Minute)))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "target newer", outcome.Reason)
}

func TestProgressOverwritesStaleTarget(t *testing.T) {
	wan, lan := fleetFixture()
	d := lan.dataFor("U-lan-2", "I-lan-17")
	d.PositionTicks = 20_000_000_000
	stale := time.Now().UTC().Add(-time.Hour)
	d.LastPlayedAt = &stale
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, int64(6_000_000_000), lan.dataFor("U-lan-2", "I-lan-17").PositionTicks)
}

func TestCooldownSuppressesEcho(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)
	ctx := context.Background()

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	require.Equal(t, models.OutcomeApplied, w.process(ctx, ev).Kind)

	// lan reports the position we just wrote, fanned back toward wan
	echo := fieldEvent(models.EventProgress, "lan", "wan", "Alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(ctx, echo)

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "cooldown", outcome.Reason)
	assert.Empty(t, wan.ops, "the echo must not touch the origin node")
}

func TestWatchedApplies(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventWatched, "wan", "lan", "alice",
		boolFields(models.FieldPlayed, true, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, "played=true", outcome.Value)

	d := lan.dataFor("U-lan-2", "I-lan-17")
	assert.True(t, d.Played)
	require.NotNil(t, d.LastPlayedAt, "watched carries the source-side timestamp")
}

func TestWatchedSkipsWhenEqual(t *testing.T) {
	wan, lan := fleetFixture()
	lan.dataFor("U-lan-2", "I-lan-17").Played = true
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventWatched, "wan", "lan", "alice",
		boolFields(models.FieldPlayed, true, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "already set", outcome.Reason)
	assert.Empty(t, lan.ops)
}

func TestFavoriteApplies(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventFavorite, "wan", "lan", "alice",
		boolFields(models.FieldFavorite, true, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, "favorite=true", outcome.Value)
	assert.True(t, lan.dataFor("U-lan-2", "I-lan-17").Favorite)
}

func TestRatingAppliesAndSkipsEqual(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)
	ctx := context.Background()

	rating := 8.5
	fields := map[string]models.FieldValue{
		models.FieldRating: {Number: &rating, At: time.Now().UTC()},
	}
	ev := fieldEvent(models.EventRating, "wan", "lan", "alice", fields)
	outcome := w.process(ctx, ev)
	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, "rating=8.5", outcome.Value)

	// same rating again, different direction so the cooldown key matches
	w.cooldowns = NewCooldownSet()
	outcome = w.process(ctx, fieldEvent(models.EventRating, "wan", "lan", "alice", fields))
	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "already set", outcome.Reason)
}

func TestNoMatchingUserFails(t *testing.T) {
	wan, lan := fleetFixture()
	delete(lan.users, "Alice")
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "no matching user")
}

func TestItemAbsentFailsWithoutPolicy(t *testing.T) {
	wan, lan := fleetFixture()
	delete(lan.items, testPath)
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Equal(t, "item not found", outcome.Reason)
}

func TestItemAbsentParksPerPolicy(t *testing.T) {
	wan, lan := fleetFixture()
	delete(lan.items, testPath)
	rules := []policy.Rule{{Prefix: "/mnt/nfs", MaxAttempts: 3, Delay: 2 * time.Minute}}
	w, _, _ := newTestWorker(t, testWorkerConfig(), rules, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	ev.ItemNotFoundMax = 3
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeWaitItem, outcome.Kind)
	assert.Equal(t, 2*time.Minute, outcome.Delay)
}

func TestItemAbsentExhaustsBudget(t *testing.T) {
	wan, lan := fleetFixture()
	delete(lan.items, testPath)
	rules := []policy.Rule{{Prefix: "/mnt/nfs", MaxAttempts: 3, Delay: 2 * time.Minute}}
	w, _, _ := newTestWorker(t, testWorkerConfig(), rules, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	ev.ItemNotFoundMax = 3
	ev.ItemNotFoundCnt = 3
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "item not found after 4 attempts")
}

func TestUnboundedPolicyNeverExhausts(t *testing.T) {
	wan, lan := fleetFixture()
	delete(lan.items, testPath)
	rules := []policy.Rule{{Prefix: "/mnt/nfs", MaxAttempts: policy.Unbounded, Delay: 10 * time.Minute}}
	w, _, _ := newTestWorker(t, testWorkerConfig(), rules, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	ev.ItemNotFoundMax = policy.Unbounded
	ev.ItemNotFoundCnt = 500
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeWaitItem, outcome.Kind)
	assert.Equal(t, 10*time.Minute, outcome.Delay)
}

func TestTransientFailureBacksOff(t *testing.T) {
	wan, lan := fleetFixture()
	lan.err = &nodeclient.TransientError{Cause: assert.AnError}
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeRetry, outcome.Kind)
	assert.Equal(t, time.Minute, outcome.Delay)

	ev.Attempts = 3
	outcome = w.process(context.Background(), ev)
	assert.Equal(t, models.OutcomeRetry, outcome.Kind)
	assert.Equal(t, 8*time.Minute, outcome.Delay)
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	wan, lan := fleetFixture()
	lan.err = &nodeclient.TransientError{Cause: assert.AnError}
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	ev.Attempts = 5
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "gave up after 5 attempts")
}

func TestRetryBackoffCaps(t *testing.T) {
	assert.Equal(t, time.Minute, retryBackoff(1))
	assert.Equal(t, 2*time.Minute, retryBackoff(2))
	assert.Equal(t, 8*time.Minute, retryBackoff(4))
	assert.Equal(t, 10*time.Minute, retryBackoff(5))
	assert.Equal(t, 10*time.Minute, retryBackoff(40))
}

func TestUnauthorizedFailsAndDegradesNode(t *testing.T) {
	wan, lan := fleetFixture()
	lan.err = &nodeclient.UnauthorizedError{Node: "lan", Status: 401}
	w, _, sink := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Equal(t, []string{"lan"}, sink.nodes)
}

func TestDryRunSkips(t *testing.T) {
	wan, lan := fleetFixture()
	cfg := testWorkerConfig()
	cfg.Sync.DryRun = true
	w, _, _ := newTestWorker(t, cfg, nil, wan, lan)

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	outcome := w.process(context.Background(), ev)

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "dry run", outcome.Reason)
	assert.Empty(t, lan.ops)
}

func lifecycleEvent(eventType models.EventType, source, target, user string) *models.PendingEvent {
	ev := fieldEvent(eventType, source, target, user, nil)
	ev.Payload.Item = models.ItemDescriptor{}
	ev.DedupKey = models.DedupKey(eventType, source, user, "", target)
	return ev
}

func TestUserCreatedProvisionsAccount(t *testing.T) {
	wan, lan := fleetFixture()
	w, st, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	ev := lifecycleEvent(models.EventUserCreated, "wan", "lan", "bob")
	ev.Payload.Password = "s3cr3t-passw0rd!"
	outcome := w.process(context.Background(), ev)

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.Equal(t, "user=bob", outcome.Value)
	assert.Contains(t, lan.ops, "create_user:bob:s3cr3t-passw0rd!")

	m, err := st.GetUserMapping(context.Background(), "bob", "lan")
	require.NoError(t, err)
	assert.Equal(t, "U-lan-bob", m.RemoteUserID)
}

func TestUserCreatedSkipsExisting(t *testing.T) {
	wan, lan := fleetFixture()
	lan.users["bob"] = "U-lan-3"
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	outcome := w.process(context.Background(), lifecycleEvent(models.EventUserCreated, "wan", "lan", "bob"))

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "user already exists", outcome.Reason)
}

func TestUserDeletedRemovesAccount(t *testing.T) {
	wan, lan := fleetFixture()
	lan.users["bob"] = "U-lan-3"
	w, st, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)
	ctx := context.Background()

	outcome := w.process(ctx, lifecycleEvent(models.EventUserDeleted, "wan", "lan", "bob"))

	require.Equal(t, models.OutcomeApplied, outcome.Kind)
	assert.NotContains(t, lan.users, "bob")

	_, err := st.GetUserMapping(ctx, "bob", "lan")
	assert.ErrorIs(t, err, store.ErrNotFound, "mappings invalidated after delete")
}

func TestUserDeletedSkipsAbsent(t *testing.T) {
	wan, lan := fleetFixture()
	w, _, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)

	outcome := w.process(context.Background(), lifecycleEvent(models.EventUserDeleted, "wan", "lan", "bob"))

	assert.Equal(t, models.OutcomeSkipped, outcome.Kind)
	assert.Equal(t, "user not present", outcome.Reason)
}

func TestTickLeasesProcessesAndFinalizes(t *testing.T) {
	wan, lan := fleetFixture()
	w, st, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)
	ctx := context.Background()

	ev := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	ev.State = models.StatePending
	_, err := st.Enqueue(ctx, []*models.PendingEvent{ev})
	require.NoError(t, err)

	w.tick(ctx)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total, "applied events leave the queue")

	entries, total, err := st.QuerySyncLog(ctx, models.SyncLogFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "position=00:10:00", entries[0].SyncedValue)
	assert.Equal(t, int64(6_000_000_000), lan.dataFor("U-lan-2", "I-lan-17").PositionTicks)
}

func TestReleaseRemainingReturnsLeasedEvents(t *testing.T) {
	wan, lan := fleetFixture()
	w, st, _ := newTestWorker(t, testWorkerConfig(), nil, wan, lan)
	ctx := context.Background()

	first := fieldEvent(models.EventProgress, "wan", "lan", "alice",
		positionFields(6_000_000_000, time.Now().UTC()))
	second := lifecycleEvent(models.EventUserCreated, "wan", "lan", "bob")
	_, err := st.Enqueue(ctx, []*models.PendingEvent{first, second})
	require.NoError(t, err)

	leased, err := st.LeaseDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, leased, 2)

	w.releaseRemaining(leased)

	pending, err := st.ListByState(ctx, 10, models.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, ev := range pending {
		assert.Equal(t, "shutdown", ev.LastError)
	}
}
