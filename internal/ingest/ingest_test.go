// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package ingest

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/policy"
	"github.com/tomtom215/fleetsync/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Servers: []config.NodeConfig{
			{Name: "wan", URL: "http://wan:8096", APIKey: "k1"},
			{Name: "lan", URL: "http://lan:8096", APIKey: "k2", Passwordless: true},
			{Name: "dmz", URL: "http://dmz:8096", APIKey: "k3"},
		},
		Sync: config.SyncConfig{
			PlaybackProgress:        true,
			WatchedStatus:           true,
			Favorites:               true,
			Ratings:                 true,
			Playlists:               true,
			ProgressDebounceSeconds: 30,
		},
	}
}

func newTestIngestor(t *testing.T, cfg *config.Config, rules ...policy.Rule) (*Ingestor, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg, policy.New(rules)), st
}

const progressBody = `{
	"NotificationType": "PlaybackProgress",
	"NotificationUsername": "alice",
	"ItemId": "I-wan-9",
	"Name": "x",
	"ItemType": "Movie",
	"Path": "/mnt/nfs/movies/x.mkv",
	"PlaybackPositionTicks": 6000000000
}`

func TestIngestUnknownSource(t *testing.T) {
	ing, _ := newTestIngestor(t, testConfig())
	_, err := ing.Ingest(context.Background(), "ghost", []byte(progressBody))
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestIngestMalformedPayload(t *testing.T) {
	ing, _ := newTestIngestor(t, testConfig())
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "wan", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ing.Ingest(ctx, "wan", []byte(`{"NotificationType": "PlaybackProgress"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload, "missing username")
}

func TestIngestProgressFansOutToOtherNodes(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	res, err := ing.Ingest(context.Background(), "wan", []byte(progressBody))
	require.NoError(t, err)
	require.Len(t, res.IntentIDs, 2, "one intent per other node")

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	targets := map[string]bool{}
	for _, row := range rows {
		targets[row.TargetNode] = true
		assert.Equal(t, models.EventProgress, row.EventType)
		assert.Equal(t, "wan", row.SourceNode)
		assert.Equal(t, "alice", row.Payload.Username)
		pos, ok := row.Payload.PositionTicks()
		require.True(t, ok)
		assert.Equal(t, int64(6_000_000_000), pos)
	}
	assert.Equal(t, map[string]bool{"lan": true, "dmz": true}, targets)
}

func TestIngestProgressCoalesces(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "wan", []byte(progressBody))
	require.NoError(t, err)

	second := `{
		"NotificationType": "PlaybackProgress",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"PlaybackPositionTicks": 6120000000
	}`
	res, err := ing.Ingest(ctx, "wan", []byte(second))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 2)

	rows, err := st.ListByState(ctx, 50, models.StatePending)
	require.NoError(t, err)
	require.Len(t, rows, 2, "coalesced onto the existing rows")
	pos, _ := rows[0].Payload.PositionTicks()
	assert.Equal(t, int64(6_120_000_000), pos)
}

func TestIngestCompletionAddsWatchedIntent(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{
		"NotificationType": "PlaybackStop",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"PlaybackPositionTicks": 66000000000,
		"PlayedToCompletion": true
	}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 4, "progress + watched per target")

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)

	counts := map[models.EventType]int{}
	for _, row := range rows {
		counts[row.EventType]++
	}
	assert.Equal(t, 2, counts[models.EventProgress])
	assert.Equal(t, 2, counts[models.EventWatched])
}

func TestIngestUserDataSaved(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{
		"NotificationType": "UserDataSaved",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"Played": true,
		"IsFavorite": true,
		"Rating": 8.5,
		"SaveReason": "UpdateUserData"
	}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 6, "watched + favorite + rating per target")

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)

	var sawRating bool
	for _, row := range rows {
		if row.EventType == models.EventRating {
			sawRating = true
			v, ok := row.Payload.RatingValue()
			require.True(t, ok)
			assert.Equal(t, 8.5, v)
		}
	}
	assert.True(t, sawRating)
}

func TestIngestImportSaveReasonDropped(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{
		"NotificationType": "UserDataSaved",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"Played": true,
		"SaveReason": "Import"
	}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Empty(t, res.IntentIDs)
	assert.Equal(t, "import save reason", res.Dropped)

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngestRespectsSyncToggles(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.Favorites = false
	cfg.Sync.Ratings = false
	ing, st := newTestIngestor(t, cfg)

	body := `{
		"NotificationType": "UserDataSaved",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"Played": true,
		"IsFavorite": true,
		"Rating": 8.5
	}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 2, "only watched intents remain")

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.EventWatched, row.EventType)
	}
}

func TestIngestUserCreatedGeneratesPasswords(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{"NotificationType": "UserCreated", "NotificationUsername": "bob"}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	require.Len(t, res.IntentIDs, 2)

	// lan is passwordless, dmz gets a generated credential
	assert.NotContains(t, res.Passwords, "lan")
	require.Contains(t, res.Passwords, "dmz")
	assert.Len(t, res.Passwords["dmz"], 16)

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.EventUserCreated, row.EventType)
		if row.TargetNode == "lan" {
			assert.True(t, row.Payload.Passwordless)
			assert.Empty(t, row.Payload.Password)
		} else {
			assert.Equal(t, res.Passwords["dmz"], row.Payload.Password)
		}
	}
}

func TestIngestUserDeletedFansOut(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{"NotificationType": "UserDeleted", "NotificationUsername": "bob"}`
	res, err := ing.Ingest(context.Background(), "lan", []byte(body))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 2)

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.EventUserDeleted, row.EventType)
		assert.Equal(t, "lan", row.SourceNode)
	}
}

func TestIngestPlaylistChanged(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig())

	body := `{"NotificationType": "PlaylistChanged", "NotificationUsername": "alice", "Name": "Road Trip"}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Len(t, res.IntentIDs, 2)

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.EventPlaylistChange, row.EventType)
		assert.Equal(t, "Road Trip", row.Payload.PlaylistName)
	}
}

func TestIngestUnsupportedTypeDropped(t *testing.T) {
	ing, _ := newTestIngestor(t, testConfig())

	body := `{"NotificationType": "PluginInstalled", "NotificationUsername": "alice", "Path": "/x"}`
	res, err := ing.Ingest(context.Background(), "wan", []byte(body))
	require.NoError(t, err)
	assert.Empty(t, res.IntentIDs)
	assert.Equal(t, "unsupported notification type", res.Dropped)
}

func TestIngestStampsPolicyBudget(t *testing.T) {
	ing, st := newTestIngestor(t, testConfig(),
		policy.Rule{Prefix: "/mnt/nfs", MaxAttempts: policy.Unbounded, Delay: 10 * time.Minute})

	_, err := ing.Ingest(context.Background(), "wan", []byte(progressBody))
	require.NoError(t, err)

	rows, err := st.ListByState(context.Background(), 50, models.StatePending)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, policy.Unbounded, rows[0].ItemNotFoundMax)
}

func TestGeneratePassword(t *testing.T) {
	urlSafe := regexp.MustCompile(`^[A-Za-z0-9_-]{16}$`)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Regexp(t, urlSafe, pw)
		assert.False(t, seen[pw], "passwords must not repeat")
		seen[pw] = true
	}
}
