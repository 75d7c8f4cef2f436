// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package nodeclient

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindPlaylistMatchesCaseInsensitively(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Users/U-wan-1/Items", r.URL.Path)
		assert.Equal(t, "Playlist", r.URL.Query().Get("IncludeItemTypes"))
		_, _ = w.Write([]byte(`{"Items": [
			{"Id": "P-wan-7", "Name": "road trip"},
			{"Id": "P-wan-8", "Name": "Workout"}
		], "TotalRecordCount": 2}`))
	}))

	id, err := c.FindPlaylist(context.Background(), "U-wan-1", "Road Trip")
	require.NoError(t, err)
	assert.Equal(t, "P-wan-7", id)

	_, err = c.FindPlaylist(context.Background(), "U-wan-1", "Jazz")
	assert.True(t, IsNotFound(err, NotFoundItem))
}

func TestGetPlaylistItemsMapsEntries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Playlists/P-wan-7/Items", r.URL.Path)
		assert.Equal(t, "Path", r.URL.Query().Get("Fields"))
		_, _ = w.Write([]byte(`{"Items": [
			{"Id": "I-wan-9", "PlaylistItemId": "E-1", "Name": "x", "Path": "/mnt/nfs/movies/x.mkv"},
			{"Id": "I-wan-10", "PlaylistItemId": "E-2", "Name": "y", "Path": "/mnt/nfs/movies/y.mkv"}
		]}`))
	}))

	entries, err := c.GetPlaylistItems(context.Background(), "U-wan-1", "P-wan-7")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, PlaylistEntry{
		EntryID: "E-1", ItemID: "I-wan-9", Name: "x", Path: "/mnt/nfs/movies/x.mkv",
	}, entries[0])
}

func TestCreatePlaylistReturnsID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/Playlists", r.URL.Path)
		_, _ = w.Write([]byte(`{"Id": "P-wan-9"}`))
	}))

	id, err := c.CreatePlaylist(context.Background(), "U-wan-1", "Road Trip")
	require.NoError(t, err)
	assert.Equal(t, "P-wan-9", id)
}

func TestAddPlaylistItemsJoinsIDs(t *testing.T) {
	var got string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("Ids")
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.AddPlaylistItems(context.Background(), "U-wan-1", "P-wan-7", []string{"I-1", "I-2"})
	require.NoError(t, err)
	assert.Equal(t, "I-1,I-2", got)
}

func TestAddPlaylistItemsEmptyIsNoop(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected for an empty add")
	}))

	assert.NoError(t, c.AddPlaylistItems(context.Background(), "U-wan-1", "P-wan-7", nil))
}

func TestRemovePlaylistEntriesSendsDelete(t *testing.T) {
	var method, entryIDs string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		entryIDs = r.URL.Query().Get("EntryIds")
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.RemovePlaylistEntries(context.Background(), "P-wan-7", []string{"E-1", "E-3"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "E-1,E-3", entryIDs)
}
