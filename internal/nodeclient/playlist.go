// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package nodeclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// FindPlaylist returns the id of the user's playlist with the given
// name, matched case-insensitively. NotFoundError(item) when absent.
func (c *JellyfinClient) FindPlaylist(ctx context.Context, userID, name string) (string, error) {
	endpoint := fmt.Sprintf("/Users/%s/Items", url.PathEscape(userID))
	query := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Playlist"},
		"SearchTerm":       {name},
	}
	resp, err := c.doRequest(ctx, "find_playlist", http.MethodGet, endpoint, query, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyStatus(resp, NotFoundItem)
	}

	var page itemsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return "", fmt.Errorf("failed to decode playlists: %w", err)
	}
	for _, item := range page.Items {
		if strings.EqualFold(item.Name, name) {
			return item.ID, nil
		}
	}
	return "", &NotFoundError{Kind: NotFoundItem, Detail: "playlist " + name}
}

// GetPlaylistItems lists the playlist's entries with their paths.
func (c *JellyfinClient) GetPlaylistItems(ctx context.Context, userID, playlistID string) ([]PlaylistEntry, error) {
	endpoint := fmt.Sprintf("/Playlists/%s/Items", url.PathEscape(playlistID))
	query := url.Values{
		"UserId": {userID},
		"Fields": {"Path"},
	}
	resp, err := c.doRequest(ctx, "get_playlist_items", http.MethodGet, endpoint, query, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, NotFoundItem)
	}

	var page struct {
		Items []struct {
			ID             string `json:"Id"`
			PlaylistItemID string `json:"PlaylistItemId"`
			Name           string `json:"Name"`
			Path           string `json:"Path"`
		} `json:"Items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode playlist items: %w", err)
	}

	entries := make([]PlaylistEntry, 0, len(page.Items))
	for _, item := range page.Items {
		entries = append(entries, PlaylistEntry{
			EntryID: item.PlaylistItemID,
			ItemID:  item.ID,
			Name:    item.Name,
			Path:    item.Path,
		})
	}
	return entries, nil
}

// CreatePlaylist creates an empty playlist owned by the user and
// returns its id.
func (c *JellyfinClient) CreatePlaylist(ctx context.Context, userID, name string) (string, error) {
	body := map[string]string{
		"Name":   name,
		"UserId": userID,
	}
	resp, err := c.doRequest(ctx, "create_playlist", http.MethodPost, "/Playlists", nil, body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyStatus(resp, NotFoundUser)
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode created playlist: %w", err)
	}
	return created.ID, nil
}

// AddPlaylistItems appends items to the playlist.
func (c *JellyfinClient) AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("/Playlists/%s/Items", url.PathEscape(playlistID))
	query := url.Values{
		"Ids":    {strings.Join(itemIDs, ",")},
		"UserId": {userID},
	}
	return c.doMutation(ctx, "add_playlist_items", http.MethodPost, endpoint, query, nil)
}

// RemovePlaylistEntries removes entries (by playlist slot id) from the
// playlist.
func (c *JellyfinClient) RemovePlaylistEntries(ctx context.Context, playlistID string, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("/Playlists/%s/Items", url.PathEscape(playlistID))
	query := url.Values{
		"EntryIds": {strings.Join(entryIDs, ",")},
	}
	return c.doMutation(ctx, "remove_playlist_entries", http.MethodDelete, endpoint, query, nil)
}
