// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* client.go - Jellyfin-API node client

One client per configured node. Stateless apart from the cached admin
user id; all retry policy lives in the worker. Authentication uses the
full MediaBrowser authorization header rather than a bare token so the
node does not accumulate phantom device sessions.
*/

package nodeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second

	// libraryPageSize is the page size for the full-library path scan.
	libraryPageSize = 500

	clientName    = "Fleetsync"
	clientVersion = "1.0.0"
)

// UserItemData is the per-user state of one item as reported by the node.
type UserItemData struct {
	Played        bool       `json:"Played"`
	PositionTicks int64      `json:"PlaybackPositionTicks"`
	Favorite      bool       `json:"IsFavorite"`
	Rating        *float64   `json:"Rating,omitempty"`
	LastPlayedAt  *time.Time `json:"LastPlayedDate,omitempty"`
}

// UserDataPatch is a partial update of UserItemData. Nil fields are
// left untouched on the node.
type UserDataPatch struct {
	Played        *bool      `json:"Played,omitempty"`
	PositionTicks *int64     `json:"PlaybackPositionTicks,omitempty"`
	Favorite      *bool      `json:"IsFavorite,omitempty"`
	Rating        *float64   `json:"Rating,omitempty"`
	LastPlayedAt  *time.Time `json:"LastPlayedDate,omitempty"`
}

// PlaylistEntry is one item inside a playlist. EntryID addresses the
// playlist slot; ItemID addresses the media item.
type PlaylistEntry struct {
	EntryID string
	ItemID  string
	Name    string
	Path    string
}

// Client is the capability surface the resolver and worker use against
// one remote node.
type Client interface {
	Name() string
	Health(ctx context.Context) (string, error)
	ListUsers(ctx context.Context) ([]models.RemoteUser, error)
	FindItemByPath(ctx context.Context, path string) (string, error)
	FindItemByProvider(ctx context.Context, provider, value string) (string, error)
	ListLibraryPaths(ctx context.Context) (map[string]string, error)
	GetUserItemData(ctx context.Context, userID, itemID string) (*UserItemData, error)
	ApplyUserItemData(ctx context.Context, userID, itemID string, patch UserDataPatch) error
	MarkPlayed(ctx context.Context, userID, itemID string, at time.Time) error
	MarkUnplayed(ctx context.Context, userID, itemID string) error
	SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error
	SetRating(ctx context.Context, userID, itemID string, rating *float64) error
	SetProgress(ctx context.Context, userID, itemID string, positionTicks int64) error
	CreateUser(ctx context.Context, username, password string) (string, error)
	DeleteUser(ctx context.Context, remoteID string) error
	FindPlaylist(ctx context.Context, userID, name string) (string, error)
	GetPlaylistItems(ctx context.Context, userID, playlistID string) ([]PlaylistEntry, error)
	CreatePlaylist(ctx context.Context, userID, name string) (string, error)
	AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error
	RemovePlaylistEntries(ctx context.Context, playlistID string, entryIDs []string) error
}

// JellyfinClient talks to one Jellyfin-compatible node.
type JellyfinClient struct {
	name       string
	baseURL    string
	apiKey     string
	deviceID   string
	httpClient *http.Client
	limiter    *rate.Limiter

	adminMu sync.Mutex
	adminID string
}

// Compile-time interface check
var _ Client = (*JellyfinClient)(nil)

// New creates a client for one configured node. The device id is
// derived from the node name so reconnects reuse the same session slot.
func New(cfg config.NodeConfig) *JellyfinClient {
	deviceID := uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte("https://github.com/tomtom215/fleetsync/"+strings.ToLower(cfg.Name))).String()

	return &JellyfinClient{
		name:     cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Name returns the configured node name.
func (c *JellyfinClient) Name() string { return c.name }

// Health checks reachability and returns the node's reported version.
func (c *JellyfinClient) Health(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, "health", http.MethodGet, "/System/Info/Public", nil, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyStatus(resp, NotFoundItem)
	}

	var info struct {
		Version    string `json:"Version"`
		ServerName string `json:"ServerName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode system info: %w", err)
	}
	return info.Version, nil
}

// jellyfinUser is the wire shape of one account in /Users.
type jellyfinUser struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Policy struct {
		IsAdministrator bool `json:"IsAdministrator"`
	} `json:"Policy"`
}

// ListUsers retrieves all accounts on the node.
func (c *JellyfinClient) ListUsers(ctx context.Context) ([]models.RemoteUser, error) {
	resp, err := c.doRequest(ctx, "list_users", http.MethodGet, "/Users", nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, NotFoundUser)
	}

	var raw []jellyfinUser
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}

	users := make([]models.RemoteUser, 0, len(raw))
	for _, u := range raw {
		users = append(users, models.RemoteUser{
			RemoteID: u.ID,
			Username: u.Name,
			IsAdmin:  u.Policy.IsAdministrator,
		})
	}
	return users, nil
}

// adminUserID returns a cached admin account id. Item queries run in an
// admin user context so the whole library is visible.
func (c *JellyfinClient) adminUserID(ctx context.Context) (string, error) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	if c.adminID != "" {
		return c.adminID, nil
	}

	users, err := c.ListUsers(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.IsAdmin {
			c.adminID = u.RemoteID
			return c.adminID, nil
		}
	}
	return "", &PermanentError{Status: 0, Detail: "no administrator account available for library queries"}
}

// itemsPage is one page of an /Users/{id}/Items response.
type itemsPage struct {
	Items []struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
		Path string `json:"Path"`
	} `json:"Items"`
	TotalRecordCount int `json:"TotalRecordCount"`
}

// ListLibraryPaths pages the node's whole library and returns a
// normalized-path → item-id map. Expensive; callers batch-cache the
// result.
func (c *JellyfinClient) ListLibraryPaths(ctx context.Context) (map[string]string, error) {
	adminID, err := c.adminUserID(ctx)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string)
	start := 0
	for {
		query := url.Values{
			"Recursive":  {"true"},
			"Fields":     {"Path"},
			"StartIndex": {strconv.Itoa(start)},
			"Limit":      {strconv.Itoa(libraryPageSize)},
		}
		page, err := c.fetchItemsPage(ctx, "list_library_paths", adminID, query)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			if item.Path == "" {
				continue
			}
			paths[models.NormalizePath(item.Path)] = item.ID
		}

		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			break
		}
	}
	return paths, nil
}

// FindItemByPath scans the library for an item whose path matches.
// Returns NotFoundError(item) when absent; absence is not an error the
// client caches.
func (c *JellyfinClient) FindItemByPath(ctx context.Context, path string) (string, error) {
	paths, err := c.ListLibraryPaths(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := paths[models.NormalizePath(path)]; ok {
		return id, nil
	}
	return "", &NotFoundError{Kind: NotFoundItem, Detail: path}
}

// FindItemByProvider looks an item up by external provider id, e.g.
// ("imdb", "tt0111161").
func (c *JellyfinClient) FindItemByProvider(ctx context.Context, provider, value string) (string, error) {
	adminID, err := c.adminUserID(ctx)
	if err != nil {
		return "", err
	}

	query := url.Values{
		"Recursive":           {"true"},
		"AnyProviderIdEquals": {provider + "." + value},
		"Limit":               {"1"},
	}
	page, err := c.fetchItemsPage(ctx, "find_item_by_provider", adminID, query)
	if err != nil {
		return "", err
	}
	if len(page.Items) == 0 {
		return "", &NotFoundError{Kind: NotFoundItem, Detail: provider + ":" + value}
	}
	return page.Items[0].ID, nil
}

func (c *JellyfinClient) fetchItemsPage(ctx context.Context, op, adminID string, query url.Values) (*itemsPage, error) {
	endpoint := fmt.Sprintf("/Users/%s/Items", url.PathEscape(adminID))
	resp, err := c.doRequest(ctx, op, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, NotFoundItem)
	}

	var page itemsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode items page: %w", err)
	}
	return &page, nil
}

// GetUserItemData reads one user's state for one item.
func (c *JellyfinClient) GetUserItemData(ctx context.Context, userID, itemID string) (*UserItemData, error) {
	endpoint := fmt.Sprintf("/Users/%s/Items/%s", url.PathEscape(userID), url.PathEscape(itemID))
	resp, err := c.doRequest(ctx, "get_user_item_data", http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, NotFoundItem)
	}

	var item struct {
		UserData UserItemData `json:"UserData"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode user item data: %w", err)
	}
	return &item.UserData, nil
}

// ApplyUserItemData patches one user's state for one item. Only the
// non-nil patch fields are sent.
func (c *JellyfinClient) ApplyUserItemData(ctx context.Context, userID, itemID string, patch UserDataPatch) error {
	endpoint := fmt.Sprintf("/Users/%s/Items/%s/UserData", url.PathEscape(userID), url.PathEscape(itemID))
	return c.doMutation(ctx, "apply_user_item_data", http.MethodPost, endpoint, nil, patch)
}

// MarkPlayed flags the item watched at the given time.
func (c *JellyfinClient) MarkPlayed(ctx context.Context, userID, itemID string, at time.Time) error {
	endpoint := fmt.Sprintf("/Users/%s/PlayedItems/%s", url.PathEscape(userID), url.PathEscape(itemID))
	query := url.Values{}
	if !at.IsZero() {
		query.Set("DatePlayed", at.UTC().Format(time.RFC3339))
	}
	return c.doMutation(ctx, "mark_played", http.MethodPost, endpoint, query, nil)
}

// MarkUnplayed clears the watched flag.
func (c *JellyfinClient) MarkUnplayed(ctx context.Context, userID, itemID string) error {
	endpoint := fmt.Sprintf("/Users/%s/PlayedItems/%s", url.PathEscape(userID), url.PathEscape(itemID))
	return c.doMutation(ctx, "mark_unplayed", http.MethodDelete, endpoint, nil, nil)
}

// SetFavorite sets or clears the favorite flag.
func (c *JellyfinClient) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	endpoint := fmt.Sprintf("/Users/%s/FavoriteItems/%s", url.PathEscape(userID), url.PathEscape(itemID))
	method := http.MethodPost
	op := "set_favorite"
	if !favorite {
		method = http.MethodDelete
	}
	return c.doMutation(ctx, op, method, endpoint, nil, nil)
}

// SetRating sets the user rating; nil clears it.
func (c *JellyfinClient) SetRating(ctx context.Context, userID, itemID string, rating *float64) error {
	if rating == nil {
		endpoint := fmt.Sprintf("/Users/%s/Items/%s/Rating", url.PathEscape(userID), url.PathEscape(itemID))
		return c.doMutation(ctx, "set_rating", http.MethodDelete, endpoint, nil, nil)
	}
	return c.ApplyUserItemData(ctx, userID, itemID, UserDataPatch{Rating: rating})
}

// SetProgress sets the resume position in ticks (1 tick = 100ns).
func (c *JellyfinClient) SetProgress(ctx context.Context, userID, itemID string, positionTicks int64) error {
	return c.ApplyUserItemData(ctx, userID, itemID, UserDataPatch{PositionTicks: &positionTicks})
}

// CreateUser creates an account and returns its remote id. Password may
// be empty for passwordless nodes.
func (c *JellyfinClient) CreateUser(ctx context.Context, username, password string) (string, error) {
	body := map[string]string{"Name": username}
	if password != "" {
		body["Password"] = password
	}

	resp, err := c.doRequest(ctx, "create_user", http.MethodPost, "/Users/New", nil, body)
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
		return "", fmt.Errorf("failed to decode created user: %w", err)
	}
	return created.ID, nil
}

// DeleteUser removes an account by remote id.
func (c *JellyfinClient) DeleteUser(ctx context.Context, remoteID string) error {
	endpoint := fmt.Sprintf("/Users/%s", url.PathEscape(remoteID))
	return c.doMutation(ctx, "delete_user", http.MethodDelete, endpoint, nil, nil)
}

// doMutation runs a state-changing request where only the status code
// matters. Jellyfin answers 204 No Content for most mutations.
func (c *JellyfinClient) doMutation(ctx context.Context, op, method, endpoint string, query url.Values, body any) error {
	resp, err := c.doRequest(ctx, op, method, endpoint, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		kind := NotFoundItem
		if op == "delete_user" {
			kind = NotFoundUser
		}
		return c.classifyStatus(resp, kind)
	}
	return nil
}

// doRequest performs one HTTP request against the node API. Transport
// failures (connect, timeout, reset) come back as TransientError; the
// caller classifies non-2xx statuses.
func (c *JellyfinClient) doRequest(ctx context.Context, op, method, endpoint string, query url.Values, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Cause: err}
	}

	fullURL := c.baseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordNodeRequest(c.name, op, time.Since(start), err)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	return resp, nil
}

// authHeader builds the MediaBrowser authorization header. Using the
// full header shape keeps the node from registering a new device
// session per request.
func (c *JellyfinClient) authHeader() string {
	return fmt.Sprintf(
		`MediaBrowser Client="%s", Device="%s", DeviceId="%s", Version="%s", Token="%s"`,
		clientName, clientName, c.deviceID, clientVersion, c.apiKey)
}
