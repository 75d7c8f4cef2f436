// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
)

// BreakerClient wraps a node client with a circuit breaker so a dead or
// slow node stops consuming worker time until it recovers.
//
// Only transient failures (5xx, connection, timeout) count against the
// breaker; logical results like NotFound pass through without tripping
// it. A rejected call surfaces as TransientError so the worker's normal
// backoff applies.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[interface{}]
	name  string
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps client with a per-node circuit breaker.
// Configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% transient-failure rate with minimum 10 requests
func NewBreakerClient(client Client) *BreakerClient {
	cbName := "node-" + client.Name()

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6

			if shouldTrip {
				logging.Warn().Str("node", client.Name()).Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}

			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("node", client.Name()).Str("from", fromStr).Str("to", toStr).
				Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()

			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerClient{
		inner: client,
		cb:    cb,
		name:  cbName,
	}
}

// execute wraps a node API call with circuit breaker protection.
func (b *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return nil, &TransientError{Cause: err}
		}

		if IsTransient(err) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
			counts := b.cb.Counts()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(counts.ConsecutiveFailures))
		} else {
			// logical error from a reachable node
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)

	return result, nil
}

// castResult type-casts the circuit breaker result with error checking.
func castResult[T any](result interface{}, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Name returns the configured node name.
func (b *BreakerClient) Name() string { return b.inner.Name() }

// Health checks node reachability with circuit breaker protection.
func (b *BreakerClient) Health(ctx context.Context) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.Health(ctx)
	}))
}

// ListUsers lists node accounts with circuit breaker protection.
func (b *BreakerClient) ListUsers(ctx context.Context) ([]models.RemoteUser, error) {
	return castResult[[]models.RemoteUser](b.execute(func() (interface{}, error) {
		return b.inner.ListUsers(ctx)
	}))
}

// FindItemByPath resolves a path with circuit breaker protection.
func (b *BreakerClient) FindItemByPath(ctx context.Context, path string) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.FindItemByPath(ctx, path)
	}))
}

// FindItemByProvider resolves a provider id with circuit breaker protection.
func (b *BreakerClient) FindItemByProvider(ctx context.Context, provider, value string) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.FindItemByProvider(ctx, provider, value)
	}))
}

// ListLibraryPaths pages the library with circuit breaker protection.
func (b *BreakerClient) ListLibraryPaths(ctx context.Context) (map[string]string, error) {
	return castResult[map[string]string](b.execute(func() (interface{}, error) {
		return b.inner.ListLibraryPaths(ctx)
	}))
}

// GetUserItemData reads user-item state with circuit breaker protection.
func (b *BreakerClient) GetUserItemData(ctx context.Context, userID, itemID string) (*UserItemData, error) {
	return castResult[*UserItemData](b.execute(func() (interface{}, error) {
		return b.inner.GetUserItemData(ctx, userID, itemID)
	}))
}

// ApplyUserItemData patches user-item state with circuit breaker protection.
func (b *BreakerClient) ApplyUserItemData(ctx context.Context, userID, itemID string, patch UserDataPatch) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.ApplyUserItemData(ctx, userID, itemID, patch)
	})
	return err
}

// MarkPlayed flags an item watched with circuit breaker protection.
func (b *BreakerClient) MarkPlayed(ctx context.Context, userID, itemID string, at time.Time) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.MarkPlayed(ctx, userID, itemID, at)
	})
	return err
}

// MarkUnplayed clears the watched flag with circuit breaker protection.
func (b *BreakerClient) MarkUnplayed(ctx context.Context, userID, itemID string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.MarkUnplayed(ctx, userID, itemID)
	})
	return err
}

// SetFavorite toggles the favorite flag with circuit breaker protection.
func (b *BreakerClient) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.SetFavorite(ctx, userID, itemID, favorite)
	})
	return err
}

// SetRating sets or clears the rating with circuit breaker protection.
func (b *BreakerClient) SetRating(ctx context.Context, userID, itemID string, rating *float64) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.SetRating(ctx, userID, itemID, rating)
	})
	return err
}

// SetProgress sets the resume position with circuit breaker protection.
func (b *BreakerClient) SetProgress(ctx context.Context, userID, itemID string, positionTicks int64) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.SetProgress(ctx, userID, itemID, positionTicks)
	})
	return err
}

// CreateUser creates an account with circuit breaker protection.
func (b *BreakerClient) CreateUser(ctx context.Context, username, password string) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.CreateUser(ctx, username, password)
	}))
}

// DeleteUser removes an account with circuit breaker protection.
func (b *BreakerClient) DeleteUser(ctx context.Context, remoteID string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.DeleteUser(ctx, remoteID)
	})
	return err
}

// FindPlaylist resolves a playlist by name with circuit breaker protection.
func (b *BreakerClient) FindPlaylist(ctx context.Context, userID, name string) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.FindPlaylist(ctx, userID, name)
	}))
}

// GetPlaylistItems lists playlist entries with circuit breaker protection.
func (b *BreakerClient) GetPlaylistItems(ctx context.Context, userID, playlistID string) ([]PlaylistEntry, error) {
	return castResult[[]PlaylistEntry](b.execute(func() (interface{}, error) {
		return b.inner.GetPlaylistItems(ctx, userID, playlistID)
	}))
}

// CreatePlaylist creates a playlist with circuit breaker protection.
func (b *BreakerClient) CreatePlaylist(ctx context.Context, userID, name string) (string, error) {
	return castResult[string](b.execute(func() (interface{}, error) {
		return b.inner.CreatePlaylist(ctx, userID, name)
	}))
}

// AddPlaylistItems appends playlist entries with circuit breaker protection.
func (b *BreakerClient) AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.AddPlaylistItems(ctx, userID, playlistID, itemIDs)
	})
	return err
}

// RemovePlaylistEntries deletes playlist entries with circuit breaker protection.
func (b *BreakerClient) RemovePlaylistEntries(ctx context.Context, playlistID string, entryIDs []string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.RemovePlaylistEntries(ctx, playlistID, entryIDs)
	})
	return err
}
