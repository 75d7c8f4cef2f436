// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* worker.go - Single replication worker loop

One worker drains the pending-event log: each tick leases a batch of
due events and processes them sequentially. Sequential application is
deliberate; it keeps per-node write ordering trivial and the failure
modes legible. Throughput is bounded by batch size times tick rate,
which is far above any realistic webhook volume.
*/

package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/policy"
	"github.com/tomtom215/fleetsync/internal/resolver"
	"github.com/tomtom215/fleetsync/internal/store"
)

const (
	// staleProcessingAge bounds how long a row may sit in processing
	// before a tick reclaims it.
	staleProcessingAge = 5 * time.Minute

	// retryBaseDelay and retryMaxDelay bound the transient-failure
	// backoff: base * 2^(attempt-1), capped.
	retryBaseDelay = time.Minute
	retryMaxDelay  = 10 * time.Minute

	// finalizeGrace is how long shutdown finalization may take after
	// the run context is gone.
	finalizeGrace = 5 * time.Second
)

// HealthSink receives node health degradations discovered while
// applying events. The supervisor uses it to flip readiness.
type HealthSink interface {
	MarkUnauthorized(node, reason string)
}

// Worker drains the pending-event log against the fleet.
type Worker struct {
	store     *store.Store
	resolver  *resolver.Resolver
	clients   map[string]nodeclient.Client
	cfg       *config.Config
	policies  *policy.Engine
	health    HealthSink
	cooldowns *CooldownSet

	running atomic.Bool
}

// New creates a worker. health may be nil when no readiness tracking is
// wanted, e.g. in tests.
func New(
	st *store.Store,
	res *resolver.Resolver,
	clients map[string]nodeclient.Client,
	cfg *config.Config,
	policies *policy.Engine,
	health HealthSink,
) *Worker {
	normalized := make(map[string]nodeclient.Client, len(clients))
	for name, c := range clients {
		normalized[strings.ToLower(name)] = c
	}
	return &Worker{
		store:     st,
		resolver:  res,
		clients:   normalized,
		cfg:       cfg,
		policies:  policies,
		health:    health,
		cooldowns: NewCooldownSet(),
	}
}

// Running reports whether the worker loop is active, for readiness.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// String identifies the worker in supervision logs.
func (w *Worker) String() string { return "sync-worker" }

// Serve runs the worker loop until ctx is canceled. It satisfies the
// supervisor's service contract.
func (w *Worker) Serve(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	interval := w.cfg.Sync.WorkerInterval()
	logging.Info().Dur("interval", interval).Int("batch_size", w.cfg.Sync.BatchSize).
		Bool("dry_run", w.cfg.Sync.DryRun).Msg("Worker started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick leases due events and processes them sequentially. A store error
// logs and backs off until the next tick; nothing is retried inline.
func (w *Worker) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.WorkerTickDuration.Observe(time.Since(start).Seconds())
	}()

	if _, err := w.store.ReapStaleProcessing(ctx, staleProcessingAge); err != nil {
		logging.Error().Err(err).Msg("Failed to reap stale processing events; backing off one tick")
		return
	}

	events, err := w.store.LeaseDue(ctx, w.cfg.Sync.BatchSize, time.Now().UTC())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to lease due events; backing off one tick")
		return
	}

	for i := range events {
		ev := &events[i]

		if ctx.Err() != nil {
			w.releaseRemaining(events[i:])
			return
		}

		outcome := w.process(ctx, ev)
		w.finalize(ctx, ev, outcome)

		logging.Debug().Int64("event_id", ev.ID).Str("type", string(ev.EventType)).
			Str("target", ev.TargetNode).Str("outcome", string(outcome.Kind)).
			Str("reason", outcome.Reason).Msg("Event processed")
	}

	w.cooldowns.Sweep()
	w.publishQueueDepth(ctx)
}

// finalize persists an outcome, falling back to a detached context when
// the run context died mid-batch so the row is not orphaned.
func (w *Worker) finalize(ctx context.Context, ev *models.PendingEvent, outcome models.Outcome) {
	fctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), finalizeGrace)
		defer cancel()
	}
	if err := w.store.Finalize(fctx, ev, outcome); err != nil {
		logging.Error().Err(err).Int64("event_id", ev.ID).
			Str("outcome", string(outcome.Kind)).Msg("Failed to finalize event")
	}
}

// releaseRemaining returns still-leased events to pending on shutdown so
// the next run picks them up immediately.
func (w *Worker) releaseRemaining(events []models.PendingEvent) {
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeGrace)
	defer cancel()

	for i := range events {
		ev := &events[i]
		if err := w.store.Finalize(ctx, ev, models.Retry(0, "shutdown")); err != nil {
			logging.Error().Err(err).Int64("event_id", ev.ID).Msg("Failed to release event on shutdown")
		}
	}
	logging.Info().Int("count", len(events)).Msg("Released leased events on shutdown")
}

func (w *Worker) publishQueueDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.store.QueueStats(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to read queue stats")
		return
	}
	metrics.UpdateQueueDepth(stats.Pending, stats.Processing, stats.WaitingItem)
}

// retryBackoff returns the delay before retry number attempt (1-based).
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}
