// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

// Fleetsync keeps user state (watch progress, watched flags, favorites,
// ratings, playlists, accounts) eventually consistent across a fleet of
// Jellyfin-compatible media servers. Each node posts webhooks here; a
// single worker drains the intent queue and converges the other nodes.
//
// Run with a YAML config:
//
//	fleetsync -config /etc/fleetsync/config.yaml
//
// or point FLEETSYNC_CONFIG at the file. Every setting can also be set
// through FLEETSYNC_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tomtom215/fleetsync/internal/api"
	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/health"
	"github.com/tomtom215/fleetsync/internal/ingest"
	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
	"github.com/tomtom215/fleetsync/internal/policy"
	"github.com/tomtom215/fleetsync/internal/resolver"
	"github.com/tomtom215/fleetsync/internal/store"
	"github.com/tomtom215/fleetsync/internal/supervisor"
	"github.com/tomtom215/fleetsync/internal/supervisor/services"
	"github.com/tomtom215/fleetsync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("nodes", len(cfg.Servers)).
		Str("db_path", cfg.Database.Path).
		Bool("dry_run", cfg.Sync.DryRun).
		Msg("Starting fleetsync")

	st, err := store.Open(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	// Rows leased by a previous run that died mid-batch go back to pending.
	if reaped, err := st.ReapOrphans(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to reap orphaned events")
	} else if reaped > 0 {
		logging.Warn().Int("events", reaped).Msg("Returned orphaned events to pending")
	}

	clients := make(map[string]nodeclient.Client, len(cfg.Servers))
	names := make([]string, 0, len(cfg.Servers))
	for _, node := range cfg.Servers {
		clients[strings.ToLower(node.Name)] = nodeclient.NewBreakerClient(nodeclient.New(node))
		names = append(names, node.Name)
		logging.Info().Str("node", node.Name).Str("url", node.URL).
			Bool("passwordless", node.Passwordless).Msg("Node configured")
	}

	rules := make([]policy.Rule, 0, len(cfg.PathSyncPolicy))
	for _, p := range cfg.PathSyncPolicy {
		rules = append(rules, policy.Rule{
			Prefix:      p.Prefix,
			MaxAttempts: p.AbsentRetryCount,
			Delay:       p.RetryDelay(),
		})
	}
	policies := policy.New(rules)

	registry := health.NewRegistry(names...)
	res := resolver.New(st, clients)
	ingestor := ingest.New(st, cfg, policies)
	syncWorker := worker.New(st, res, clients, cfg, policies, registry)

	apiServer := api.NewServer(cfg, st, ingestor, syncWorker, registry, nil)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// zerolog bridged to slog for sutureslog
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(syncWorker)
	tree.AddSyncService(services.NewProbeService(clients, registry, 0))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", httpServer.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// drain until the supervisor has fully stopped
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logging.Info().Msg("Fleetsync stopped gracefully")
}
