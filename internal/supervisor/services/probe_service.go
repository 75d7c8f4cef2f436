// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package services

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/fleetsync/internal/health"
	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/nodeclient"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 10 * time.Second
)

// ProbeService polls every node's health endpoint and keeps the
// registry current. Readiness and the status endpoint read from the
// registry rather than probing inline, so a slow node cannot stall an
// HTTP request.
type ProbeService struct {
	clients  map[string]nodeclient.Client
	registry *health.Registry
	interval time.Duration
}

// NewProbeService creates a probe over the given node clients.
func NewProbeService(clients map[string]nodeclient.Client, registry *health.Registry, interval time.Duration) *ProbeService {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	normalized := make(map[string]nodeclient.Client, len(clients))
	for name, c := range clients {
		normalized[strings.ToLower(name)] = c
	}
	return &ProbeService{
		clients:  normalized,
		registry: registry,
		interval: interval,
	}
}

// Serve implements suture.Service. The first sweep runs immediately so
// readiness does not wait a full interval after startup.
func (p *ProbeService) Serve(ctx context.Context) error {
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *ProbeService) sweep(ctx context.Context) {
	for name, client := range p.clients {
		if ctx.Err() != nil {
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		version, err := client.Health(probeCtx)
		cancel()

		if err != nil {
			p.registry.MarkUnreachable(name, err.Error())
			logging.Warn().Err(err).Str("node", name).Msg("Node probe failed")
			continue
		}
		p.registry.MarkReachable(name, version)
		logging.Debug().Str("node", name).Str("version", version).Msg("Node probe ok")
	}
}

// String identifies the service in supervision logs.
func (p *ProbeService) String() string { return "node-probe" }
