// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fleetsync/internal/config"
	"github.com/tomtom215/fleetsync/internal/health"
	"github.com/tomtom215/fleetsync/internal/ingest"
	"github.com/tomtom215/fleetsync/internal/store"
	"github.com/tomtom215/fleetsync/internal/worker"
)

// Server wires the HTTP surface: webhook intake from the fleet nodes
// plus the operator read endpoints and probes.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	ingestor *ingest.Ingestor
	worker   *worker.Worker
	health   *health.Registry
	mw       *ChiMiddleware
}

// NewServer creates the HTTP surface. mwConfig may be nil for defaults.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	ing *ingest.Ingestor,
	w *worker.Worker,
	reg *health.Registry,
	mwConfig *ChiMiddlewareConfig,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		ingestor: ing,
		worker:   w,
		health:   reg,
		mw:       NewChiMiddleware(mwConfig),
	}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.mw.CORS()) // global so OPTIONS preflight is handled

	// Probes: no security headers, monitoring hits these constantly.
	r.Group(func(r chi.Router) {
		r.Use(s.mw.RateLimitCustom("health", RateLimitHealth))
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhook", func(r chi.Router) {
		r.Use(s.mw.RateLimitCustom("webhook", RateLimitWebhook))
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())
		r.Post("/{node}", s.handleWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.mw.RateLimitCustom("api", RateLimitAPI))
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())

		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/events/pending", s.handleEventsPending)
		r.Get("/events/waiting", s.handleEventsWaiting)
		r.Get("/sync-log", s.handleSyncLog)
		r.Get("/users", s.handleUsers)
		r.Get("/servers", s.handleServers)
	})

	return r
}
