// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

/* handlers.go - Webhook intake and operator endpoints

POST /webhook/{node} is the only write surface; everything else reads
store or registry state. Webhook responses are 202 because acceptance
only means "queued": the worker applies the change on its own clock.
*/

package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/fleetsync/internal/health"
	"github.com/tomtom215/fleetsync/internal/ingest"
	"github.com/tomtom215/fleetsync/internal/logging"
	"github.com/tomtom215/fleetsync/internal/metrics"
	"github.com/tomtom215/fleetsync/internal/models"
)

// maxWebhookBody caps webhook payloads. Jellyfin notifications are a
// few KB; anything near the cap is garbage or abuse.
const maxWebhookBody = 1 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	node := chi.URLParam(r, "node")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues(node, "malformed").Inc()
		rw.BadRequest("Failed to read request body")
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), node, body)
	switch {
	case errors.Is(err, ingest.ErrUnknownSource):
		metrics.WebhookRequests.WithLabelValues(node, "unknown_source").Inc()
		rw.NotFound("Unknown source node: " + node)
		return
	case errors.Is(err, ingest.ErrMalformedPayload):
		metrics.WebhookRequests.WithLabelValues(node, "malformed").Inc()
		logging.Ctx(r.Context()).Warn().Err(err).Str("node", node).Msg("Malformed webhook")
		rw.BadRequest(err.Error())
		return
	case err != nil:
		metrics.WebhookRequests.WithLabelValues(node, "error").Inc()
		rw.DatabaseError(err)
		return
	}

	metrics.WebhookRequests.WithLabelValues(node, "accepted").Inc()
	rw.Accepted(result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Liveness only: the process is up and serving. Degraded
	// dependencies are /readyz business.
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var reasons []string
	if s.store == nil {
		reasons = append(reasons, "store not open")
	}
	if s.worker == nil || !s.worker.Running() {
		reasons = append(reasons, "worker not running")
	}
	if s.health == nil || !s.health.AnyReachable() {
		reasons = append(reasons, "no reachable nodes")
	}

	if len(reasons) > 0 {
		rw.ServiceUnavailable(strings.Join(reasons, "; "))
		return
	}
	rw.Success(map[string]string{"status": "ready"})
}

// statusView is the aggregate for GET /api/status.
type statusView struct {
	Nodes         []health.NodeStatus `json:"nodes"`
	Queue         *models.QueueStats  `json:"queue"`
	WorkerRunning bool                `json:"worker_running"`
	DryRun        bool                `json:"dry_run"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(statusView{
		Nodes:         s.health.Snapshot(),
		Queue:         stats,
		WorkerRunning: s.worker != nil && s.worker.Running(),
		DryRun:        s.cfg.Sync.DryRun,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(stats)
}

func (s *Server) handleEventsPending(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, models.StatePending, models.StateProcessing)
}

func (s *Server) handleEventsWaiting(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, models.StateWaitingItem)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, states ...models.EventState) {
	rw := NewResponseWriter(w, r)
	limit := queryInt(r, "limit", 100, 500)

	events, err := s.store.ListByState(r.Context(), limit, states...)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(events, &PaginationMeta{
		Count:   len(events),
		Limit:   limit,
		HasMore: len(events) == limit,
	})
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	filter := models.SyncLogFilter{
		SourceNode:   q.Get("source"),
		TargetNode:   q.Get("target"),
		EventType:    models.EventType(q.Get("type")),
		ItemContains: q.Get("item"),
		SuccessOnly:  q.Get("success") == "true",
		FailedOnly:   q.Get("failed") == "true",
		Limit:        queryInt(r, "limit", 100, 500),
		Offset:       queryInt(r, "offset", 0, 1<<30),
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			rw.BadRequest("Invalid since timestamp, want RFC3339")
			return
		}
		filter.Since = ts
	}

	entries, total, err := s.store.QuerySyncLog(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(entries, &PaginationMeta{
		Total:   total,
		Count:   len(entries),
		Offset:  filter.Offset,
		Limit:   filter.Limit,
		HasMore: filter.Offset+len(entries) < total,
	})
}

// userView is one row of the user matrix: which nodes know a username.
type userView struct {
	Username string            `json:"username"`
	Nodes    map[string]string `json:"nodes"` // node name -> remote user id
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	mappings, err := s.store.ListUserMappings(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	byUser := make(map[string]*userView)
	for _, m := range mappings {
		key := strings.ToLower(m.Username)
		view, ok := byUser[key]
		if !ok {
			view = &userView{Username: m.Username, Nodes: make(map[string]string)}
			byUser[key] = view
		}
		view.Nodes[m.NodeName] = m.RemoteUserID
	}

	users := make([]*userView, 0, len(byUser))
	for _, view := range byUser {
		users = append(users, view)
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Username) < strings.ToLower(users[j].Username)
	})

	rw.Success(users)
}

// serverView is one configured node joined with its probe state.
type serverView struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Passwordless bool   `json:"passwordless"`
	Reachable    bool   `json:"reachable"`
	Version      string `json:"version,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	servers := make([]serverView, 0, len(s.cfg.Servers))
	for _, node := range s.cfg.Servers {
		view := serverView{
			Name:         node.Name,
			URL:          node.URL,
			Passwordless: node.Passwordless,
		}
		if st, ok := s.health.Node(node.Name); ok {
			view.Reachable = st.Reachable
			view.Version = st.Version
			view.LastError = st.LastError
		}
		servers = append(servers, view)
	}

	rw.Success(servers)
}

// queryInt parses a bounded non-negative integer query parameter.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
