// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

// Package health tracks per-node reachability for the fleet. The probe
// service writes into the registry, the worker degrades nodes on
// authentication failures, and the API reads snapshots for /api/status
// and /readyz.
package health

import (
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/fleetsync/internal/logging"
)

// NodeStatus is a point-in-time view of one fleet node.
type NodeStatus struct {
	Name      string    `json:"name"`
	Reachable bool      `json:"reachable"`
	Version   string    `json:"version,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Registry holds the fleet's health state. Node names are compared
// case-insensitively; the display form is the configured casing.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeStatus
	order []string
}

// NewRegistry creates a registry seeded with the configured node names.
// Every node starts unreachable until the first probe reports in.
func NewRegistry(names ...string) *Registry {
	r := &Registry{nodes: make(map[string]*NodeStatus, len(names))}
	for _, name := range names {
		key := strings.ToLower(name)
		if _, ok := r.nodes[key]; ok {
			continue
		}
		r.nodes[key] = &NodeStatus{Name: name}
		r.order = append(r.order, key)
	}
	return r
}

// MarkReachable records a successful health probe.
func (r *Registry) MarkReachable(node, version string) {
	r.update(node, func(st *NodeStatus) {
		st.Reachable = true
		st.Version = version
		st.LastError = ""
		st.CheckedAt = time.Now().UTC()
	})
}

// MarkUnreachable records a failed health probe.
func (r *Registry) MarkUnreachable(node, reason string) {
	r.update(node, func(st *NodeStatus) {
		st.Reachable = false
		st.LastError = reason
		st.CheckedAt = time.Now().UTC()
	})
}

// MarkUnauthorized degrades a node whose API key was rejected. The node
// stays degraded until a later probe succeeds with working credentials.
func (r *Registry) MarkUnauthorized(node, reason string) {
	logging.Error().Str("node", node).Str("reason", reason).
		Msg("Node rejected credentials, marking unhealthy")
	r.update(node, func(st *NodeStatus) {
		st.Reachable = false
		st.LastError = "unauthorized: " + reason
		st.CheckedAt = time.Now().UTC()
	})
}

func (r *Registry) update(node string, fn func(*NodeStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.nodes[strings.ToLower(node)]
	if !ok {
		return
	}
	fn(st)
}

// Node returns the status of one node by name.
func (r *Registry) Node(name string) (NodeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodes[strings.ToLower(name)]
	if !ok {
		return NodeStatus{}, false
	}
	return *st, true
}

// Snapshot returns all node statuses in configuration order.
func (r *Registry) Snapshot() []NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeStatus, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.nodes[key])
	}
	return out
}

// AnyReachable reports whether at least one node answered its last
// probe. Readiness gates on this.
func (r *Registry) AnyReachable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.nodes {
		if st.Reachable {
			return true
		}
	}
	return false
}
