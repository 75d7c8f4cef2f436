// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

// Package policy selects per-path retry budgets for items that are not yet
// indexed on a target node. Rules are prefix-matched against the item path;
// the longest matching prefix wins.
package policy

import (
	"sort"
	"strings"
	"time"
)

// Unbounded as MaxAttempts means the event is retried forever.
const Unbounded = -1

// Rule is one path-prefix retry rule.
type Rule struct {
	Prefix      string
	MaxAttempts int // 0 = fail immediately, -1 = unbounded
	Delay       time.Duration
}

// DefaultRule applies when no prefix matches: fail on first absence.
var DefaultRule = Rule{MaxAttempts: 0, Delay: 0}

// Engine answers longest-prefix policy lookups. Immutable after New.
type Engine struct {
	rules []Rule // sorted by prefix length, longest first
}

// New builds an engine from configured rules. Rule order in the input does
// not matter; lookup is by longest matching prefix.
func New(rules []Rule) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Engine{rules: sorted}
}

// Lookup returns the rule with the longest prefix matching path, or
// DefaultRule when none matches or the path is empty.
func (e *Engine) Lookup(path string) Rule {
	if path == "" {
		return DefaultRule
	}
	for _, r := range e.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r
		}
	}
	return DefaultRule
}

// Exhausted reports whether an absence count has used up the rule's budget.
// An unbounded rule is never exhausted.
func (r Rule) Exhausted(absentCount int) bool {
	if r.MaxAttempts == Unbounded {
		return false
	}
	return absentCount > r.MaxAttempts
}
