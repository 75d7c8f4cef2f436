// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package nodeclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Failure taxonomy surfaced to the worker. The client never retries;
// the worker maps these kinds onto its retry budget.

// NotFoundKind distinguishes which entity a 404 refers to.
type NotFoundKind string

const (
	NotFoundUser NotFoundKind = "user"
	NotFoundItem NotFoundKind = "item"
)

// NotFoundError reports logical absence of a user or item on the node.
type NotFoundError struct {
	Kind   NotFoundKind
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Detail)
}

// TransientError covers 5xx responses, connection failures, and timeouts.
// Worth retrying with backoff.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient node error: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError covers 4xx responses other than 404/401/403. Retrying
// will not help.
type PermanentError struct {
	Status int
	Detail string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent node error: status %d: %s", e.Status, e.Detail)
}

// UnauthorizedError means the api key was rejected. Degrades node
// readiness; retrying without operator action will not help.
type UnauthorizedError struct {
	Node   string
	Status int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("node %s rejected api key (status %d)", e.Node, e.Status)
}

// IsNotFound reports whether err is a NotFoundError of the given kind.
func IsNotFound(err error, kind NotFoundKind) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Kind == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable node rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsUnauthorized reports whether err is an api key rejection.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// classifyStatus maps a non-success HTTP response onto the taxonomy.
// The body is consumed for the error detail.
func (c *JellyfinClient) classifyStatus(resp *http.Response, notFoundKind NotFoundKind) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := string(body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Kind: notFoundKind, Detail: detail}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &UnauthorizedError{Node: c.name, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &TransientError{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, detail)}
	default:
		return &PermanentError{Status: resp.StatusCode, Detail: detail}
	}
}
