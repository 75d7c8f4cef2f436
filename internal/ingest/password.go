// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package ingest

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// passwordBytes yields a 16-character URL-safe password once encoded.
const passwordBytes = 12

// GeneratePassword returns a random 16-character URL-safe password for
// accounts created on passwordful nodes. The value is surfaced once in
// the webhook response so an operator can distribute it.
func GeneratePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
