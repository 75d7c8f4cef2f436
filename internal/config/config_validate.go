// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidationError(err)
	}

	if err := c.validateServers(); err != nil {
		return err
	}

	return c.validatePolicies()
}

// validateServers enforces fleet-level constraints the struct tags cannot
// express: at least two nodes, unique names, http(s) URLs.
func (c *Config) validateServers() error {
	if len(c.Servers) < 2 {
		return fmt.Errorf("at least two servers are required for replication, got %d", len(c.Servers))
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, n := range c.Servers {
		name := strings.ToLower(n.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate server name %q", n.Name)
		}
		seen[name] = struct{}{}

		u, err := url.Parse(n.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server %q: url %q must be a valid http(s) URL", n.Name, n.URL)
		}
	}
	return nil
}

// validatePolicies rejects duplicate prefixes; the longest-prefix match
// would silently shadow one of them otherwise.
func (c *Config) validatePolicies() error {
	seen := make(map[string]struct{}, len(c.PathSyncPolicy))
	for _, p := range c.PathSyncPolicy {
		if _, dup := seen[p.Prefix]; dup {
			return fmt.Errorf("duplicate path_sync_policy prefix %q", p.Prefix)
		}
		seen[p.Prefix] = struct{}{}
	}
	return nil
}

// describeValidationError turns validator's field errors into a readable
// single-line message naming the offending config key.
func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint // validator returns the slice directly
	if ok {
		*target = verrs
	}
	return ok
}
