// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

// Package config loads and validates service configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"strings"
	"time"
)

// Config is the root configuration for the service.
type Config struct {
	Servers        []NodeConfig       `koanf:"servers"`
	Sync           SyncConfig         `koanf:"sync"`
	PathSyncPolicy []PathPolicyConfig `koanf:"path_sync_policy"`
	Database       DatabaseConfig     `koanf:"database"`
	Server         ServerConfig       `koanf:"server"`
	Logging        LoggingConfig      `koanf:"logging"`
}

// NodeConfig describes one media-library node in the fleet.
type NodeConfig struct {
	Name         string `koanf:"name" validate:"required"`
	URL          string `koanf:"url" validate:"required,url"`
	APIKey       string `koanf:"api_key" validate:"required"`
	Passwordless bool   `koanf:"passwordless"`
}

// SyncConfig holds replication behavior toggles and timing.
// The *_seconds fields are plain integers to keep the YAML surface simple;
// use the duration helpers when consuming them.
type SyncConfig struct {
	PlaybackProgress bool `koanf:"playback_progress"`
	WatchedStatus    bool `koanf:"watched_status"`
	Favorites        bool `koanf:"favorites"`
	Ratings          bool `koanf:"ratings"`
	Playlists        bool `koanf:"playlists"`

	// DryRun processes the pipeline end to end but logs instead of
	// calling the target node's mutation API.
	DryRun bool `koanf:"dry_run"`

	ProgressDebounceSeconds int `koanf:"progress_debounce_seconds" validate:"gte=0"`
	WorkerIntervalSeconds   int `koanf:"worker_interval_seconds" validate:"gte=1"`
	CooldownSeconds         int `koanf:"cooldown_seconds" validate:"gte=0"`
	MaxRetries              int `koanf:"max_retries" validate:"gte=1"`
	BatchSize               int `koanf:"batch_size" validate:"gte=1"`
}

// ProgressDebounce returns the ingest-side debounce window.
func (s SyncConfig) ProgressDebounce() time.Duration {
	return time.Duration(s.ProgressDebounceSeconds) * time.Second
}

// WorkerInterval returns the worker tick period.
func (s SyncConfig) WorkerInterval() time.Duration {
	return time.Duration(s.WorkerIntervalSeconds) * time.Second
}

// Cooldown returns the post-apply echo suppression window.
func (s SyncConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// PathPolicyConfig is one path-prefix retry rule for items that are not
// yet indexed on a target node.
type PathPolicyConfig struct {
	Prefix string `koanf:"prefix" validate:"required"`

	// AbsentRetryCount: 0 = fail immediately, -1 = retry forever.
	AbsentRetryCount  int `koanf:"absent_retry_count" validate:"gte=-1"`
	RetryDelaySeconds int `koanf:"retry_delay_seconds" validate:"gte=0"`
}

// RetryDelay returns the wait between absence retries.
func (p PathPolicyConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// DatabaseConfig holds embedded database settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"` // 0 = runtime.NumCPU()
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Servers: nil, // must come from file
		Sync: SyncConfig{
			PlaybackProgress:        true,
			WatchedStatus:           true,
			Favorites:               true,
			Ratings:                 true,
			Playlists:               false,
			DryRun:                  false,
			ProgressDebounceSeconds: 30,
			WorkerIntervalSeconds:   5,
			CooldownSeconds:         30,
			MaxRetries:              5,
			BatchSize:               32,
		},
		Database: DatabaseConfig{
			Path:      "/data/fleetsync.duckdb",
			MaxMemory: "512MB",
			Threads:   0,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8787,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Node returns the configuration for a node by name, matched
// case-insensitively. The second return is false when unknown.
func (c *Config) Node(name string) (NodeConfig, bool) {
	for _, n := range c.Servers {
		if strings.EqualFold(n.Name, name) {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// OtherNodes returns every configured node except the named one.
func (c *Config) OtherNodes(name string) []NodeConfig {
	others := make([]NodeConfig, 0, len(c.Servers))
	for _, n := range c.Servers {
		if !strings.EqualFold(n.Name, name) {
			others = append(others, n)
		}
	}
	return others
}
