// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for flashd.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.flashio/config.toml
//   - ~/.flashio/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete flashd configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Server configuration (HTTP API)
	Server ServerConfig `toml:"server" json:"server"`

	// Sandbox configuration (instance lifecycle)
	Sandbox SandboxConfig `toml:"sandbox" json:"sandbox"`

	// Storage configuration (durable file backends)
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Collab configuration (presence fan-out)
	Collab CollabConfig `toml:"collab" json:"collab"`

	// Sync configuration (background tasks and the workspace watcher)
	Sync SyncConfig `toml:"sync" json:"sync"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port is the TCP port the API listens on (loopback only).
	Port int `toml:"port" json:"port"`

	// BearerToken enables API authentication when non-empty.
	BearerToken string `toml:"bearer_token" json:"bearer_token"`

	// AllowedIPs restricts API access to these IPs/CIDRs (empty = allow all).
	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// RateLimit is the per-IP request limit per minute.
	RateLimit int `toml:"rate_limit" json:"rate_limit"`
}

// SandboxConfig holds sandbox instance settings.
type SandboxConfig struct {
	// WorkspaceRoot is the directory instance workspaces are mounted under.
	WorkspaceRoot string `toml:"workspace_root" json:"workspace_root"`

	// Shell is the program spawned for terminal sessions.
	Shell string `toml:"shell" json:"shell"`

	// BootTimeoutSecs bounds a single boot attempt, in seconds.
	BootTimeoutSecs int `toml:"boot_timeout_secs" json:"boot_timeout_secs"`

	// MaxBootAttempts bounds boot retries before the instance is marked terminated.
	MaxBootAttempts int `toml:"max_boot_attempts" json:"max_boot_attempts"`

	// PreviewPorts are the candidate dev-server ports probed for preview URLs.
	PreviewPorts []int `toml:"preview_ports" json:"preview_ports"`
}

// BootTimeout returns the boot attempt timeout as a duration.
func (c SandboxConfig) BootTimeout() time.Duration {
	return time.Duration(c.BootTimeoutSecs) * time.Second
}

// StorageConfig holds durable storage settings.
type StorageConfig struct {
	// Order lists enabled backends by fallback priority ("local", "github", "s3").
	Order []string `toml:"order" json:"order"`

	Local  LocalStorageConfig  `toml:"local" json:"local"`
	GitHub GitHubStorageConfig `toml:"github" json:"github"`
	S3     S3StorageConfig     `toml:"s3" json:"s3"`
}

// LocalStorageConfig configures the local filesystem backend.
type LocalStorageConfig struct {
	// Dir is the root directory for persisted project files.
	// Default: ~/.flashio/projects
	Dir string `toml:"dir" json:"dir"`
}

// GitHubStorageConfig configures the GitHub contents-API backend.
type GitHubStorageConfig struct {
	// Token is the API token. May be sealed (ENC: prefix, see internal/secret).
	Token string `toml:"token" json:"token"`

	// Repo is the "owner/name" repository files sync into.
	Repo string `toml:"repo" json:"repo"`

	// Branch is the target branch (default "main").
	Branch string `toml:"branch" json:"branch"`

	// BaseURL overrides the API base URL (for GitHub Enterprise).
	BaseURL string `toml:"base_url" json:"base_url"`
}

// S3StorageConfig configures the S3-compatible backend.
type S3StorageConfig struct {
	// Endpoint is the object store endpoint (empty = AWS regional endpoint).
	Endpoint string `toml:"endpoint" json:"endpoint"`

	Bucket string `toml:"bucket" json:"bucket"`
	Region string `toml:"region" json:"region"`

	// AccessKey and SecretKey may be sealed (ENC: prefix, see internal/secret).
	AccessKey string `toml:"access_key" json:"access_key"`
	SecretKey string `toml:"secret_key" json:"secret_key"`
}

// CollabConfig holds collaboration presence settings.
type CollabConfig struct {
	// SessionTTLSecs is how long an idle presence survives before reaping.
	SessionTTLSecs int `toml:"session_ttl_secs" json:"session_ttl_secs"`

	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `toml:"event_buffer" json:"event_buffer"`
}

// SessionTTL returns the presence TTL as a duration.
func (c CollabConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}

// SyncConfig holds background sync settings.
type SyncConfig struct {
	// MaxConcurrent bounds parallel background tasks.
	MaxConcurrent int `toml:"max_concurrent" json:"max_concurrent"`

	// TaskTimeoutSecs bounds a single task in seconds (0 = no timeout).
	TaskTimeoutSecs int `toml:"task_timeout_secs" json:"task_timeout_secs"`

	// WatchDebounceMs is the quiet period before a changed file syncs.
	WatchDebounceMs int `toml:"watch_debounce_ms" json:"watch_debounce_ms"`
}

// TaskTimeout returns the task timeout as a duration.
func (c SyncConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

// WatchDebounce returns the watcher debounce as a duration.
func (c SyncConfig) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMs) * time.Millisecond
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultConfig returns the built-in default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:      8866,
			RateLimit: 300,
		},
		Sandbox: SandboxConfig{
			WorkspaceRoot:   filepath.Join(home, ".flashio", "workspaces"),
			Shell:           defaultShell(),
			BootTimeoutSecs: 30,
			MaxBootAttempts: 3,
			PreviewPorts:    []int{3000, 5173, 8080},
		},
		Storage: StorageConfig{
			Order: []string{"local"},
			Local: LocalStorageConfig{
				Dir: filepath.Join(home, ".flashio", "projects"),
			},
			GitHub: GitHubStorageConfig{
				Branch: "main",
			},
		},
		Collab: CollabConfig{
			SessionTTLSecs: 120,
			EventBuffer:    64,
		},
		Sync: SyncConfig{
			MaxConcurrent:   4,
			TaskTimeoutSecs: 600,
			WatchDebounceMs: 500,
		},
	}
}

// defaultShell picks a shell that exists on the host.
func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// =============================================================================
// LOADING
// =============================================================================

// ConfigDir returns the flashd configuration directory (~/.flashio).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".flashio"), nil
}

// Load reads configuration from the default locations, applies environment
// overrides, and validates the result. A missing config file is not an error;
// defaults are used.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	tomlPath := filepath.Join(dir, "config.toml")
	jsonPath := filepath.Join(dir, "config.json")

	switch {
	case fileExists(tomlPath):
		if err := loadInto(cfg, tomlPath); err != nil {
			return nil, err
		}
	case fileExists(jsonPath):
		if err := loadInto(cfg, jsonPath); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from an explicit path (TOML or JSON by
// extension), applies environment overrides, and validates.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadInto(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadInto parses the file at path on top of cfg.
func loadInto(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid JSON config %s: %w", path, err)
		}
		return nil
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid TOML config %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// applyEnvOverrides applies FLASHIO_* environment variables on top of cfg.
//
// Supported variables:
//   - FLASHIO_PORT
//   - FLASHIO_BEARER_TOKEN
//   - FLASHIO_WORKSPACE_ROOT
//   - FLASHIO_SHELL
//   - FLASHIO_STORAGE_ORDER  (comma-separated)
//   - FLASHIO_GITHUB_TOKEN
//   - FLASHIO_GITHUB_REPO
//   - FLASHIO_S3_BUCKET
//   - FLASHIO_S3_REGION
//   - FLASHIO_S3_ENDPOINT
//   - FLASHIO_S3_ACCESS_KEY
//   - FLASHIO_S3_SECRET_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLASHIO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLASHIO_BEARER_TOKEN"); v != "" {
		cfg.Server.BearerToken = v
	}
	if v := os.Getenv("FLASHIO_WORKSPACE_ROOT"); v != "" {
		cfg.Sandbox.WorkspaceRoot = v
	}
	if v := os.Getenv("FLASHIO_SHELL"); v != "" {
		cfg.Sandbox.Shell = v
	}
	if v := os.Getenv("FLASHIO_STORAGE_ORDER"); v != "" {
		parts := strings.Split(v, ",")
		order := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
		if len(order) > 0 {
			cfg.Storage.Order = order
		}
	}
	if v := os.Getenv("FLASHIO_GITHUB_TOKEN"); v != "" {
		cfg.Storage.GitHub.Token = v
	}
	if v := os.Getenv("FLASHIO_GITHUB_REPO"); v != "" {
		cfg.Storage.GitHub.Repo = v
	}
	if v := os.Getenv("FLASHIO_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FLASHIO_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FLASHIO_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("FLASHIO_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("FLASHIO_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3.SecretKey = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validation errors.
var (
	ErrInvalidPort    = errors.New("server port must be between 1 and 65535")
	ErrInvalidBackend = errors.New("unknown storage backend in order")
	ErrNoBackends     = errors.New("storage order must name at least one backend")
)

var knownBackends = map[string]bool{
	"local":  true,
	"github": true,
	"s3":     true,
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	if len(c.Storage.Order) == 0 {
		return ErrNoBackends
	}
	for _, name := range c.Storage.Order {
		if !knownBackends[name] {
			return fmt.Errorf("%w: %q", ErrInvalidBackend, name)
		}
		switch name {
		case "github":
			if c.Storage.GitHub.Repo == "" {
				return errors.New("storage backend github requires repo (owner/name)")
			}
			if !strings.Contains(c.Storage.GitHub.Repo, "/") {
				return fmt.Errorf("github repo must be owner/name, got %q", c.Storage.GitHub.Repo)
			}
		case "s3":
			if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
				return errors.New("storage backend s3 requires bucket and region")
			}
		}
	}

	if c.Sandbox.MaxBootAttempts < 1 {
		return errors.New("sandbox max_boot_attempts must be at least 1")
	}
	if c.Sandbox.BootTimeoutSecs < 1 {
		return errors.New("sandbox boot_timeout_secs must be at least 1")
	}
	if c.Sync.MaxConcurrent < 1 {
		return errors.New("sync max_concurrent must be at least 1")
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration as TOML to the default location.
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
