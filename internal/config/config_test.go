// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8866 {
		t.Errorf("Server.Port = %d, want 8866", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxBootAttempts != 3 {
		t.Errorf("MaxBootAttempts = %d, want 3", cfg.Sandbox.MaxBootAttempts)
	}
	if len(cfg.Storage.Order) != 1 || cfg.Storage.Order[0] != "local" {
		t.Errorf("Storage.Order = %v, want [local]", cfg.Storage.Order)
	}
	if cfg.Sandbox.BootTimeout() != 30*time.Second {
		t.Errorf("BootTimeout() = %v, want 30s", cfg.Sandbox.BootTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoadFileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
version = "1"

[server]
port = 9000
rate_limit = 50

[sandbox]
workspace_root = "/tmp/ws"
max_boot_attempts = 5
boot_timeout_secs = 10

[storage]
order = ["local", "github"]

[storage.github]
repo = "acme/app"
branch = "dev"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxBootAttempts != 5 {
		t.Errorf("MaxBootAttempts = %d, want 5", cfg.Sandbox.MaxBootAttempts)
	}
	if cfg.Storage.GitHub.Branch != "dev" {
		t.Errorf("GitHub.Branch = %q, want dev", cfg.Storage.GitHub.Branch)
	}
	// Unset fields keep defaults.
	if cfg.Sync.MaxConcurrent != 4 {
		t.Errorf("Sync.MaxConcurrent = %d, want default 4", cfg.Sync.MaxConcurrent)
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	content := `{"server": {"port": 7777}, "storage": {"order": ["local"]}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777", cfg.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLASHIO_PORT", "12345")
	t.Setenv("FLASHIO_STORAGE_ORDER", "local, s3")
	t.Setenv("FLASHIO_S3_BUCKET", "flash-projects")
	t.Setenv("FLASHIO_S3_REGION", "us-east-1")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 12345 {
		t.Errorf("Server.Port = %d, want 12345", cfg.Server.Port)
	}
	if len(cfg.Storage.Order) != 2 || cfg.Storage.Order[1] != "s3" {
		t.Errorf("Storage.Order = %v, want [local s3]", cfg.Storage.Order)
	}
	if cfg.Storage.S3.Bucket != "flash-projects" {
		t.Errorf("S3.Bucket = %q, want flash-projects", cfg.Storage.S3.Bucket)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"empty order", func(c *Config) { c.Storage.Order = nil }},
		{"unknown backend", func(c *Config) { c.Storage.Order = []string{"ftp"} }},
		{"github without repo", func(c *Config) { c.Storage.Order = []string{"github"} }},
		{"github bad repo", func(c *Config) {
			c.Storage.Order = []string{"github"}
			c.Storage.GitHub.Repo = "no-slash"
		}},
		{"s3 without bucket", func(c *Config) { c.Storage.Order = []string{"s3"} }},
		{"zero boot attempts", func(c *Config) { c.Sandbox.MaxBootAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
