// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox manages the lifecycle of project sandbox instances: booting
// a runtime, mounting the project workspace, spawning shells, and surfacing
// dev-server readiness events.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadyRunning is reported by a runtime when another instance holds
	// the workspace. The manager recovers by tearing down and rebooting.
	ErrAlreadyRunning = errors.New("runtime already running")

	// ErrNotReady is returned for operations that require a booted runtime.
	ErrNotReady = errors.New("runtime not ready")
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies a runtime event.
type EventKind string

const (
	// EventServerReady fires when a dev server inside the instance starts
	// accepting connections. URL carries the preview address.
	EventServerReady EventKind = "server-ready"

	// EventPortOpen fires when a port inside the instance starts listening.
	EventPortOpen EventKind = "port-open"

	// EventPortClose fires when a previously open port stops listening.
	EventPortClose EventKind = "port-close"
)

// Event is a runtime notification consumed by the preview registry.
type Event struct {
	Kind EventKind `json:"kind"`
	Port int       `json:"port,omitempty"`
	URL  string    `json:"url,omitempty"`
}

// =============================================================================
// INTERFACES
// =============================================================================

// FileInfo describes one entry of a workspace directory listing.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Process is a shell or command running inside the instance.
type Process interface {
	// Write sends bytes to the process stdin.
	Write(p []byte) (int, error)

	// Output returns the merged stdout/stderr stream. The channel is closed
	// when the process exits.
	Output() <-chan []byte

	// Resize updates the process's notion of the client terminal size.
	Resize(cols, rows int) error

	// Wait blocks until the process exits.
	Wait() error

	// Kill terminates the process. Idempotent.
	Kill() error
}

// Runtime is the execution environment an instance runs in. Implementations
// must be safe for concurrent use after Boot returns.
type Runtime interface {
	// Boot starts the runtime. Returns ErrAlreadyRunning when another
	// instance holds the environment.
	Boot(ctx context.Context) error

	// Mount attaches a workspace directory. Must be called after Boot and
	// before any file or spawn operation.
	Mount(ctx context.Context, dir string) error

	// ReadFile reads a workspace-relative file.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes a workspace-relative file, creating parent
	// directories as needed.
	WriteFile(path string, data []byte) error

	// ListDir lists a workspace-relative directory.
	ListDir(path string) ([]FileInfo, error)

	// RemoveFile deletes a workspace-relative file or empty directory.
	RemoveFile(path string) error

	// Spawn starts an interactive shell in the workspace.
	Spawn(ctx context.Context, shell string, cols, rows int) (Process, error)

	// Events returns the runtime event stream. Closed on teardown.
	Events() <-chan Event

	// Teardown stops all processes and releases the environment. Idempotent.
	Teardown() error
}
