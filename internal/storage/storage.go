// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists project files across an ordered set of backends:
// local filesystem, GitHub repository contents, and S3-compatible object
// stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/flashio/flashd/internal/util"
)

// =============================================================================
// ERRORS AND INTERFACE
// =============================================================================

var (
	// ErrNotFound is returned when no backend holds the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrNoBackends is returned by a Manager built without backends.
	ErrNoBackends = errors.New("no storage backends configured")
)

// Backend stores project files under slash-separated keys.
type Backend interface {
	// Name identifies the backend in logs and config ("local", "github", "s3").
	Name() string

	// Put stores data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// =============================================================================
// MANAGER
// =============================================================================

// syncIgnore lists directory names skipped during full-project sync.
var syncIgnore = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	".cache":       true,
}

// SyncResult summarizes one full-project sync.
type SyncResult struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Manager coordinates the ordered backends. The first backend is the
// primary: writes land there synchronously and are replicated to the rest
// by background sync. Reads fall through the order until a backend has the
// object.
type Manager struct {
	backends []Backend
	parallel int
}

// NewManager creates a Manager over backends, in priority order.
func NewManager(backends []Backend, parallel int) *Manager {
	if parallel <= 0 {
		parallel = 4
	}
	return &Manager{backends: backends, parallel: parallel}
}

// Backends returns the configured backend names in order.
func (m *Manager) Backends() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.Name()
	}
	return names
}

// Put writes to the primary backend.
func (m *Manager) Put(ctx context.Context, key string, data []byte) error {
	if len(m.backends) == 0 {
		return ErrNoBackends
	}
	return m.backends[0].Put(ctx, key, data)
}

// Get walks the backend order and returns the first hit. Backend failures
// other than ErrNotFound are logged and skipped.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if len(m.backends) == 0 {
		return nil, ErrNoBackends
	}

	for _, b := range m.backends {
		data, err := b.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			log.Printf("STORAGE_GET_FALLTHROUGH | backend=%s key=%s error=%v", b.Name(), key, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Delete removes the key from every backend. The first hard failure is
// returned after all backends were attempted.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if len(m.backends) == 0 {
		return ErrNoBackends
	}

	var firstErr error
	for _, b := range m.backends {
		if err := b.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("backend %s: %w", b.Name(), err)
		}
	}
	return firstErr
}

// List returns keys under prefix from the first backend that answers.
func (m *Manager) List(ctx context.Context, prefix string) ([]string, error) {
	if len(m.backends) == 0 {
		return nil, ErrNoBackends
	}

	var lastErr error
	for _, b := range m.backends {
		keys, err := b.List(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		lastErr = err
		log.Printf("STORAGE_LIST_FALLTHROUGH | backend=%s prefix=%s error=%v", b.Name(), prefix, err)
	}
	return nil, lastErr
}

// =============================================================================
// MIRROR OPERATIONS
// =============================================================================

// PutFile mirrors a workspace write into the primary backend.
func (m *Manager) PutFile(ctx context.Context, projectID, path string, data []byte) error {
	if !util.CleanRelPath(path) {
		return fmt.Errorf("invalid path: %q", path)
	}
	return m.Put(ctx, projectID+"/"+path, data)
}

// DeleteFile removes a workspace file from every backend.
func (m *Manager) DeleteFile(ctx context.Context, projectID, path string) error {
	if !util.CleanRelPath(path) {
		return fmt.Errorf("invalid path: %q", path)
	}
	return m.Delete(ctx, projectID+"/"+path)
}

// GetFile reads a workspace file through the fallback order.
func (m *Manager) GetFile(ctx context.Context, projectID, path string) ([]byte, error) {
	if !util.CleanRelPath(path) {
		return nil, fmt.Errorf("invalid path: %q", path)
	}
	return m.Get(ctx, projectID+"/"+path)
}

// =============================================================================
// FULL-PROJECT SYNC
// =============================================================================

// SyncProject walks root and uploads every file to all backends with bounded
// parallelism. Individual upload failures are counted, not fatal.
func (m *Manager) SyncProject(ctx context.Context, projectID, root string) (SyncResult, error) {
	if len(m.backends) == 0 {
		return SyncResult{}, ErrNoBackends
	}

	var uploaded, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if syncIgnore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := projectID + "/" + filepath.ToSlash(rel)

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				skipped.Add(1)
				return nil
			}
			for _, b := range m.backends {
				if err := b.Put(gctx, key, data); err != nil {
					failed.Add(1)
					log.Printf("SYNC_UPLOAD_FAILED | backend=%s key=%s error=%v", b.Name(), key, err)
					return nil
				}
			}
			uploaded.Add(1)
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return SyncResult{}, err
	}
	if walkErr != nil {
		return SyncResult{}, fmt.Errorf("sync walk failed: %w", walkErr)
	}

	res := SyncResult{
		Uploaded: int(uploaded.Load()),
		Failed:   int(failed.Load()),
		Skipped:  int(skipped.Load()),
	}
	log.Printf("SYNC_COMPLETE | project=%s uploaded=%d failed=%d skipped=%d",
		projectID, res.Uploaded, res.Failed, res.Skipped)
	return res, nil
}
