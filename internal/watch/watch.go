// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watch observes a project workspace for out-of-band edits so they
// can be synced to durable storage.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// WATCHER INTERFACE
// =============================================================================

// Handler receives workspace-relative paths for changed and removed files.
type Handler interface {
	FileChanged(relPath string)
	FileRemoved(relPath string)
}

// Watcher is the interface for workspace watching implementations.
type Watcher interface {
	// Watch starts watching for file changes
	Watch() error

	// Close stops watching and releases resources
	Close() error
}

// ignoredDirs are never watched or reported.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	".cache":       true,
}

func shouldIgnore(name string) bool {
	return ignoredDirs[name]
}

// Start starts a watcher over root, preferring fsnotify and falling back to
// polling when inotify is unavailable.
func Start(root string, debounce time.Duration, handler Handler) (Watcher, error) {
	fw, err := NewFsnotifyWatcher(root, debounce, handler)
	if err == nil {
		if err := fw.Watch(); err == nil {
			return fw, nil
		}
		fw.Close()
	}
	log.Printf("WATCH_FALLBACK_POLLING | root=%s error=%v", root, err)

	pw := NewPollingWatcher(root, 5*time.Second, handler)
	if err := pw.Watch(); err != nil {
		return nil, err
	}
	return pw, nil
}

// =============================================================================
// FSNOTIFY WATCHER
// =============================================================================

// FsnotifyWatcher implements Watcher using fsnotify.
type FsnotifyWatcher struct {
	root     string
	handler  Handler
	watcher  *fsnotify.Watcher
	debounce time.Duration
	mu       sync.Mutex
	pending  map[string]time.Time // File path -> last change time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewFsnotifyWatcher creates a new fsnotify-based watcher.
func NewFsnotifyWatcher(root string, debounce time.Duration, handler Handler) (*FsnotifyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FsnotifyWatcher{
		root:     root,
		handler:  handler,
		watcher:  watcher,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for file changes.
func (fw *FsnotifyWatcher) Watch() error {
	if err := fw.addRecursive(fw.root); err != nil {
		return err
	}

	go fw.processEvents()
	go fw.processPending()

	return nil
}

// addRecursive adds a directory and all its subdirectories to the watch list.
func (fw *FsnotifyWatcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			return nil
		}
		if shouldIgnore(filepath.Base(path)) && path != dir {
			return filepath.SkipDir
		}
		// Non-fatal on failure, continue walking
		fw.watcher.Add(path)
		return nil
	})
}

// processEvents processes file system events.
func (fw *FsnotifyWatcher) processEvents() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WATCH_PANIC | recovered=%v", r)
		}
	}()

	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				fw.handleFileChange(event.Name)
			}

			// Renames and removes both drop the old name
			if event.Op&fsnotify.Rename == fsnotify.Rename ||
				event.Op&fsnotify.Remove == fsnotify.Remove {
				fw.handleFileRemove(event.Name)
			}

			// New directories need watching too
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fw.addRecursive(event.Name); err != nil {
						time.Sleep(100 * time.Millisecond)
						fw.addRecursive(event.Name)
					}
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WATCH_ERROR | error=%v", err)
		}
	}
}

// handleFileChange records a change for debounced delivery.
func (fw *FsnotifyWatcher) handleFileChange(path string) {
	if fw.ignored(path) {
		return
	}
	fw.mu.Lock()
	fw.pending[path] = time.Now()
	fw.mu.Unlock()
}

// handleFileRemove reports a removal immediately and drops any pending change.
func (fw *FsnotifyWatcher) handleFileRemove(path string) {
	if fw.ignored(path) {
		return
	}
	fw.mu.Lock()
	delete(fw.pending, path)
	fw.mu.Unlock()

	if rel, err := filepath.Rel(fw.root, path); err == nil {
		fw.handler.FileRemoved(filepath.ToSlash(rel))
	}
}

// ignored reports whether any path segment is an ignored directory.
func (fw *FsnotifyWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil {
		return true
	}
	for rel != "." && rel != "" {
		if shouldIgnore(filepath.Base(rel)) {
			return true
		}
		rel = filepath.Dir(rel)
	}
	return false
}

// processPending delivers pending file changes after the debounce window.
func (fw *FsnotifyWatcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-fw.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			fw.mu.Lock()
			var toProcess []string
			for path, changeTime := range fw.pending {
				if now.Sub(changeTime) >= fw.debounce {
					toProcess = append(toProcess, path)
					delete(fw.pending, path)
				}
			}
			fw.mu.Unlock()

			for _, path := range toProcess {
				info, err := os.Stat(path)
				if err != nil {
					// Gone already, report as removal
					if rel, rerr := filepath.Rel(fw.root, path); rerr == nil {
						fw.handler.FileRemoved(filepath.ToSlash(rel))
					}
					continue
				}
				if info.IsDir() {
					continue
				}
				if rel, err := filepath.Rel(fw.root, path); err == nil {
					fw.handler.FileChanged(filepath.ToSlash(rel))
				}
			}
		}
	}
}

// Close stops watching and releases resources.
func (fw *FsnotifyWatcher) Close() error {
	fw.cancel()
	if fw.watcher != nil {
		return fw.watcher.Close()
	}
	return nil
}

// =============================================================================
// POLLING WATCHER (FALLBACK)
// =============================================================================

// PollingWatcher implements Watcher using periodic scans.
type PollingWatcher struct {
	root     string
	handler  Handler
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	files    map[string]time.Time // File path -> mod time
	mu       sync.Mutex
}

// NewPollingWatcher creates a new polling-based watcher.
func NewPollingWatcher(root string, interval time.Duration, handler Handler) *PollingWatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &PollingWatcher{
		root:     root,
		handler:  handler,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		files:    make(map[string]time.Time),
	}
}

// Watch starts watching for file changes.
func (pw *PollingWatcher) Watch() error {
	if err := pw.scan(); err != nil {
		return err
	}
	go pw.poll()
	return nil
}

// scan walks the workspace and records file modification times.
func (pw *PollingWatcher) scan() error {
	newFiles := make(map[string]time.Time)

	err := filepath.Walk(pw.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if shouldIgnore(filepath.Base(path)) && path != pw.root {
				return filepath.SkipDir
			}
			return nil
		}
		newFiles[path] = info.ModTime()
		return nil
	})
	if err != nil {
		return err
	}

	pw.mu.Lock()
	pw.files = newFiles
	pw.mu.Unlock()
	return nil
}

// poll periodically checks for file changes.
func (pw *PollingWatcher) poll() {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.ctx.Done():
			return
		case <-ticker.C:
			pw.checkChanges()
		}
	}
}

// checkChanges diffs the previous scan against the current one.
func (pw *PollingWatcher) checkChanges() {
	pw.mu.Lock()
	oldFiles := make(map[string]time.Time, len(pw.files))
	for k, v := range pw.files {
		oldFiles[k] = v
	}
	pw.mu.Unlock()

	if err := pw.scan(); err != nil {
		return
	}

	pw.mu.Lock()
	currentFiles := pw.files
	pw.mu.Unlock()

	for path, modTime := range currentFiles {
		if oldTime, exists := oldFiles[path]; !exists || !oldTime.Equal(modTime) {
			if rel, err := filepath.Rel(pw.root, path); err == nil {
				pw.handler.FileChanged(filepath.ToSlash(rel))
			}
		}
	}

	for path := range oldFiles {
		if _, exists := currentFiles[path]; !exists {
			if rel, err := filepath.Rel(pw.root, path); err == nil {
				pw.handler.FileRemoved(filepath.ToSlash(rel))
			}
		}
	}
}

// Close stops watching.
func (pw *PollingWatcher) Close() error {
	pw.cancel()
	return nil
}
