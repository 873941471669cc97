// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects delivered paths.
type recordingHandler struct {
	mu      sync.Mutex
	changed []string
	removed []string
}

func (h *recordingHandler) FileChanged(relPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = append(h.changed, relPath)
}

func (h *recordingHandler) FileRemoved(relPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, relPath)
}

func (h *recordingHandler) hasChanged(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.changed {
		if p == path {
			return true
		}
	}
	return false
}

func (h *recordingHandler) hasRemoved(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.removed {
		if p == path {
			return true
		}
	}
	return false
}

func TestFsnotifyWatcherReportsChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))

	h := &recordingHandler{}
	fw, err := NewFsnotifyWatcher(root, 50*time.Millisecond, h)
	require.NoError(t, err)
	require.NoError(t, fw.Watch())
	defer fw.Close()

	path := filepath.Join(root, "src", "app.js")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.Eventually(t, func() bool {
		return h.hasChanged("src/app.js")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return h.hasRemoved("src/app.js")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFsnotifyWatcherIgnoresNodeModules(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0755))

	h := &recordingHandler{}
	fw, err := NewFsnotifyWatcher(root, 10*time.Millisecond, h)
	require.NoError(t, err)
	require.NoError(t, fw.Watch())
	defer fw.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.js"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.js"), []byte("x"), 0644))

	require.Eventually(t, func() bool {
		return h.hasChanged("keep.js")
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, h.hasChanged("node_modules/dep.js"))
}

func TestPollingWatcherDetectsChangesAndRemovals(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0644))

	h := &recordingHandler{}
	pw := NewPollingWatcher(root, 20*time.Millisecond, h)
	require.NoError(t, pw.Watch())
	defer pw.Close()

	// New file appears after the initial scan.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("new"), 0644))
	require.Eventually(t, func() bool {
		return h.hasChanged("b.txt")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))
	require.Eventually(t, func() bool {
		return h.hasRemoved("a.txt")
	}, 5*time.Second, 20*time.Millisecond)
}
