// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRuntimeLockConflict(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	r1 := NewLocalRuntime(root, nil)
	require.NoError(t, r1.Boot(ctx))

	// A second runtime against the same root must report the conflict.
	r2 := NewLocalRuntime(root, nil)
	assert.ErrorIs(t, r2.Boot(ctx), ErrAlreadyRunning)

	// Teardown releases the lock and allows a fresh boot.
	require.NoError(t, r1.Teardown())
	require.NoError(t, r2.Boot(ctx))
	require.NoError(t, r2.Teardown())
}

func TestLocalRuntimeFileOps(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	r := NewLocalRuntime(root, nil)
	require.NoError(t, r.Boot(ctx))
	defer r.Teardown()

	ws := filepath.Join(root, "project-1")
	require.NoError(t, r.Mount(ctx, ws))

	require.NoError(t, r.WriteFile("src/main.js", []byte("console.log(1)")))

	data, err := r.ReadFile("src/main.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("console.log(1)"), data)

	entries, err := r.ListDir("src")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.js", entries[0].Name)
	assert.False(t, entries[0].IsDir)

	require.NoError(t, r.RemoveFile("src/main.js"))
	_, err = r.ReadFile("src/main.js")
	assert.Error(t, err)
}

func TestLocalRuntimeRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	r := NewLocalRuntime(root, nil)
	require.NoError(t, r.Boot(ctx))
	defer r.Teardown()
	require.NoError(t, r.Mount(ctx, filepath.Join(root, "ws")))

	for _, path := range []string{"../escape", "/etc/passwd", "a/../../b"} {
		_, err := r.ReadFile(path)
		assert.Error(t, err, "path %q must be rejected", path)
	}
}

func TestLocalRuntimeOpsBeforeBoot(t *testing.T) {
	r := NewLocalRuntime(t.TempDir(), nil)

	_, err := r.ReadFile("a.txt")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, r.Mount(context.Background(), "x"), ErrNotReady)

	// Teardown without boot is a no-op.
	require.NoError(t, r.Teardown())
}
