// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/flashio/flashd/internal/storage"
)

// =============================================================================
// JOB IMPLEMENTATIONS
// =============================================================================

// snapshotIgnore lists directory names excluded from workspace snapshots.
var snapshotIgnore = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	".cache":       true,
}

// SyncJob returns the job replicating a project's workspace to all storage
// backends.
func SyncJob(m *storage.Manager, workspaceRoot string) Job {
	return func(ctx context.Context, task *Task) (string, error) {
		root := filepath.Join(workspaceRoot, task.ProjectID)
		if _, err := os.Stat(root); err != nil {
			return "", fmt.Errorf("workspace missing: %w", err)
		}

		res, err := m.SyncProject(ctx, task.ProjectID, root)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("uploaded=%d failed=%d skipped=%d", res.Uploaded, res.Failed, res.Skipped), nil
	}
}

// SnapshotJob returns the job archiving a project's workspace into storage
// as a gzipped tarball under <project>/.snapshots/.
func SnapshotJob(m *storage.Manager, workspaceRoot string) Job {
	return func(ctx context.Context, task *Task) (string, error) {
		root := filepath.Join(workspaceRoot, task.ProjectID)

		archive, files, err := tarWorkspace(ctx, root)
		if err != nil {
			return "", err
		}

		key := fmt.Sprintf("%s/.snapshots/%s.tar.gz", task.ProjectID, time.Now().UTC().Format("20060102T150405Z"))
		if err := m.Put(ctx, key, archive); err != nil {
			return "", fmt.Errorf("failed to store snapshot: %w", err)
		}
		return fmt.Sprintf("key=%s files=%d bytes=%d", key, files, len(archive)), nil
	}
}

// tarWorkspace packs the workspace tree into a gzipped tarball.
func tarWorkspace(ctx context.Context, root string) ([]byte, int, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if snapshotIgnore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot walk failed: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gz.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), files, nil
}
