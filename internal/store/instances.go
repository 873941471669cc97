// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// INSTANCE TYPE
// =============================================================================

// InstanceStatus is the lifecycle state of one sandbox boot.
type InstanceStatus string

const (
	// InstanceBooting indicates the runtime is starting.
	InstanceBooting InstanceStatus = "booting"

	// InstanceReady indicates the runtime accepted the workspace mount.
	InstanceReady InstanceStatus = "ready"

	// InstanceTerminated indicates the runtime was torn down or failed to boot.
	InstanceTerminated InstanceStatus = "terminated"
)

// Instance records the lifecycle of one sandbox boot. A new row is written
// per boot; rows never transition backwards.
type Instance struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Status       InstanceStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	BootedAt     time.Time      `json:"booted_at"`
	TerminatedAt *time.Time     `json:"terminated_at,omitempty"`
}

// =============================================================================
// INSTANCE OPERATIONS
// =============================================================================

// CreateInstance inserts a new instance row in the booting state.
func (s *Store) CreateInstance(id, projectID string) (*Instance, error) {
	now := time.Now()
	inst := &Instance{
		ID:        id,
		ProjectID: projectID,
		Status:    InstanceBooting,
		BootedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO instances (id, project_id, status, booted_at) VALUES (?, ?, ?, ?)`,
		inst.ID, inst.ProjectID, inst.Status, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}
	return inst, nil
}

// MarkInstanceReady transitions booting -> ready.
func (s *Store) MarkInstanceReady(id string) error {
	res, err := s.db.Exec(
		`UPDATE instances SET status = ? WHERE id = ? AND status = ?`,
		InstanceReady, id, InstanceBooting,
	)
	if err != nil {
		return fmt.Errorf("failed to mark instance ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInstanceTerminated transitions any live state -> terminated, recording
// the failure reason when there is one. Terminating an already-terminated
// instance is a no-op.
func (s *Store) MarkInstanceTerminated(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE instances SET status = ?, error = ?, terminated_at = ? WHERE id = ? AND status != ?`,
		InstanceTerminated, reason, time.Now().Unix(), id, InstanceTerminated,
	)
	if err != nil {
		return fmt.Errorf("failed to mark instance terminated: %w", err)
	}
	return nil
}

// GetInstance returns an instance by ID.
func (s *Store) GetInstance(id string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, status, error, booted_at, terminated_at FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// LatestInstance returns the most recent instance row for a project.
func (s *Store) LatestInstance(projectID string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, status, error, booted_at, terminated_at
		 FROM instances WHERE project_id = ? ORDER BY booted_at DESC, rowid DESC LIMIT 1`, projectID)
	return scanInstance(row)
}

// ListInstances returns every instance row for a project, newest first.
func (s *Store) ListInstances(projectID string) ([]*Instance, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, status, error, booted_at, terminated_at
		 FROM instances WHERE project_id = ? ORDER BY booted_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(sc scanner) (*Instance, error) {
	var inst Instance
	var booted int64
	var terminated sql.NullInt64
	if err := sc.Scan(&inst.ID, &inst.ProjectID, &inst.Status, &inst.Error, &booted, &terminated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}
	inst.BootedAt = time.Unix(booted, 0)
	if terminated.Valid {
		t := time.Unix(terminated.Int64, 0)
		inst.TerminatedAt = &t
	}
	return &inst, nil
}
