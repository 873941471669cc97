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
// TERMINAL TYPE
// =============================================================================

// Terminal records a shell session spawned inside an instance.
type Terminal struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	Shell      string     `json:"shell"`
	StartedAt  time.Time  `json:"started_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

// =============================================================================
// TERMINAL OPERATIONS
// =============================================================================

// CreateTerminal inserts a terminal session row.
func (s *Store) CreateTerminal(id, instanceID, shell string) (*Terminal, error) {
	now := time.Now()
	term := &Terminal{
		ID:         id,
		InstanceID: instanceID,
		Shell:      shell,
		StartedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO terminals (id, instance_id, shell, started_at) VALUES (?, ?, ?, ?)`,
		term.ID, term.InstanceID, term.Shell, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert terminal: %w", err)
	}
	return term, nil
}

// MarkTerminalExited records a terminal session's exit time. Idempotent.
func (s *Store) MarkTerminalExited(id string) error {
	_, err := s.db.Exec(
		`UPDATE terminals SET exited_at = ? WHERE id = ? AND exited_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark terminal exited: %w", err)
	}
	return nil
}

// GetTerminal returns a terminal session by ID.
func (s *Store) GetTerminal(id string) (*Terminal, error) {
	row := s.db.QueryRow(
		`SELECT id, instance_id, shell, started_at, exited_at FROM terminals WHERE id = ?`, id)
	return scanTerminal(row)
}

// ListTerminals returns all terminal sessions for an instance, oldest first.
func (s *Store) ListTerminals(instanceID string) ([]*Terminal, error) {
	rows, err := s.db.Query(
		`SELECT id, instance_id, shell, started_at, exited_at
		 FROM terminals WHERE instance_id = ? ORDER BY started_at ASC, rowid ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminals: %w", err)
	}
	defer rows.Close()

	var terms []*Terminal
	for rows.Next() {
		term, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, rows.Err()
}

func scanTerminal(sc scanner) (*Terminal, error) {
	var term Terminal
	var started int64
	var exited sql.NullInt64
	if err := sc.Scan(&term.ID, &term.InstanceID, &term.Shell, &started, &exited); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan terminal: %w", err)
	}
	term.StartedAt = time.Unix(started, 0)
	if exited.Valid {
		t := time.Unix(exited.Int64, 0)
		term.ExitedAt = &t
	}
	return &term, nil
}
