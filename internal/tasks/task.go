// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks provides a background task system for storage sync and
// workspace snapshot jobs.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK KIND AND STATUS
// =============================================================================

// TaskKind identifies the job a task runs.
type TaskKind string

const (
	// KindSync replicates a project's files to the storage backends.
	KindSync TaskKind = "sync"

	// KindSnapshot archives the project workspace into storage.
	KindSnapshot TaskKind = "snapshot"
)

// TaskStatus represents the current state of a background task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting to be executed
	TaskStatusQueued TaskStatus = "Queued"

	// TaskStatusRunning indicates the task is currently executing
	TaskStatusRunning TaskStatus = "Running"

	// TaskStatusComplete indicates the task finished successfully
	TaskStatusComplete TaskStatus = "Complete"

	// TaskStatusFailed indicates the task encountered an error
	TaskStatusFailed TaskStatus = "Failed"

	// TaskStatusCanceled indicates the task was canceled by the user
	TaskStatusCanceled TaskStatus = "Canceled"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// Task represents one background job run.
type Task struct {
	// ID is a unique identifier for this task
	ID string `json:"id"`

	// Kind selects the registered job executor
	Kind TaskKind `json:"kind"`

	// Description is a human-readable description of what this task does
	Description string `json:"description"`

	// ProjectID is the project this task operates on
	ProjectID string `json:"project_id"`

	// Status is the current state of the task
	Status TaskStatus `json:"status"`

	// StartTime is when the task started running
	StartTime time.Time `json:"start_time"`

	// EndTime is when the task completed or failed
	EndTime time.Time `json:"end_time"`

	// Output is the result summary produced by the job
	Output string `json:"output,omitempty"`

	// Error is the error message if the task failed
	Error string `json:"error,omitempty"`

	// Progress is an optional progress percentage (0-100)
	Progress int `json:"progress"`

	// cancel is the context cancel function for this task
	cancel context.CancelFunc

	// mu protects concurrent access to the task
	mu sync.RWMutex
}

// NewTask creates a queued task of the given kind for a project.
func NewTask(kind TaskKind, projectID, description string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		ProjectID:   projectID,
		Description: description,
		Status:      TaskStatusQueued,
	}
}

// =============================================================================
// TASK METHODS
// =============================================================================

// SetStatus updates the task status (thread-safe).
// Valid transitions: Queued -> Running -> Complete/Failed/Canceled
func (t *Task) SetStatus(status TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isValidTransition(t.Status, status) {
		return fmt.Errorf("invalid status transition from %s to %s", t.Status, status)
	}

	t.Status = status
	return nil
}

// isValidTransition checks if a status transition is valid (must be called with lock held).
func (t *Task) isValidTransition(from, to TaskStatus) bool {
	// Same status is idempotent
	if from == to {
		return true
	}

	switch from {
	case TaskStatusQueued:
		return to == TaskStatusRunning || to == TaskStatusCanceled
	case TaskStatusRunning:
		return to == TaskStatusComplete || to == TaskStatusFailed || to == TaskStatusCanceled
	case TaskStatusComplete, TaskStatusFailed, TaskStatusCanceled:
		// Terminal states
		return false
	default:
		return false
	}
}

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetProgress updates the task progress (thread-safe).
func (t *Task) SetProgress(progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
}

// SetOutput records the job's result summary (thread-safe).
func (t *Task) SetOutput(output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Output = output
}

// GetOutput returns the current output (thread-safe).
func (t *Task) GetOutput() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Output
}

// SetError sets the error message and marks the task as failed (thread-safe).
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.Error = err.Error()
		t.Status = TaskStatusFailed
		t.EndTime = time.Now()
	}
}

// MarkStarted marks the task as running (thread-safe).
func (t *Task) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusRunning
	t.StartTime = time.Now()
}

// MarkComplete marks the task as successfully completed (thread-safe).
func (t *Task) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusComplete
	t.EndTime = time.Now()
	t.Progress = 100
}

// MarkCanceled marks the task as canceled (thread-safe).
func (t *Task) MarkCanceled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusCanceled
	t.EndTime = time.Now()
}

// SetCancelFunc stores the context cancel function for this task.
// Must only be called once, when the runner picks the task up.
func (t *Task) SetCancelFunc(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

// Cancel cancels the task if it's queued or running.
// Returns true if the task was canceled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != TaskStatusRunning && t.Status != TaskStatusQueued {
		return false
	}

	if t.cancel != nil {
		t.cancel()
	}

	t.Status = TaskStatusCanceled
	t.EndTime = time.Now()
	return true
}

// Duration returns how long the task has been running or took to complete.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.StartTime.IsZero() {
		return 0
	}
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// IsComplete returns true if the task has finished (success, failure, or canceled).
func (t *Task) IsComplete() bool {
	status := t.GetStatus()
	return status == TaskStatusComplete || status == TaskStatusFailed || status == TaskStatusCanceled
}

// Clone creates a thread-safe copy of the task for reading.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return &Task{
		ID:          t.ID,
		Kind:        t.Kind,
		Description: t.Description,
		ProjectID:   t.ProjectID,
		Status:      t.Status,
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		Output:      t.Output,
		Error:       t.Error,
		Progress:    t.Progress,
	}
}
