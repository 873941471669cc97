// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue manages a queue of background tasks with thread-safe operations.
type Queue struct {
	// tasks is the list of all tasks (both queued and completed)
	tasks []*Task

	// running tracks currently running tasks by ID
	running map[string]*Task

	// maxHistory is the maximum number of completed tasks to keep
	maxHistory int

	// maxQueueSize is the maximum number of queued tasks allowed (0 = unlimited)
	maxQueueSize int

	// mu protects concurrent access to the queue
	mu sync.RWMutex

	// notifyChan sends notifications when tasks complete
	notifyChan chan TaskNotification
}

// TaskNotification represents a notification about a task state change.
type TaskNotification struct {
	TaskID      string
	Kind        TaskKind
	ProjectID   string
	Status      TaskStatus
	Error       string
	Duration    time.Duration
}

// NewQueue creates a new task queue.
// maxHistory sets the maximum number of completed tasks to keep (0 = unlimited).
func NewQueue(maxHistory int) *Queue {
	return NewQueueWithOptions(maxHistory, 0)
}

// NewQueueWithOptions creates a new task queue with custom settings.
// maxQueueSize limits queued tasks (0 = unlimited).
func NewQueueWithOptions(maxHistory, maxQueueSize int) *Queue {
	return &Queue{
		tasks:        make([]*Task, 0),
		running:      make(map[string]*Task),
		maxHistory:   maxHistory,
		maxQueueSize: maxQueueSize,
		notifyChan:   make(chan TaskNotification, 100),
	}
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// Add adds a new task to the queue.
// Returns an error if the queue has reached its maximum size.
func (q *Queue) Add(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxQueueSize > 0 {
		queuedCount := 0
		for _, t := range q.tasks {
			if t.GetStatus() == TaskStatusQueued {
				queuedCount++
			}
		}
		if queuedCount >= q.maxQueueSize {
			return fmt.Errorf("queue is full: %d queued tasks (max: %d)", queuedCount, q.maxQueueSize)
		}
	}

	_ = task.SetStatus(TaskStatusQueued)
	q.tasks = append(q.tasks, task)
	return nil
}

// Get retrieves a task by ID.
// Returns nil if the task is not found.
func (q *Queue) Get(id string) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, task := range q.tasks {
		if task.ID == id {
			return task.Clone()
		}
	}
	return nil
}

// Cancel cancels a task by ID.
// Returns true if the task was successfully canceled.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task, ok := q.running[id]; ok {
		return task.Cancel()
	}

	for _, task := range q.tasks {
		if task.ID == id && task.GetStatus() == TaskStatusQueued {
			task.MarkCanceled()
			return true
		}
	}
	return false
}

// MarkRunning marks a task as running.
func (q *Queue) MarkRunning(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.MarkStarted()
	q.running[task.ID] = task
}

// MarkComplete marks a task as complete and removes it from running.
func (q *Queue) MarkComplete(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.MarkComplete()
	delete(q.running, task.ID)

	q.notify(TaskNotification{
		TaskID:    task.ID,
		Kind:      task.Kind,
		ProjectID: task.ProjectID,
		Status:    TaskStatusComplete,
		Duration:  task.Duration(),
	})

	q.cleanupLocked()
}

// MarkFailed marks a task as failed and removes it from running.
func (q *Queue) MarkFailed(task *Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.SetError(err)
	delete(q.running, task.ID)

	q.notify(TaskNotification{
		TaskID:    task.ID,
		Kind:      task.Kind,
		ProjectID: task.ProjectID,
		Status:    TaskStatusFailed,
		Error:     err.Error(),
		Duration:  task.Duration(),
	})

	q.cleanupLocked()
}

// MarkCanceled marks a task as canceled and removes it from running.
func (q *Queue) MarkCanceled(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.MarkCanceled()
	delete(q.running, task.ID)

	q.notify(TaskNotification{
		TaskID:    task.ID,
		Kind:      task.Kind,
		ProjectID: task.ProjectID,
		Status:    TaskStatusCanceled,
		Duration:  task.Duration(),
	})

	q.cleanupLocked()
}

// =============================================================================
// QUEUE QUERIES
// =============================================================================

// All returns a copy of all tasks.
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Task, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Clone()
	}
	return result
}

// Queued returns all queued (not yet started) tasks.
// Returns original task pointers so the runner mutates the real tasks, not
// clones.
func (q *Queue) Queued() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*Task, 0)
	for _, task := range q.tasks {
		if task.GetStatus() == TaskStatusQueued {
			result = append(result, task)
		}
	}
	return result
}

// Count returns the total number of tasks.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// RunningCount returns the number of running tasks.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notifications returns the notification channel.
// Consumers can read from this channel to receive task completion notifications.
func (q *Queue) Notifications() <-chan TaskNotification {
	return q.notifyChan
}

// notify sends a notification (must be called with lock held).
func (q *Queue) notify(notification TaskNotification) {
	select {
	case q.notifyChan <- notification:
	default:
		// Channel full, drop rather than block the queue
		log.Printf("TASK_NOTIFY_DROPPED | task=%s status=%s", notification.TaskID, notification.Status)
	}
}

// =============================================================================
// CLEANUP
// =============================================================================

// cleanupLocked removes old completed tasks to keep history size manageable.
// Must be called with lock held. Removal is FIFO by slice position.
func (q *Queue) cleanupLocked() {
	if q.maxHistory <= 0 {
		return
	}

	completedCount := 0
	for _, task := range q.tasks {
		if task.IsComplete() {
			completedCount++
		}
	}

	if completedCount > q.maxHistory {
		toRemove := completedCount - q.maxHistory
		newTasks := make([]*Task, 0, len(q.tasks)-toRemove)

		for _, task := range q.tasks {
			if task.IsComplete() && toRemove > 0 {
				toRemove--
				continue
			}
			newTasks = append(newTasks, task)
		}

		q.tasks = newTasks
	}
}
