// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// JOBS
// =============================================================================

// Job executes one task kind. It returns a result summary for the task
// output and should honor ctx cancellation promptly.
type Job func(ctx context.Context, task *Task) (string, error)

// =============================================================================
// TASK RUNNER
// =============================================================================

// Runner executes background tasks from a queue using registered jobs.
type Runner struct {
	queue         *Queue
	jobs          map[TaskKind]Job
	wg            sync.WaitGroup
	stop          chan struct{}
	stopped       atomic.Bool   // Prevents new tasks after Stop() is called
	maxConcurrent int           // Maximum number of concurrent tasks
	semaphore     chan struct{} // Semaphore to limit concurrency
	taskTimeout   time.Duration // Timeout for each task (0 = no timeout)
}

// NewRunner creates a task runner with custom settings.
// maxConcurrent: maximum number of tasks to run concurrently (default: 4)
// taskTimeout: timeout for each task (0 = no timeout)
func NewRunner(queue *Queue, maxConcurrent int, taskTimeout time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		queue:         queue,
		jobs:          make(map[TaskKind]Job),
		stop:          make(chan struct{}),
		maxConcurrent: maxConcurrent,
		semaphore:     make(chan struct{}, maxConcurrent),
		taskTimeout:   taskTimeout,
	}
}

// Register installs the job for a task kind. Must be called before Start.
func (r *Runner) Register(kind TaskKind, job Job) {
	r.jobs[kind] = job
}

// =============================================================================
// RUNNER LIFECYCLE
// =============================================================================

// Start begins processing tasks from the queue.
func (r *Runner) Start() {
	go r.processLoop()
}

// Stop gracefully stops the runner.
// Waits for currently running tasks to complete.
func (r *Runner) Stop() {
	r.stopped.Store(true)
	close(r.stop)
	r.wg.Wait()
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

// processLoop continuously processes tasks from the queue.
func (r *Runner) processLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if r.stopped.Load() {
				return
			}

			queued := r.queue.Queued()
			for _, task := range queued {
				if r.stopped.Load() {
					return
				}

				// Acquire semaphore (blocks at max concurrency)
				select {
				case r.semaphore <- struct{}{}:
					r.wg.Add(1)
					go r.executeTask(task)
				case <-r.stop:
					return
				}
			}
		}
	}
}

// executeTask executes a single task via its registered job.
func (r *Runner) executeTask(task *Task) {
	defer r.wg.Done()
	defer func() { <-r.semaphore }()

	r.queue.MarkRunning(task)

	var ctx context.Context
	var cancel context.CancelFunc
	if r.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), r.taskTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	task.SetCancelFunc(cancel)
	defer cancel()

	job, ok := r.jobs[task.Kind]
	if !ok {
		r.queue.MarkFailed(task, fmt.Errorf("no job registered for kind %q", task.Kind))
		return
	}

	output, err := job(ctx, task)
	if output != "" {
		task.SetOutput(output)
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			r.queue.MarkCanceled(task)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			r.queue.MarkFailed(task, fmt.Errorf("task timeout after %v: %w", r.taskTimeout, err))
		default:
			r.queue.MarkFailed(task, err)
		}
		return
	}
	r.queue.MarkComplete(task)
}
