// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flashio/flashd/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInstanceExists is returned when a boot is requested while another
	// instance is live and TakeOver was not set.
	ErrInstanceExists = errors.New("an instance is already running")

	// ErrNoInstance is returned for operations that require a live instance.
	ErrNoInstance = errors.New("no instance is running")
)

// =============================================================================
// MANAGER
// =============================================================================

const (
	// bootBackoffBase is the initial retry delay after a failed boot attempt.
	bootBackoffBase = 1 * time.Second

	// bootRateInterval throttles how often boot attempts may start.
	bootRateInterval = 2 * time.Second

	// bootRateBurst allows a few quick boots before throttling kicks in.
	bootRateBurst = 3
)

// Mirror receives copies of workspace writes for durable storage.
type Mirror interface {
	PutFile(ctx context.Context, projectID, path string, data []byte) error
	DeleteFile(ctx context.Context, projectID, path string) error
}

// EventHandler observes runtime events for the live instance.
type EventHandler func(instanceID string, ev Event)

// Options configures a Manager.
type Options struct {
	Store           *store.Store
	Runtime         Runtime
	Mirror          Mirror // optional
	WorkspaceRoot   string
	Shell           string
	BootTimeout     time.Duration
	MaxBootAttempts int
}

// ManagerStats counts lifecycle activity for the stats endpoint.
type ManagerStats struct {
	Boots      int64 `json:"boots"`
	BootErrors int64 `json:"boot_errors"`
	Recoveries int64 `json:"recoveries"`
	Teardowns  int64 `json:"teardowns"`
	FileWrites int64 `json:"file_writes"`
}

// Manager enforces the single live instance constraint and drives the
// boot/ready/terminated lifecycle.
type Manager struct {
	store           *store.Store
	runtime         Runtime
	mirror          Mirror
	workspaceRoot   string
	shell           string
	bootTimeout     time.Duration
	maxBootAttempts int
	limiter         *rate.Limiter

	mu         sync.Mutex
	current    *store.Instance
	booting    bool
	handler    EventHandler
	onTeardown func(instanceID string)
	stats      ManagerStats
}

// NewManager creates a Manager. Missing options get safe defaults.
func NewManager(opts Options) *Manager {
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 30 * time.Second
	}
	if opts.MaxBootAttempts <= 0 {
		opts.MaxBootAttempts = 3
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}

	return &Manager{
		store:           opts.Store,
		runtime:         opts.Runtime,
		mirror:          opts.Mirror,
		workspaceRoot:   opts.WorkspaceRoot,
		shell:           opts.Shell,
		bootTimeout:     opts.BootTimeout,
		maxBootAttempts: opts.MaxBootAttempts,
		limiter:         rate.NewLimiter(rate.Every(bootRateInterval), bootRateBurst),
	}
}

// OnEvent registers the runtime event observer. Must be called before Boot.
func (m *Manager) OnEvent(h EventHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnTeardown registers an observer invoked whenever an instance is torn
// down, with its ID. The observer runs with the manager lock held and must
// not call back into the manager.
func (m *Manager) OnTeardown(f func(instanceID string)) {
	m.mu.Lock()
	m.onTeardown = f
	m.mu.Unlock()
}

// Shell returns the configured shell for terminal sessions.
func (m *Manager) Shell() string {
	return m.shell
}

// Current returns the live instance, or ErrNoInstance.
func (m *Manager) Current() (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoInstance
	}
	inst := *m.current
	return &inst, nil
}

// Stats returns a snapshot of lifecycle counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Boot starts an instance for the project. While another instance is live,
// Boot fails with ErrInstanceExists unless takeOver is set, in which case
// the live instance is torn down first. Attempts are throttled and retried
// with exponential backoff up to the configured limit.
func (m *Manager) Boot(ctx context.Context, projectID string, takeOver bool) (*store.Instance, error) {
	// Claim the boot slot before releasing the lock so a concurrent Boot
	// fails fast instead of racing the retry loop.
	m.mu.Lock()
	if m.booting {
		m.mu.Unlock()
		return nil, ErrInstanceExists
	}
	if m.current != nil {
		if !takeOver {
			m.mu.Unlock()
			return nil, ErrInstanceExists
		}
		m.teardownLocked("replaced by new boot")
	}
	m.booting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.booting = false
		m.mu.Unlock()
	}()

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("boot throttled: %w", err)
	}

	instanceID := uuid.New().String()
	inst, err := m.store.CreateInstance(instanceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to record instance: %w", err)
	}

	log.Printf("INSTANCE_BOOT_START | instance=%s project=%s", instanceID, projectID)

	workspace := filepath.Join(m.workspaceRoot, projectID)
	bootErr := m.bootWithRetry(ctx, workspace)
	if bootErr != nil {
		m.store.MarkInstanceTerminated(instanceID, bootErr.Error())
		m.mu.Lock()
		m.stats.BootErrors++
		m.mu.Unlock()
		log.Printf("INSTANCE_BOOT_FAILED | instance=%s error=%v", instanceID, bootErr)
		return nil, bootErr
	}

	if err := m.store.MarkInstanceReady(instanceID); err != nil {
		m.runtime.Teardown()
		m.store.MarkInstanceTerminated(instanceID, "failed to record ready state")
		return nil, fmt.Errorf("failed to record ready state: %w", err)
	}
	inst.Status = store.InstanceReady

	m.mu.Lock()
	m.current = inst
	m.stats.Boots++
	m.mu.Unlock()

	go m.pumpEvents(instanceID, m.runtime.Events())

	log.Printf("INSTANCE_READY | instance=%s project=%s", instanceID, projectID)
	return inst, nil
}

// bootWithRetry runs boot attempts with backoff. An ErrAlreadyRunning
// response triggers teardown-and-retry recovery rather than counting as a
// plain failure.
func (m *Manager) bootWithRetry(ctx context.Context, workspace string) error {
	backoff := bootBackoffBase
	var lastErr error

	for attempt := 1; attempt <= m.maxBootAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("boot canceled: %w", err)
		}

		lastErr = m.bootOnce(ctx, workspace)
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, ErrAlreadyRunning) {
			log.Printf("INSTANCE_RECOVERY | attempt=%d reason=already_running", attempt)
			m.runtime.Teardown()
			m.mu.Lock()
			m.stats.Recoveries++
			m.mu.Unlock()
			continue
		}

		if attempt < m.maxBootAttempts {
			log.Printf("INSTANCE_BOOT_RETRY | attempt=%d backoff=%s error=%v", attempt, backoff, lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("boot canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("boot failed after %d attempts: %w", m.maxBootAttempts, lastErr)
}

// bootOnce performs a single boot+mount attempt under the boot timeout.
func (m *Manager) bootOnce(ctx context.Context, workspace string) error {
	bootCtx, cancel := context.WithTimeout(ctx, m.bootTimeout)
	defer cancel()

	if err := m.runtime.Boot(bootCtx); err != nil {
		return err
	}
	if err := m.runtime.Mount(bootCtx, workspace); err != nil {
		m.runtime.Teardown()
		return fmt.Errorf("mount failed: %w", err)
	}
	return nil
}

// Teardown stops the live instance. Idempotent.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	m.teardownLocked("")
	return nil
}

// teardownLocked tears down the live instance. Caller holds m.mu.
func (m *Manager) teardownLocked(reason string) {
	inst := m.current
	m.current = nil
	m.stats.Teardowns++

	m.runtime.Teardown()
	if err := m.store.MarkInstanceTerminated(inst.ID, reason); err != nil {
		log.Printf("INSTANCE_TERMINATE_RECORD_FAILED | instance=%s error=%v", inst.ID, err)
	}
	if m.onTeardown != nil {
		m.onTeardown(inst.ID)
	}
	log.Printf("INSTANCE_TERMINATED | instance=%s reason=%q", inst.ID, reason)
}

// Recover tears the live instance down and boots a fresh one for the
// project, taking over whatever holds the runtime.
func (m *Manager) Recover(ctx context.Context, projectID string) (*store.Instance, error) {
	m.mu.Lock()
	m.stats.Recoveries++
	m.mu.Unlock()
	return m.Boot(ctx, projectID, true)
}

// pumpEvents forwards runtime events to the registered handler. A closed
// event channel means the runtime died underneath us; the instance is then
// marked terminated. Events arriving after teardown are dropped.
func (m *Manager) pumpEvents(instanceID string, events <-chan Event) {
	for ev := range events {
		m.mu.Lock()
		handler := m.handler
		live := m.current != nil && m.current.ID == instanceID
		m.mu.Unlock()

		if !live {
			continue
		}
		if handler != nil {
			handler(instanceID, ev)
		}
	}

	m.mu.Lock()
	if m.current != nil && m.current.ID == instanceID {
		m.teardownLocked("runtime event stream closed")
	}
	m.mu.Unlock()
}

// =============================================================================
// FILE OPERATIONS
// =============================================================================

// requireLive returns the live instance or ErrNoInstance.
func (m *Manager) requireLive() (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoInstance
	}
	return m.current, nil
}

// ReadFile reads a file from the live instance workspace.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	if _, err := m.requireLive(); err != nil {
		return nil, err
	}
	return m.runtime.ReadFile(path)
}

// WriteFile writes a file into the live instance workspace and mirrors the
// write to durable storage. Mirror failures are logged, not surfaced.
func (m *Manager) WriteFile(ctx context.Context, path string, data []byte) error {
	inst, err := m.requireLive()
	if err != nil {
		return err
	}
	if err := m.runtime.WriteFile(path, data); err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.FileWrites++
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		if err := mirror.PutFile(ctx, inst.ProjectID, path, data); err != nil {
			log.Printf("FILE_MIRROR_FAILED | project=%s path=%s error=%v", inst.ProjectID, path, err)
		}
	}
	return nil
}

// ListDir lists a directory of the live instance workspace.
func (m *Manager) ListDir(path string) ([]FileInfo, error) {
	if _, err := m.requireLive(); err != nil {
		return nil, err
	}
	return m.runtime.ListDir(path)
}

// RemoveFile deletes a file from the workspace and from durable storage.
func (m *Manager) RemoveFile(ctx context.Context, path string) error {
	inst, err := m.requireLive()
	if err != nil {
		return err
	}
	if err := m.runtime.RemoveFile(path); err != nil {
		return err
	}

	m.mu.Lock()
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		if err := mirror.DeleteFile(ctx, inst.ProjectID, path); err != nil {
			log.Printf("FILE_MIRROR_DELETE_FAILED | project=%s path=%s error=%v", inst.ProjectID, path, err)
		}
	}
	return nil
}

// Spawn starts a shell inside the live instance.
func (m *Manager) Spawn(ctx context.Context, cols, rows int) (Process, *store.Instance, error) {
	inst, err := m.requireLive()
	if err != nil {
		return nil, nil, err
	}
	proc, err := m.runtime.Spawn(ctx, m.shell, cols, rows)
	if err != nil {
		return nil, nil, err
	}
	return proc, inst, nil
}
