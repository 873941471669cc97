// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flashio/flashd/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// lockFileName marks a booted runtime. A second boot against the same
	// root finds the file and reports ErrAlreadyRunning.
	lockFileName = ".flashd.lock"

	// probeInterval is how often candidate preview ports are polled.
	probeInterval = 500 * time.Millisecond

	// probeTimeout bounds a single port dial.
	probeTimeout = 200 * time.Millisecond

	// eventBufferSize bounds the runtime event channel.
	eventBufferSize = 64

	// outputChunkSize is the read size for process output pumps.
	outputChunkSize = 4096
)

// =============================================================================
// LOCAL RUNTIME
// =============================================================================

// LocalRuntime runs instances as host processes rooted in a directory. Dev
// server readiness is detected by probing a configured set of candidate
// ports on the loopback interface.
type LocalRuntime struct {
	root         string
	previewPorts []int

	mu        sync.Mutex
	workspace string
	booted    bool
	events    chan Event
	stop      chan struct{}
	procs     map[*localProcess]struct{}
	wg        sync.WaitGroup
}

// NewLocalRuntime creates a runtime rooted at root. previewPorts lists the
// ports probed for dev server readiness.
func NewLocalRuntime(root string, previewPorts []int) *LocalRuntime {
	ports := make([]int, len(previewPorts))
	copy(ports, previewPorts)
	sort.Ints(ports)

	return &LocalRuntime{
		root:         root,
		previewPorts: ports,
		procs:        make(map[*localProcess]struct{}),
	}
}

// Boot acquires the runtime lock and starts the port prober.
func (r *LocalRuntime) Boot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.booted {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fmt.Errorf("failed to create runtime root: %w", err)
	}

	lockPath := filepath.Join(r.root, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("failed to acquire runtime lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	r.booted = true
	r.events = make(chan Event, eventBufferSize)
	r.stop = make(chan struct{})

	r.wg.Add(1)
	go r.probePorts()

	log.Printf("RUNTIME_BOOT | root=%s ports=%v", r.root, r.previewPorts)
	return nil
}

// Mount attaches the workspace directory, creating it if needed.
func (r *LocalRuntime) Mount(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.booted {
		return ErrNotReady
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	r.workspace = dir
	return nil
}

// Events returns the runtime event stream.
func (r *LocalRuntime) Events() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Teardown kills processes, stops the prober, and releases the lock.
func (r *LocalRuntime) Teardown() error {
	r.mu.Lock()
	if !r.booted {
		r.mu.Unlock()
		return nil
	}
	r.booted = false
	close(r.stop)
	procs := make([]*localProcess, 0, len(r.procs))
	for p := range r.procs {
		procs = append(procs, p)
	}
	r.procs = make(map[*localProcess]struct{})
	r.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}

	r.wg.Wait()
	close(r.events)

	if err := os.Remove(filepath.Join(r.root, lockFileName)); err != nil && !os.IsNotExist(err) {
		log.Printf("RUNTIME_LOCK_RELEASE_FAILED | error=%v", err)
	}

	log.Printf("RUNTIME_TEARDOWN | root=%s", r.root)
	return nil
}

// =============================================================================
// FILE OPERATIONS
// =============================================================================

// resolve maps a workspace-relative path to an absolute one, rejecting
// traversal outside the workspace.
func (r *LocalRuntime) resolve(path string) (string, error) {
	r.mu.Lock()
	ws := r.workspace
	booted := r.booted
	r.mu.Unlock()

	if !booted || ws == "" {
		return "", ErrNotReady
	}
	if path == "" || path == "." {
		return ws, nil
	}
	if !util.CleanRelPath(path) {
		return "", fmt.Errorf("invalid path: %q", path)
	}
	return filepath.Join(ws, filepath.FromSlash(path)), nil
}

// ReadFile reads a workspace-relative file.
func (r *LocalRuntime) ReadFile(path string) ([]byte, error) {
	abs, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes a workspace-relative file atomically.
func (r *LocalRuntime) WriteFile(path string, data []byte) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return util.AtomicWriteFile(abs, data, 0644)
}

// ListDir lists a workspace-relative directory.
func (r *LocalRuntime) ListDir(path string) ([]FileInfo, error) {
	abs, err := r.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Name:    e.Name(),
			Size:    fi.Size(),
			IsDir:   e.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	return infos, nil
}

// RemoveFile deletes a workspace-relative file or empty directory.
func (r *LocalRuntime) RemoveFile(path string) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// =============================================================================
// PROCESSES
// =============================================================================

// Spawn starts a shell in the workspace with merged stdout/stderr.
func (r *LocalRuntime) Spawn(ctx context.Context, shell string, cols, rows int) (Process, error) {
	r.mu.Lock()
	ws := r.workspace
	booted := r.booted
	r.mu.Unlock()

	if !booted || ws == "" {
		return nil, ErrNotReady
	}

	cmd := exec.CommandContext(ctx, shell, "-i")
	cmd.Dir = ws
	cmd.Env = append(os.Environ(),
		"TERM=dumb",
		"COLUMNS="+strconv.Itoa(cols),
		"LINES="+strconv.Itoa(rows),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan []byte, 32),
	}

	go func() {
		defer close(p.output)
		buf := make([]byte, outputChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.output <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	r.mu.Lock()
	if r.booted {
		r.procs[p] = struct{}{}
	}
	r.mu.Unlock()

	log.Printf("RUNTIME_SPAWN | shell=%s pid=%d", shell, cmd.Process.Pid)
	return p, nil
}

// localProcess wraps one spawned shell.
type localProcess struct {
	cmd    *exec.Cmd
	stdin  interface{ Write([]byte) (int, error) }
	output chan []byte

	killOnce sync.Once
}

func (p *localProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *localProcess) Output() <-chan []byte {
	return p.output
}

// Resize is a no-op for pipe-backed shells; the size is fixed at spawn.
func (p *localProcess) Resize(cols, rows int) error {
	return nil
}

func (p *localProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
	return nil
}

// =============================================================================
// PORT PROBING
// =============================================================================

// probePorts polls the candidate ports and folds dial results into
// port-open, port-close, and server-ready events. The first port to open
// is treated as the dev server.
func (r *LocalRuntime) probePorts() {
	defer r.wg.Done()

	open := make(map[int]bool)
	serverAnnounced := false

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		for _, port := range r.previewPorts {
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
			conn, err := net.DialTimeout("tcp", addr, probeTimeout)
			listening := err == nil
			if conn != nil {
				conn.Close()
			}

			if listening && !open[port] {
				open[port] = true
				r.emit(Event{Kind: EventPortOpen, Port: port})
				if !serverAnnounced {
					serverAnnounced = true
					r.emit(Event{
						Kind: EventServerReady,
						Port: port,
						URL:  fmt.Sprintf("http://localhost:%d", port),
					})
				}
			} else if !listening && open[port] {
				delete(open, port)
				r.emit(Event{Kind: EventPortClose, Port: port})
				if len(open) == 0 {
					serverAnnounced = false
				}
			}
		}
	}
}

// emit publishes an event, dropping it when the consumer is behind.
func (r *LocalRuntime) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("RUNTIME_EVENT_DROPPED | kind=%s port=%d", ev.Kind, ev.Port)
	}
}
