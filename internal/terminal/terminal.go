// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package terminal bridges shells running inside a sandbox instance to API
// clients as byte streams.
package terminal

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashio/flashd/internal/sandbox"
	"github.com/flashio/flashd/internal/store"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// snapshotLimit caps the retained output per session. A reattaching
	// client repaints from this buffer.
	snapshotLimit = 64 * 1024

	// subscriberBuffer bounds each output fan-out channel. A slow consumer
	// loses chunks rather than stalling the pump.
	subscriberBuffer = 64
)

var (
	// ErrSessionNotFound is returned for unknown or closed session IDs.
	ErrSessionNotFound = errors.New("terminal session not found")

	// ErrSessionClosed is returned when writing to an exited session.
	ErrSessionClosed = errors.New("terminal session closed")
)

// =============================================================================
// TYPES
// =============================================================================

// Session is the client-visible record of one shell.
type Session struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
}

// Spawner starts shells inside the live instance. Satisfied by
// sandbox.Manager.
type Spawner interface {
	Spawn(ctx context.Context, cols, rows int) (sandbox.Process, *store.Instance, error)
	Shell() string
}

// session is the bridge-internal state of one shell.
type session struct {
	meta Session
	proc sandbox.Process

	mu       sync.Mutex
	subs     map[chan []byte]struct{}
	snapshot []byte
	closed   bool
}

// Bridge owns all live terminal sessions.
type Bridge struct {
	spawner Spawner
	store   *store.Store

	mu       sync.Mutex
	sessions map[string]*session
}

// NewBridge creates a Bridge.
func NewBridge(spawner Spawner, st *store.Store) *Bridge {
	return &Bridge{
		spawner:  spawner,
		store:    st,
		sessions: make(map[string]*session),
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Open spawns a shell in the live instance and starts pumping its output.
func (b *Bridge) Open(ctx context.Context, cols, rows int) (*Session, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	proc, inst, err := b.spawner.Spawn(ctx, cols, rows)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if _, err := b.store.CreateTerminal(id, inst.ID, b.spawner.Shell()); err != nil {
		proc.Kill()
		return nil, err
	}

	s := &session{
		meta: Session{
			ID:         id,
			InstanceID: inst.ID,
			Cols:       cols,
			Rows:       rows,
			StartedAt:  time.Now(),
		},
		proc: proc,
		subs: make(map[chan []byte]struct{}),
	}

	b.mu.Lock()
	b.sessions[id] = s
	b.mu.Unlock()

	go b.pump(s)

	log.Printf("TERMINAL_OPEN | session=%s instance=%s cols=%d rows=%d", id, inst.ID, cols, rows)
	meta := s.meta
	return &meta, nil
}

// pump fans process output out to subscribers and maintains the snapshot.
// When the process exits the session is closed.
func (b *Bridge) pump(s *session) {
	for chunk := range s.proc.Output() {
		s.mu.Lock()
		s.snapshot = append(s.snapshot, chunk...)
		if len(s.snapshot) > snapshotLimit {
			s.snapshot = s.snapshot[len(s.snapshot)-snapshotLimit:]
		}
		for ch := range s.subs {
			select {
			case ch <- chunk:
			default:
			}
		}
		s.mu.Unlock()
	}
	b.Close(s.meta.ID)
}

// Get returns session metadata.
func (b *Bridge) Get(id string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	meta := s.meta
	return &meta, nil
}

// List returns all live sessions.
func (b *Bridge) List() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.meta)
	}
	return out
}

// Close kills the session's shell, marks it exited, and closes subscriber
// channels. Idempotent.
func (b *Bridge) Close(id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[chan []byte]struct{})
	s.mu.Unlock()

	s.proc.Kill()
	for ch := range subs {
		close(ch)
	}

	if err := b.store.MarkTerminalExited(id); err != nil {
		log.Printf("TERMINAL_EXIT_RECORD_FAILED | session=%s error=%v", id, err)
	}
	log.Printf("TERMINAL_CLOSE | session=%s", id)
	return nil
}

// CloseAll closes every live session (instance teardown).
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Close(id)
	}
}

// =============================================================================
// I/O
// =============================================================================

// Write sends client keystrokes to the session's stdin.
func (b *Bridge) Write(id string, data []byte) error {
	s, err := b.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	_, err = s.proc.Write(data)
	return err
}

// Resize updates the session's terminal dimensions.
func (b *Bridge) Resize(id string, cols, rows int) error {
	s, err := b.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.meta.Cols = cols
	s.meta.Rows = rows
	s.mu.Unlock()

	return s.proc.Resize(cols, rows)
}

// Attach returns the retained output and a new subscription in one step,
// under the session lock, so no chunk is lost or duplicated between the
// snapshot and the first delivery. The channel is closed when the session
// ends.
func (b *Bridge) Attach(id string) ([]byte, chan []byte, error) {
	s, err := b.get(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	snapshot := make([]byte, len(s.snapshot))
	copy(snapshot, s.snapshot)
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return snapshot, ch, nil
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return snapshot, ch, nil
}

// Subscribe returns a channel receiving output chunks. The channel is closed
// when the session ends.
func (b *Bridge) Subscribe(id string) (chan []byte, error) {
	s, err := b.get(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, nil
}

// Unsubscribe removes a subscriber channel.
func (b *Bridge) Unsubscribe(id string, ch chan []byte) {
	s, err := b.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// Snapshot returns the retained recent output for repainting.
func (b *Bridge) Snapshot(id string) ([]byte, error) {
	s, err := b.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.snapshot))
	copy(out, s.snapshot)
	return out, nil
}

func (b *Bridge) get(id string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
