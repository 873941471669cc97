// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package collab tracks editing presence per project and fans updates out to
// subscribers. There is no conflict resolution; the hub only relays state.
package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TYPES
// =============================================================================

// ErrSessionNotFound is returned for unknown presence session IDs.
var ErrSessionNotFound = errors.New("presence session not found")

// Cursor is a position inside a file.
type Cursor struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Presence is one collaborator's editing state.
type Presence struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id"`
	File      string    `json:"file,omitempty"`
	Cursor    Cursor    `json:"cursor"`
	Selection string    `json:"selection,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType identifies a presence event.
type EventType string

const (
	EventJoin   EventType = "join"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
)

// Event is a presence change broadcast to project subscribers.
type Event struct {
	Type     EventType `json:"type"`
	Presence Presence  `json:"presence"`
}

// =============================================================================
// HUB
// =============================================================================

// Hub holds presence state for all projects.
type Hub struct {
	ttl       time.Duration
	bufferLen int

	mu       sync.Mutex
	sessions map[string]*Presence
	subs     map[string]map[chan Event]struct{} // projectID -> subscribers
}

// NewHub creates a Hub. Sessions idle longer than ttl are reaped.
func NewHub(ttl time.Duration, bufferLen int) *Hub {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if bufferLen <= 0 {
		bufferLen = 32
	}
	return &Hub{
		ttl:       ttl,
		bufferLen: bufferLen,
		sessions:  make(map[string]*Presence),
		subs:      make(map[string]map[chan Event]struct{}),
	}
}

// Join registers a collaborator and broadcasts the join.
func (h *Hub) Join(projectID, userID, file string) Presence {
	p := Presence{
		SessionID: uuid.New().String(),
		UserID:    userID,
		ProjectID: projectID,
		File:      file,
		UpdatedAt: time.Now(),
	}

	h.mu.Lock()
	h.sessions[p.SessionID] = &p
	h.broadcastLocked(Event{Type: EventJoin, Presence: p})
	h.mu.Unlock()

	log.Printf("COLLAB_JOIN | project=%s user=%s session=%s", projectID, userID, p.SessionID)
	return p
}

// Update replaces a collaborator's editing state and broadcasts it.
func (h *Hub) Update(sessionID, file string, cursor Cursor, selection string) (Presence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.sessions[sessionID]
	if !ok {
		return Presence{}, ErrSessionNotFound
	}
	p.File = file
	p.Cursor = cursor
	p.Selection = selection
	p.UpdatedAt = time.Now()

	h.broadcastLocked(Event{Type: EventUpdate, Presence: *p})
	return *p, nil
}

// Leave removes a collaborator and broadcasts the leave. Unknown sessions
// are a no-op.
func (h *Hub) Leave(sessionID string) {
	h.mu.Lock()
	p, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		h.broadcastLocked(Event{Type: EventLeave, Presence: *p})
	}
	h.mu.Unlock()

	if ok {
		log.Printf("COLLAB_LEAVE | project=%s session=%s", p.ProjectID, sessionID)
	}
}

// Snapshot returns all live presences for a project.
func (h *Hub) Snapshot(projectID string) []Presence {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Presence
	for _, p := range h.sessions {
		if p.ProjectID == projectID {
			out = append(out, *p)
		}
	}
	return out
}

// Subscribe returns a buffered event channel for a project. Slow consumers
// lose events rather than blocking the hub.
func (h *Hub) Subscribe(projectID string) chan Event {
	ch := make(chan Event, h.bufferLen)
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[chan Event]struct{})
	}
	h.subs[projectID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(projectID string, ch chan Event) {
	h.mu.Lock()
	if set, ok := h.subs[projectID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, projectID)
		}
	}
	h.mu.Unlock()
}

// Reap removes sessions idle beyond the TTL, broadcasting leaves. Returns
// the number reaped.
func (h *Hub) Reap() int {
	cutoff := time.Now().Add(-h.ttl)

	h.mu.Lock()
	var reaped []Presence
	for id, p := range h.sessions {
		if p.UpdatedAt.Before(cutoff) {
			reaped = append(reaped, *p)
			delete(h.sessions, id)
		}
	}
	for _, p := range reaped {
		h.broadcastLocked(Event{Type: EventLeave, Presence: p})
	}
	h.mu.Unlock()

	if len(reaped) > 0 {
		log.Printf("COLLAB_REAP | count=%d", len(reaped))
	}
	return len(reaped)
}

// Run reaps stale sessions periodically until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	interval := h.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap()
		}
	}
}

// broadcastLocked fans an event out to the project's subscribers with
// drop-on-full. Caller holds h.mu.
func (h *Hub) broadcastLocked(ev Event) {
	for ch := range h.subs[ev.Presence.ProjectID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
