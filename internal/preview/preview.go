// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package preview folds runtime port events into a current preview URL per
// instance.
package preview

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/flashio/flashd/internal/sandbox"
)

// subscriberBuffer bounds each subscriber channel. Slow subscribers lose
// updates rather than blocking the registry.
const subscriberBuffer = 16

// State is the preview status of one instance.
type State struct {
	InstanceID string    `json:"instance_id"`
	URL        string    `json:"url,omitempty"`
	OpenPorts  []int     `json:"open_ports"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry tracks preview state per instance and notifies subscribers when
// it changes.
type Registry struct {
	mu      sync.Mutex
	states  map[string]*instState
	subs    map[chan State]struct{}
	changed chan struct{}
}

type instState struct {
	url       string
	urlPort   int
	openPorts map[int]bool
	updatedAt time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states:  make(map[string]*instState),
		subs:    make(map[chan State]struct{}),
		changed: make(chan struct{}),
	}
}

// Handle consumes one runtime event. Wired as the sandbox manager's event
// observer.
func (r *Registry) Handle(instanceID string, ev sandbox.Event) {
	r.mu.Lock()

	st, ok := r.states[instanceID]
	if !ok {
		st = &instState{openPorts: make(map[int]bool)}
		r.states[instanceID] = st
	}

	switch ev.Kind {
	case sandbox.EventServerReady:
		st.url = ev.URL
		st.urlPort = ev.Port
		st.openPorts[ev.Port] = true
		log.Printf("PREVIEW_READY | instance=%s url=%s", instanceID, ev.URL)
	case sandbox.EventPortOpen:
		st.openPorts[ev.Port] = true
	case sandbox.EventPortClose:
		delete(st.openPorts, ev.Port)
		if ev.Port == st.urlPort {
			st.url = ""
			st.urlPort = 0
			log.Printf("PREVIEW_LOST | instance=%s port=%d", instanceID, ev.Port)
		}
	default:
		r.mu.Unlock()
		return
	}
	st.updatedAt = time.Now()

	snapshot := st.snapshot(instanceID)
	r.notifyLocked(snapshot)
	r.mu.Unlock()
}

// Clear drops all state for an instance (teardown).
func (r *Registry) Clear(instanceID string) {
	r.mu.Lock()
	if _, ok := r.states[instanceID]; ok {
		delete(r.states, instanceID)
		r.notifyLocked(State{InstanceID: instanceID, OpenPorts: []int{}, UpdatedAt: time.Now()})
	}
	r.mu.Unlock()
}

// Get returns the current preview state for an instance.
func (r *Registry) Get(instanceID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[instanceID]
	if !ok {
		return State{InstanceID: instanceID, OpenPorts: []int{}}
	}
	return st.snapshot(instanceID)
}

// Wait blocks until the instance has a preview URL or ctx ends.
func (r *Registry) Wait(ctx context.Context, instanceID string) (State, error) {
	for {
		r.mu.Lock()
		st, ok := r.states[instanceID]
		if ok && st.url != "" {
			snapshot := st.snapshot(instanceID)
			r.mu.Unlock()
			return snapshot, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return State{}, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe returns a channel of preview state updates. Call Unsubscribe
// when done.
func (r *Registry) Subscribe() chan State {
	ch := make(chan State, subscriberBuffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Registry) Unsubscribe(ch chan State) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// notifyLocked fans a state update out to subscribers and wakes waiters.
// Caller holds r.mu.
func (r *Registry) notifyLocked(st State) {
	for ch := range r.subs {
		select {
		case ch <- st:
		default:
		}
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

func (s *instState) snapshot(instanceID string) State {
	ports := make([]int, 0, len(s.openPorts))
	for p := range s.openPorts {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return State{
		InstanceID: instanceID,
		URL:        s.url,
		OpenPorts:  ports,
		UpdatedAt:  s.updatedAt,
	}
}
