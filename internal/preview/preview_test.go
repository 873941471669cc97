// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package preview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashio/flashd/internal/sandbox"
)

func TestServerReadySetsURL(t *testing.T) {
	r := NewRegistry()

	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventServerReady, Port: 3000, URL: "http://localhost:3000"})

	st := r.Get("inst-1")
	assert.Equal(t, "http://localhost:3000", st.URL)
	assert.Equal(t, []int{3000}, st.OpenPorts)
}

func TestPortCloseClearsURL(t *testing.T) {
	r := NewRegistry()

	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventServerReady, Port: 3000, URL: "http://localhost:3000"})
	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventPortOpen, Port: 5173})

	// Closing an unrelated port keeps the URL.
	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventPortClose, Port: 5173})
	assert.Equal(t, "http://localhost:3000", r.Get("inst-1").URL)

	// Closing the server port clears it.
	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventPortClose, Port: 3000})
	st := r.Get("inst-1")
	assert.Empty(t, st.URL)
	assert.Empty(t, st.OpenPorts)
}

func TestWaitBlocksUntilReady(t *testing.T) {
	r := NewRegistry()

	done := make(chan State, 1)
	go func() {
		st, err := r.Wait(context.Background(), "inst-1")
		if err == nil {
			done <- st
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventServerReady, Port: 8080, URL: "http://localhost:8080"})

	select {
	case st := <-done:
		assert.Equal(t, "http://localhost:8080", st.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after server-ready")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx, "inst-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	r := NewRegistry()

	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventServerReady, Port: 3000, URL: "http://localhost:3000"})

	select {
	case st := <-ch:
		require.Equal(t, "inst-1", st.InstanceID)
		assert.Equal(t, "http://localhost:3000", st.URL)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestClearDropsState(t *testing.T) {
	r := NewRegistry()

	r.Handle("inst-1", sandbox.Event{Kind: sandbox.EventServerReady, Port: 3000, URL: "http://localhost:3000"})
	r.Clear("inst-1")

	st := r.Get("inst-1")
	assert.Empty(t, st.URL)
	assert.Empty(t, st.OpenPorts)
}
