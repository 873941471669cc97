// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// =============================================================================
// SSE STREAMING
// =============================================================================

// sseKeepAlive is how often an idle stream sends a comment so proxies keep
// the connection open.
const sseKeepAlive = 15 * time.Second

// sseWriter prepares a response for server-sent events. Returns nil when the
// connection cannot stream.
func sseWriter(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher
}

// sendEvent writes one named SSE event with a JSON payload.
func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("SSE_ENCODE_FAILED | event=%s error=%v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// terminalChunk is the payload of a terminal output event. Output is raw
// bytes, so it travels base64-encoded.
type terminalChunk struct {
	Data string `json:"data"`
}

// handleTerminalStream streams terminal output as SSE. The retained snapshot
// is sent first so a reattaching client can repaint.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Snapshot and subscription are taken atomically so output arriving
	// during the handshake is neither lost nor duplicated.
	snapshot, sub, err := s.bridge.Attach(id)
	if err != nil {
		s.writeTerminalError(w, err)
		return
	}
	defer s.bridge.Unsubscribe(id, sub)

	flusher := sseWriter(w)
	if flusher == nil {
		return
	}
	defer s.trackSSEClient()()

	if len(snapshot) > 0 {
		sendEvent(w, flusher, "snapshot", terminalChunk{Data: base64.StdEncoding.EncodeToString(snapshot)})
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case chunk, ok := <-sub:
			if !ok {
				// Session ended.
				sendEvent(w, flusher, "exit", map[string]string{"session_id": id})
				return
			}
			sendEvent(w, flusher, "output", terminalChunk{Data: base64.StdEncoding.EncodeToString(chunk)})

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// handleProjectEvents streams presence and preview changes for a project as
// SSE. Presence snapshot and current preview state are sent first.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	presenceSub := s.hub.Subscribe(project.ID)
	defer s.hub.Unsubscribe(project.ID, presenceSub)

	previewSub := s.preview.Subscribe()
	defer s.preview.Unsubscribe(previewSub)

	flusher := sseWriter(w)
	if flusher == nil {
		return
	}
	defer s.trackSSEClient()()

	for _, p := range s.hub.Snapshot(project.ID) {
		sendEvent(w, flusher, "presence", map[string]any{"type": "join", "presence": p})
	}
	if inst, err := s.manager.Current(); err == nil && inst.ProjectID == project.ID {
		sendEvent(w, flusher, "preview", s.preview.Get(inst.ID))
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-presenceSub:
			if !ok {
				return
			}
			sendEvent(w, flusher, "presence", ev)

		case state, ok := <-previewSub:
			if !ok {
				return
			}
			// Preview updates are global; only forward this project's.
			inst, err := s.manager.Current()
			if err != nil || inst.ProjectID != project.ID || inst.ID != state.InstanceID {
				continue
			}
			sendEvent(w, flusher, "preview", state)

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
