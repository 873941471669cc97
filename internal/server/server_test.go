// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashio/flashd/internal/collab"
	"github.com/flashio/flashd/internal/config"
	"github.com/flashio/flashd/internal/preview"
	"github.com/flashio/flashd/internal/sandbox"
	"github.com/flashio/flashd/internal/storage"
	"github.com/flashio/flashd/internal/store"
	"github.com/flashio/flashd/internal/tasks"
	"github.com/flashio/flashd/internal/terminal"
)

// =============================================================================
// STUB RUNTIME
// =============================================================================

type stubProcess struct {
	mu     sync.Mutex
	input  bytes.Buffer
	cols   int
	rows   int
	output chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStubProcess() *stubProcess {
	return &stubProcess{
		output: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (p *stubProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *stubProcess) Output() <-chan []byte { return p.output }

func (p *stubProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

func (p *stubProcess) Wait() error {
	<-p.done
	return nil
}

func (p *stubProcess) Kill() error {
	p.once.Do(func() {
		close(p.output)
		close(p.done)
	})
	return nil
}

func (p *stubProcess) emit(data string) {
	p.output <- []byte(data)
}

func (p *stubProcess) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

type stubRuntime struct {
	mu     sync.Mutex
	booted bool
	files  map[string][]byte
	events chan sandbox.Event
	procs  []*stubProcess
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{files: make(map[string][]byte)}
}

func (rt *stubRuntime) Boot(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.booted {
		return sandbox.ErrAlreadyRunning
	}
	rt.booted = true
	rt.events = make(chan sandbox.Event, 8)
	return nil
}

func (rt *stubRuntime) Mount(ctx context.Context, dir string) error { return nil }

func (rt *stubRuntime) ReadFile(path string) ([]byte, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	data, ok := rt.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (rt *stubRuntime) WriteFile(path string, data []byte) error {
	rt.mu.Lock()
	rt.files[path] = data
	rt.mu.Unlock()
	return nil
}

func (rt *stubRuntime) ListDir(path string) ([]sandbox.FileInfo, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []sandbox.FileInfo
	for name, data := range rt.files {
		out = append(out, sandbox.FileInfo{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (rt *stubRuntime) RemoveFile(path string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.files[path]; !ok {
		return fs.ErrNotExist
	}
	delete(rt.files, path)
	return nil
}

func (rt *stubRuntime) Spawn(ctx context.Context, shell string, cols, rows int) (sandbox.Process, error) {
	p := newStubProcess()
	rt.mu.Lock()
	rt.procs = append(rt.procs, p)
	rt.mu.Unlock()
	return p, nil
}

func (rt *stubRuntime) Events() <-chan sandbox.Event {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.events
}

func (rt *stubRuntime) Teardown() error {
	rt.mu.Lock()
	procs := rt.procs
	rt.procs = nil
	if rt.booted {
		rt.booted = false
		close(rt.events)
	}
	rt.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	return nil
}

func (rt *stubRuntime) emit(ev sandbox.Event) {
	rt.mu.Lock()
	ch := rt.events
	rt.mu.Unlock()
	ch <- ev
}

func (rt *stubRuntime) lastProc() *stubProcess {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.procs) == 0 {
		return nil
	}
	return rt.procs[len(rt.procs)-1]
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	handler http.Handler
	rt      *stubRuntime
	st      *store.Store
	mirror  *storage.Manager
	queue   *tasks.Queue
	hub     *collab.Hub
	reg     *preview.Registry
	mgr     *sandbox.Manager
}

func newFixture(t *testing.T, bearerToken string) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.BearerToken = bearerToken

	st, err := store.Open(filepath.Join(t.TempDir(), "flashd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	mirror := storage.NewManager([]storage.Backend{backend}, 2)

	rt := newStubRuntime()
	mgr := sandbox.NewManager(sandbox.Options{
		Store:           st,
		Runtime:         rt,
		Mirror:          mirror,
		WorkspaceRoot:   t.TempDir(),
		Shell:           "/bin/sh",
		BootTimeout:     5 * time.Second,
		MaxBootAttempts: 1,
	})

	reg := preview.NewRegistry()
	mgr.OnEvent(reg.Handle)
	mgr.OnTeardown(reg.Clear)

	bridge := terminal.NewBridge(mgr, st)
	hub := collab.NewHub(time.Minute, 8)
	queue := tasks.NewQueue(10)

	srv := New(Options{
		Config:  cfg,
		Store:   st,
		Manager: mgr,
		Bridge:  bridge,
		Preview: reg,
		Hub:     hub,
		Storage: mirror,
		Queue:   queue,
	})

	return &fixture{
		handler: srv.Handler(),
		rt:      rt,
		st:      st,
		mirror:  mirror,
		queue:   queue,
		hub:     hub,
		reg:     reg,
		mgr:     mgr,
	}
}

// do runs one request against the handler.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createProject(t *testing.T, name string) string {
	t.Helper()
	rec := f.do(t, "POST", "/v1/projects", map[string]string{"name": name, "template": "vite"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var project store.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	return project.ID
}

func (f *fixture) boot(t *testing.T, projectID string) {
	t.Helper()
	rec := f.do(t, "POST", "/v1/projects/"+projectID+"/boot", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStats(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, "GET", "/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uptime_secs")
	assert.Contains(t, rec.Body.String(), "sandbox")
}

func TestAuthRequiredWhenTokenSet(t *testing.T) {
	f := newFixture(t, "secret-token")

	rec := f.do(t, "GET", "/v1/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	ok := httptest.NewRecorder()
	f.handler.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestProjectLifecycle(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "my-app")

	// Duplicate names conflict.
	dup := f.do(t, "POST", "/v1/projects", map[string]string{"name": "my-app"})
	assert.Equal(t, http.StatusConflict, dup.Code)

	list := f.do(t, "GET", "/v1/projects", nil)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "my-app")

	get := f.do(t, "GET", "/v1/projects/"+id, nil)
	assert.Equal(t, http.StatusOK, get.Code)

	del := f.do(t, "DELETE", "/v1/projects/"+id, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	gone := f.do(t, "GET", "/v1/projects/"+id, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestCreateProjectValidation(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, "POST", "/v1/projects", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/v1/projects", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootLifecycle(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "boot-app")
	f.boot(t, id)

	// A second boot without take_over conflicts.
	conflict := f.do(t, "POST", "/v1/projects/"+id+"/boot", nil)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	// take_over replaces the live instance.
	replaced := f.do(t, "POST", "/v1/projects/"+id+"/boot", map[string]bool{"take_over": true})
	assert.Equal(t, http.StatusCreated, replaced.Code)

	inst := f.do(t, "GET", "/v1/projects/"+id+"/instance", nil)
	assert.Equal(t, http.StatusOK, inst.Code)
	assert.Contains(t, inst.Body.String(), string(store.InstanceReady))

	down := f.do(t, "DELETE", "/v1/projects/"+id+"/instance", nil)
	assert.Equal(t, http.StatusNoContent, down.Code)

	// Teardown is idempotent.
	again := f.do(t, "DELETE", "/v1/projects/"+id+"/instance", nil)
	assert.Equal(t, http.StatusNoContent, again.Code)
}

func TestBootUnknownProject(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, "POST", "/v1/projects/nope/boot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileEndpoints(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "files-app")

	// File operations need a live instance.
	noInst := f.do(t, "PUT", "/v1/projects/"+id+"/files/index.html", []byte("<html>"))
	assert.Equal(t, http.StatusConflict, noInst.Code)

	f.boot(t, id)

	put := f.do(t, "PUT", "/v1/projects/"+id+"/files/index.html", []byte("<html>"))
	require.Equal(t, http.StatusNoContent, put.Code, put.Body.String())

	get := f.do(t, "GET", "/v1/projects/"+id+"/files/index.html", nil)
	assert.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "<html>", get.Body.String())

	// Writes mirror into durable storage.
	mirrored, err := f.mirror.GetFile(context.Background(), id, "index.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>"), mirrored)

	list := f.do(t, "GET", "/v1/projects/"+id+"/files", nil)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "index.html")

	del := f.do(t, "DELETE", "/v1/projects/"+id+"/files/index.html", nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	gone := f.do(t, "GET", "/v1/projects/"+id+"/files/index.html", nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestTerminalEndpoints(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "term-app")
	f.boot(t, id)

	open := f.do(t, "POST", "/v1/projects/"+id+"/terminals", map[string]int{"cols": 120, "rows": 40})
	require.Equal(t, http.StatusCreated, open.Code, open.Body.String())
	var session terminal.Session
	require.NoError(t, json.Unmarshal(open.Body.Bytes(), &session))
	assert.Equal(t, 120, session.Cols)

	input := f.do(t, "POST", "/v1/terminals/"+session.ID+"/input", []byte("ls\n"))
	assert.Equal(t, http.StatusNoContent, input.Code)
	assert.Equal(t, "ls\n", f.rt.lastProc().inputString())

	resize := f.do(t, "POST", "/v1/terminals/"+session.ID+"/resize", map[string]int{"cols": 100, "rows": 30})
	assert.Equal(t, http.StatusNoContent, resize.Code)

	missing := f.do(t, "POST", "/v1/terminals/nope/input", []byte("x"))
	assert.Equal(t, http.StatusNotFound, missing.Code)

	closed := f.do(t, "DELETE", "/v1/terminals/"+session.ID, nil)
	assert.Equal(t, http.StatusNoContent, closed.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "preview-app")
	f.boot(t, id)

	empty := f.do(t, "GET", "/v1/projects/"+id+"/preview", nil)
	assert.Equal(t, http.StatusOK, empty.Code)
	assert.NotContains(t, empty.Body.String(), "localhost:3000")

	f.rt.emit(sandbox.Event{Kind: sandbox.EventServerReady, Port: 3000, URL: "http://localhost:3000"})

	require.Eventually(t, func() bool {
		rec := f.do(t, "GET", "/v1/projects/"+id+"/preview", nil)
		return strings.Contains(rec.Body.String(), "http://localhost:3000")
	}, 5*time.Second, 20*time.Millisecond)

	inst := f.do(t, "GET", "/v1/projects/"+id+"/instance", nil)
	require.Equal(t, http.StatusOK, inst.Code)
	var row store.Instance
	require.NoError(t, json.Unmarshal(inst.Body.Bytes(), &row))

	// Teardown clears the registry entry for the instance.
	down := f.do(t, "DELETE", "/v1/projects/"+id+"/instance", nil)
	require.Equal(t, http.StatusNoContent, down.Code)
	assert.Empty(t, f.reg.Get(row.ID).URL)
	assert.Empty(t, f.reg.Get(row.ID).OpenPorts)
}

func TestPresenceEndpoints(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "collab-app")

	join := f.do(t, "POST", "/v1/projects/"+id+"/presence",
		map[string]string{"user_id": "alice", "file": "src/app.js"})
	require.Equal(t, http.StatusCreated, join.Code, join.Body.String())
	var p collab.Presence
	require.NoError(t, json.Unmarshal(join.Body.Bytes(), &p))
	assert.NotEmpty(t, p.SessionID)

	update := f.do(t, "POST", "/v1/projects/"+id+"/presence", map[string]any{
		"session_id": p.SessionID,
		"user_id":    "alice",
		"file":       "src/other.js",
		"cursor":     map[string]int{"line": 10, "col": 4},
	})
	assert.Equal(t, http.StatusOK, update.Code)
	assert.Contains(t, update.Body.String(), "src/other.js")

	unknown := f.do(t, "POST", "/v1/projects/"+id+"/presence",
		map[string]string{"session_id": "nope", "user_id": "alice"})
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	// Join without a user fails.
	bad := f.do(t, "POST", "/v1/projects/"+id+"/presence", map[string]string{"file": "x"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	leave := f.do(t, "DELETE", "/v1/projects/"+id+"/presence?session="+p.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, leave.Code)
	assert.Empty(t, f.hub.Snapshot(id))
}

func TestSyncAndTaskEndpoints(t *testing.T) {
	f := newFixture(t, "")

	id := f.createProject(t, "sync-app")

	bad := f.do(t, "POST", "/v1/projects/"+id+"/sync", map[string]string{"kind": "bogus"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	queued := f.do(t, "POST", "/v1/projects/"+id+"/sync", map[string]string{"kind": "snapshot"})
	require.Equal(t, http.StatusAccepted, queued.Code, queued.Body.String())
	var task tasks.Task
	require.NoError(t, json.Unmarshal(queued.Body.Bytes(), &task))
	assert.Equal(t, tasks.KindSnapshot, task.Kind)

	list := f.do(t, "GET", "/v1/tasks", nil)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), task.ID)

	get := f.do(t, "GET", "/v1/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusOK, get.Code)

	cancel := f.do(t, "POST", "/v1/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, cancel.Code)
	assert.Contains(t, cancel.Body.String(), string(tasks.TaskStatusCanceled))

	missing := f.do(t, "GET", "/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

// =============================================================================
// SSE TESTS
// =============================================================================

// readSSEEvent reads one "event:"/"data:" pair from an SSE stream, skipping
// keep-alive comments.
func readSSEEvent(r *bufio.Reader) (string, string, error) {
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data, nil
		}
	}
}

func TestTerminalStream(t *testing.T) {
	f := newFixture(t, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	id := f.createProject(t, "stream-app")
	f.boot(t, id)

	open := f.do(t, "POST", "/v1/projects/"+id+"/terminals", nil)
	require.Equal(t, http.StatusCreated, open.Code)
	var session terminal.Session
	require.NoError(t, json.Unmarshal(open.Body.Bytes(), &session))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/terminals/%s/stream", ts.URL, session.ID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.rt.lastProc().emit("hello from shell")

	reader := bufio.NewReader(resp.Body)
	event, data, err := readSSEEvent(reader)
	require.NoError(t, err)
	require.Equal(t, "output", event)

	var chunk terminalChunk
	require.NoError(t, json.Unmarshal([]byte(data), &chunk))
	decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello from shell", string(decoded))
}

func TestProjectEventsStream(t *testing.T) {
	f := newFixture(t, "")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	id := f.createProject(t, "events-app")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/projects/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the handler a moment to subscribe before broadcasting.
	time.Sleep(100 * time.Millisecond)
	f.hub.Join(id, "bob", "main.go")

	reader := bufio.NewReader(resp.Body)
	event, data, err := readSSEEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "presence", event)
	assert.Contains(t, data, "bob")
}
