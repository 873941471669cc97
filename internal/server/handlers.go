// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/flashio/flashd/internal/collab"
	"github.com/flashio/flashd/internal/sandbox"
	"github.com/flashio/flashd/internal/store"
	"github.com/flashio/flashd/internal/tasks"
	"github.com/flashio/flashd/internal/terminal"
)

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

type createProjectRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := s.store.CreateProject(req.Name, req.Template)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "a project with that name already exists")
			return
		}
		log.Printf("PROJECT_CREATE_FAILED | name=%s error=%v", req.Name, err)
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		log.Printf("PROJECT_LIST_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	// A live instance for this project goes down with it. The manager's
	// teardown observer clears the preview registry.
	if inst, err := s.manager.Current(); err == nil && inst.ProjectID == project.ID {
		s.bridge.CloseAll()
		s.manager.Teardown(r.Context())
	}

	if err := s.store.DeleteProject(project.ID); err != nil {
		log.Printf("PROJECT_DELETE_FAILED | project=%s error=%v", project.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupProject resolves the {id} path value, writing a 404 when the project
// does not exist.
func (s *Server) lookupProject(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	id := r.PathValue("id")
	project, err := s.store.GetProject(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
		} else {
			log.Printf("PROJECT_GET_FAILED | project=%s error=%v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load project")
		}
		return nil, false
	}
	return project, true
}

// =============================================================================
// INSTANCE HANDLERS
// =============================================================================

type bootRequest struct {
	TakeOver bool `json:"take_over"`
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	var req bootRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	inst, err := s.manager.Boot(r.Context(), project.ID, req.TakeOver)
	if err != nil {
		if errors.Is(err, sandbox.ErrInstanceExists) {
			writeError(w, http.StatusConflict, "an instance is already running; set take_over to replace it")
			return
		}
		log.Printf("BOOT_FAILED | project=%s error=%v", project.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to boot instance")
		return
	}

	s.store.TouchProject(project.ID)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	inst, err := s.store.LatestInstance(project.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project has no instances")
			return
		}
		log.Printf("INSTANCE_GET_FAILED | project=%s error=%v", project.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	inst, err := s.manager.Current()
	if err != nil {
		// Nothing running. Teardown is idempotent.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if inst.ProjectID != project.ID {
		writeError(w, http.StatusConflict, "the live instance belongs to another project")
		return
	}

	s.bridge.CloseAll()
	if err := s.manager.Teardown(r.Context()); err != nil {
		log.Printf("TEARDOWN_FAILED | instance=%s error=%v", inst.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to tear down instance")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireLiveInstance checks that the live instance belongs to the project,
// writing a 409 otherwise.
func (s *Server) requireLiveInstance(w http.ResponseWriter, projectID string) (*store.Instance, bool) {
	inst, err := s.manager.Current()
	if err != nil {
		writeError(w, http.StatusConflict, "no instance is running; boot the project first")
		return nil, false
	}
	if inst.ProjectID != projectID {
		writeError(w, http.StatusConflict, "the live instance belongs to another project")
		return nil, false
	}
	return inst, true
}

// =============================================================================
// FILE HANDLERS
// =============================================================================

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireLiveInstance(w, project.ID); !ok {
		return
	}

	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "."
	}

	entries, err := s.manager.ListDir(dir)
	if err != nil {
		s.writeFileError(w, dir, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dir, "entries": entries})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireLiveInstance(w, project.ID); !ok {
		return
	}

	path := r.PathValue("path")
	data, err := s.manager.ReadFile(path)
	if err != nil {
		s.writeFileError(w, path, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireLiveInstance(w, project.ID); !ok {
		return
	}

	path := r.PathValue("path")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	if err := s.manager.WriteFile(r.Context(), path, data); err != nil {
		s.writeFileError(w, path, err)
		return
	}
	s.store.TouchProject(project.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireLiveInstance(w, project.ID); !ok {
		return
	}

	path := r.PathValue("path")
	if err := s.manager.RemoveFile(r.Context(), path); err != nil {
		s.writeFileError(w, path, err)
		return
	}
	s.store.TouchProject(project.ID)
	w.WriteHeader(http.StatusNoContent)
}

// writeFileError maps workspace file operation failures to status codes.
func (s *Server) writeFileError(w http.ResponseWriter, path string, err error) {
	switch {
	case errors.Is(err, sandbox.ErrNoInstance), errors.Is(err, sandbox.ErrNotReady):
		writeError(w, http.StatusConflict, "no instance is running; boot the project first")
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "file not found")
	case strings.Contains(err.Error(), "invalid path"):
		writeError(w, http.StatusBadRequest, "invalid path")
	default:
		log.Printf("FILE_OP_FAILED | path=%s error=%v", path, err)
		writeError(w, http.StatusInternalServerError, "file operation failed")
	}
}

// =============================================================================
// TERMINAL HANDLERS
// =============================================================================

type openTerminalRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	if _, ok := s.requireLiveInstance(w, project.ID); !ok {
		return
	}

	var req openTerminalRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	session, err := s.bridge.Open(r.Context(), req.Cols, req.Rows)
	if err != nil {
		log.Printf("TERMINAL_OPEN_FAILED | project=%s error=%v", project.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to open terminal")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}

	if err := s.bridge.Write(id, data); err != nil {
		s.writeTerminalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	if err := s.bridge.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		s.writeTerminalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	s.bridge.Close(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeTerminalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, terminal.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "terminal session not found")
	case errors.Is(err, terminal.ErrSessionClosed):
		writeError(w, http.StatusConflict, "terminal session closed")
	default:
		log.Printf("TERMINAL_OP_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "terminal operation failed")
	}
}

// =============================================================================
// PREVIEW HANDLER
// =============================================================================

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	inst, ok := s.requireLiveInstance(w, project.ID)
	if !ok {
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		state, err := s.preview.Wait(r.Context(), inst.ID)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, "no preview URL before the client gave up")
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	writeJSON(w, http.StatusOK, s.preview.Get(inst.ID))
}

// =============================================================================
// PRESENCE HANDLERS
// =============================================================================

type presenceRequest struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	File      string        `json:"file"`
	Cursor    collab.Cursor `json:"cursor"`
	Selection string        `json:"selection"`
}

// handlePresence joins a new collaborator when session_id is empty, and
// updates an existing one otherwise.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	var req presenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SessionID == "" {
		if strings.TrimSpace(req.UserID) == "" {
			writeError(w, http.StatusBadRequest, "user_id is required to join")
			return
		}
		p := s.hub.Join(project.ID, req.UserID, req.File)
		writeJSON(w, http.StatusCreated, p)
		return
	}

	p, err := s.hub.Update(req.SessionID, req.File, req.Cursor, req.Selection)
	if err != nil {
		writeError(w, http.StatusNotFound, "presence session not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePresenceLeave(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookupProject(w, r); !ok {
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	s.hub.Leave(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

type syncRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	project, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Kind == "" {
		req.Kind = string(tasks.KindSync)
	}

	var task *tasks.Task
	switch tasks.TaskKind(req.Kind) {
	case tasks.KindSync:
		task = tasks.NewTask(tasks.KindSync, project.ID, "sync project to storage")
	case tasks.KindSnapshot:
		task = tasks.NewTask(tasks.KindSnapshot, project.ID, "snapshot project workspace")
	default:
		writeError(w, http.StatusBadRequest, "kind must be sync or snapshot")
		return
	}

	if err := s.queue.Add(task); err != nil {
		writeError(w, http.StatusTooManyRequests, "task queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, task.Clone())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.queue.All()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task := s.queue.Get(r.PathValue("id"))
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.queue.Get(id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.queue.Cancel(id) {
		writeError(w, http.StatusConflict, "task already finished")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Get(id))
}
