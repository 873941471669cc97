// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGitHub emulates the pieces of the contents API the backend uses.
type fakeGitHub struct {
	mu    sync.Mutex
	files map[string][]byte // repo path -> content
	fails int               // responses to fail with 500 before succeeding
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.fails > 0 {
			f.fails--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		const prefix = "/repos/owner/repo/contents/"
		path := r.URL.Path[len(prefix):]

		switch r.Method {
		case http.MethodGet:
			data, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Header.Get("Accept") == "application/vnd.github.raw+json" {
				w.Write(data)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"sha": "sha-" + path})
		case http.MethodPut:
			var payload struct {
				Content string `json:"content"`
				SHA     string `json:"sha"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

			// Updates must carry the current SHA.
			if _, exists := f.files[path]; exists {
				assert.Equal(t, "sha-"+path, payload.SHA)
			} else {
				assert.Empty(t, payload.SHA)
			}

			data, err := base64.StdEncoding.DecodeString(payload.Content)
			require.NoError(t, err)
			f.files[path] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			delete(f.files, path)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func newGitHubTest(t *testing.T) (*GitHubBackend, *fakeGitHub) {
	gh := &fakeGitHub{files: make(map[string][]byte)}
	srv := httptest.NewServer(gh.handler(t))
	t.Cleanup(srv.Close)
	return NewGitHubBackend(srv.URL, "test-token", "owner/repo", "main"), gh
}

func TestGitHubPutGetDelete(t *testing.T) {
	b, gh := newGitHubTest(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "p1/index.html", []byte("<html>")))
	assert.Equal(t, []byte("<html>"), gh.files["p1/index.html"])

	got, err := b.Get(ctx, "p1/index.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>"), got)

	// Update path: existing file means a SHA-carrying PUT.
	require.NoError(t, b.Put(ctx, "p1/index.html", []byte("<html>v2")))
	assert.Equal(t, []byte("<html>v2"), gh.files["p1/index.html"])

	require.NoError(t, b.Delete(ctx, "p1/index.html"))
	_, err = b.Get(ctx, "p1/index.html")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubDeleteMissingIsNoop(t *testing.T) {
	b, _ := newGitHubTest(t)
	require.NoError(t, b.Delete(context.Background(), "p1/nope.txt"))
}

func TestGitHubRetriesServerErrors(t *testing.T) {
	b, gh := newGitHubTest(t)
	gh.files["p1/a.txt"] = []byte("v")
	gh.fails = 2

	got, err := b.Get(context.Background(), "p1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
