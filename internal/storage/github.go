// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// GITHUB BACKEND
// =============================================================================

const (
	// githubMaxResponse caps response bodies read from the API.
	githubMaxResponse = 32 * 1024 * 1024

	// githubMaxRetries bounds retry attempts on 429/5xx.
	githubMaxRetries = 3

	// githubRetryBase is the initial retry backoff.
	githubRetryBase = 500 * time.Millisecond
)

// GitHubBackend stores objects as files in a repository via the contents
// API. Keys map directly to repository paths.
type GitHubBackend struct {
	baseURL string
	token   string
	repo    string // "owner/name"
	branch  string
	client  *http.Client
}

// NewGitHubBackend creates the backend. baseURL defaults to the public API.
func NewGitHubBackend(baseURL, token, repo, branch string) *GitHubBackend {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if branch == "" {
		branch = "main"
	}
	return &GitHubBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		repo:    repo,
		branch:  branch,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (g *GitHubBackend) Name() string { return "github" }

func (g *GitHubBackend) contentsURL(key string) string {
	// Escape each path segment; the separators must survive.
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/contents/%s", g.baseURL, g.repo, strings.Join(segs, "/"))
}

// do sends a request with auth headers, retrying on 429 and 5xx.
func (g *GitHubBackend) do(ctx context.Context, method, rawURL, accept string, body []byte) (*http.Response, error) {
	backoff := githubRetryBase
	var lastErr error

	for attempt := 0; attempt <= githubMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("github returned %d", resp.StatusCode)
			log.Printf("GITHUB_RETRY | status=%d attempt=%d url=%s", resp.StatusCode, attempt+1, rawURL)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("github request failed after retries: %w", lastErr)
}

// sha fetches the blob SHA for a path, required by update and delete.
// Returns "" when the file does not exist.
func (g *GitHubBackend) sha(ctx context.Context, key string) (string, error) {
	resp, err := g.do(ctx, http.MethodGet, g.contentsURL(key)+"?ref="+url.QueryEscape(g.branch),
		"application/vnd.github+json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github metadata lookup returned %d", resp.StatusCode)
	}

	var meta struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, githubMaxResponse)).Decode(&meta); err != nil {
		return "", fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta.SHA, nil
}

// Put creates or updates the file through the contents API.
func (g *GitHubBackend) Put(ctx context.Context, key string, data []byte) error {
	sha, err := g.sha(ctx, key)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"message": "flashd: sync " + key,
		"content": base64.StdEncoding.EncodeToString(data),
		"branch":  g.branch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := g.do(ctx, http.MethodPut, g.contentsURL(key), "application/vnd.github+json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("github put returned %d", resp.StatusCode)
	}
	return nil
}

// Get fetches the raw file content.
func (g *GitHubBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := g.do(ctx, http.MethodGet, g.contentsURL(key)+"?ref="+url.QueryEscape(g.branch),
		"application/vnd.github.raw+json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github get returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, githubMaxResponse))
}

// Delete removes the file. Missing files are not an error.
func (g *GitHubBackend) Delete(ctx context.Context, key string) error {
	sha, err := g.sha(ctx, key)
	if err != nil {
		return err
	}
	if sha == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"message": "flashd: delete " + key,
		"sha":     sha,
		"branch":  g.branch,
	})
	if err != nil {
		return err
	}

	resp, err := g.do(ctx, http.MethodDelete, g.contentsURL(key), "application/vnd.github+json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("github delete returned %d", resp.StatusCode)
	}
	return nil
}

// List returns the file paths under prefix (one directory level; the
// contents API does not recurse).
func (g *GitHubBackend) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := g.do(ctx, http.MethodGet, g.contentsURL(prefix)+"?ref="+url.QueryEscape(g.branch),
		"application/vnd.github+json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github list returned %d", resp.StatusCode)
	}

	var entries []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, githubMaxResponse)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.Type == "file" {
			keys = append(keys, e.Path)
		}
	}
	return keys, nil
}
