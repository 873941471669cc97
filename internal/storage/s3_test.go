// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 emulates a path-style S3 bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		// Every request must be SigV4-signed with a hashed payload.
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIATEST/"), "bad auth header: %s", auth)
		assert.Contains(t, auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
		assert.NotEmpty(t, r.Header.Get("X-Amz-Date"))

		body, _ := io.ReadAll(r.Body)
		sum := sha256.Sum256(body)
		assert.Equal(t, hex.EncodeToString(sum[:]), r.Header.Get("X-Amz-Content-Sha256"))

		key := strings.TrimPrefix(r.URL.Path, "/bucket/")

		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			prefix := r.URL.Query().Get("prefix")
			fmt.Fprint(w, `<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
			for k := range f.objects {
				if strings.HasPrefix(k, prefix) {
					fmt.Fprintf(w, "<Contents><Key>%s</Key></Contents>", k)
				}
			}
			fmt.Fprint(w, `</ListBucketResult>`)
		case r.Method == http.MethodPut:
			f.objects[key] = body
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			data, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case r.Method == http.MethodDelete:
			delete(f.objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func newS3Test(t *testing.T) (*S3Backend, *fakeS3) {
	s3 := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(s3.handler(t))
	t.Cleanup(srv.Close)
	return NewS3Backend(srv.URL, "bucket", "us-east-1", "AKIATEST", "secret"), s3
}

func TestS3PutGetDelete(t *testing.T) {
	b, s3 := newS3Test(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "p1/app.js", []byte("console.log(1)")))
	assert.Equal(t, []byte("console.log(1)"), s3.objects["p1/app.js"])

	got, err := b.Get(ctx, "p1/app.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("console.log(1)"), got)

	require.NoError(t, b.Delete(ctx, "p1/app.js"))
	_, err = b.Get(ctx, "p1/app.js")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3List(t *testing.T) {
	b, s3 := newS3Test(t)
	s3.objects["p1/a.txt"] = []byte("a")
	s3.objects["p1/b.txt"] = []byte("b")
	s3.objects["p2/c.txt"] = []byte("c")

	keys, err := b.List(context.Background(), "p1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1/a.txt", "p1/b.txt"}, keys)
}

func TestS3SigningIsDeterministic(t *testing.T) {
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	sign := func() string {
		b := NewS3Backend("https://s3.example.com", "bucket", "us-east-1", "AKIATEST", "secret")
		b.now = func() time.Time { return fixed }
		req, err := http.NewRequest(http.MethodPut, b.objectURL("p1/a.txt"), nil)
		require.NoError(t, err)
		b.sign(req, []byte("payload"))
		return req.Header.Get("Authorization")
	}

	first := sign()
	assert.Equal(t, first, sign(), "same inputs at the same instant must sign identically")
	assert.Contains(t, first, "Credential=AKIATEST/20260115/us-east-1/s3/aws4_request")
}
