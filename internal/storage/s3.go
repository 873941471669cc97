// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// S3 BACKEND
// =============================================================================

const (
	s3MaxResponse = 32 * 1024 * 1024
	s3MaxRetries  = 3
	s3RetryBase   = 500 * time.Millisecond
)

// S3Backend stores objects in an S3-compatible bucket using path-style
// addressing and AWS Signature Version 4.
type S3Backend struct {
	endpoint  string
	bucket    string
	region    string
	accessKey string
	secretKey string
	client    *http.Client
	now       func() time.Time
}

// NewS3Backend creates the backend. endpoint is the service URL, e.g.
// "https://s3.us-east-1.amazonaws.com" or a MinIO address.
func NewS3Backend(endpoint, bucket, region, accessKey, secretKey string) *S3Backend {
	return &S3Backend{
		endpoint:  strings.TrimRight(endpoint, "/"),
		bucket:    bucket,
		region:    region,
		accessKey: accessKey,
		secretKey: secretKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
}

func (s *S3Backend) Name() string { return "s3" }

func (s *S3Backend) objectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, strings.Join(segs, "/"))
}

// =============================================================================
// SIGV4
// =============================================================================

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sign adds SigV4 authorization headers to req. body is the full payload.
func (s *S3Backend) sign(req *http.Request, body []byte) {
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	payloadHash := sha256Hex(body)

	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	// Canonical request.
	var headerNames []string
	canonical := make(map[string]string)
	for _, name := range []string{"Host", "X-Amz-Content-Sha256", "X-Amz-Date"} {
		lower := strings.ToLower(name)
		headerNames = append(headerNames, lower)
		canonical[lower] = strings.TrimSpace(req.Header.Get(name))
	}
	sort.Strings(headerNames)

	var canonicalHeaders strings.Builder
	for _, name := range headerNames {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(canonical[name])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(headerNames, ";")

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery(req.URL),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	// String to sign.
	scope := strings.Join([]string{dateStamp, s.region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	// Signing key derivation chain.
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(s.region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	kSigning := hmacSHA256(kService, []byte("aws4_request"))
	signature := hex.EncodeToString(hmacSHA256(kSigning, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, scope, signedHeaders, signature,
	))
}

// canonicalQuery renders the query string with sorted, escaped parameters.
func canonicalQuery(u *url.URL) string {
	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range values[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// =============================================================================
// REQUESTS
// =============================================================================

// do signs and sends a request, retrying on 429/5xx.
func (s *S3Backend) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	backoff := s3RetryBase
	var lastErr error

	for attempt := 0; attempt <= s3MaxRetries; attempt++ {
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
		s.sign(req, body)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("s3 returned %d", resp.StatusCode)
			log.Printf("S3_RETRY | status=%d attempt=%d url=%s", resp.StatusCode, attempt+1, rawURL)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("s3 request failed after retries: %w", lastErr)
}

// Put uploads the object.
func (s *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	resp, err := s.do(ctx, http.MethodPut, s.objectURL(key), data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("s3 put returned %d", resp.StatusCode)
	}
	return nil
}

// Get downloads the object.
func (s *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("s3 get returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, s3MaxResponse))
}

// Delete removes the object. S3 returns 204 whether or not it existed.
func (s *S3Backend) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("s3 delete returned %d", resp.StatusCode)
	}
	return nil
}

// List returns keys under prefix via ListObjectsV2.
func (s *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""

	for {
		q := url.Values{}
		q.Set("list-type", "2")
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if token != "" {
			q.Set("continuation-token", token)
		}
		rawURL := fmt.Sprintf("%s/%s?%s", s.endpoint, s.bucket, q.Encode())

		resp, err := s.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}

		var result struct {
			Contents []struct {
				Key string `xml:"Key"`
			} `xml:"Contents"`
			IsTruncated           bool   `xml:"IsTruncated"`
			NextContinuationToken string `xml:"NextContinuationToken"`
		}
		decodeErr := xml.NewDecoder(io.LimitReader(resp.Body, s3MaxResponse)).Decode(&result)
		status := resp.StatusCode
		resp.Body.Close()

		if status != http.StatusOK {
			return nil, fmt.Errorf("s3 list returned %d", status)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode listing: %w", decodeErr)
		}

		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated || result.NextContinuationToken == "" {
			return keys, nil
		}
		token = result.NextContinuationToken
	}
}
