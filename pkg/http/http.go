// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http provides a rate-limited HTTP client used to fetch
// lookaside cache objects named by the packaging repository's sources
// manifest.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"
)

// RLHTTPClient wraps an *http.Client with an optional rate limiter.
type RLHTTPClient struct {
	*http.Client
	Ratelimiter *rate.Limiter
}

// NewClient returns a client. A nil limiter disables rate limiting.
func NewClient(limiter *rate.Limiter) *RLHTTPClient {
	return &RLHTTPClient{
		Client:      &http.Client{},
		Ratelimiter: limiter,
	}
}

// Do waits for the rate limiter (if any) before delegating to the
// wrapped client.
func (c *RLHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.Ratelimiter != nil {
		if err := c.Ratelimiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	return c.Client.Do(req)
}

// GetArtifactSHA256 fetches url and returns the hex SHA-256 of its body.
func (c *RLHTTPClient) GetArtifactSHA256(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DownloadTo fetches url and writes its body to destPath, creating
// destPath's parent directory if necessary. Used by the lookaside
// downloader to populate cache entries directly.
func (c *RLHTTPClient) DownloadTo(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", destPath, err)
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304 - destination is a computed lookaside cache path
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", destPath, err)
	}
	return out.Close()
}
