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

// Package lookaside manages the content-addressed cache of large source
// files a packaging repository's "sources" manifest references by hash
// instead of committing directly.
package lookaside

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// ErrUnsupportedHash is returned for any hash type other than the
// classic lookaside format's "md5".
var ErrUnsupportedHash = errors.New("lookaside: unsupported hash type")

// Downloader fetches a remote source file identified by name into
// destPath. Implementations: a local filesystem double for tests and an
// HTTP-backed client for production use (pkg/http.RLHTTPClient).
type Downloader interface {
	DownloadTo(ctx context.Context, url, destPath string) error
}

// Cache is a content-addressed object store rooted at Dir, laid out as
// {dir}/{hashtype}/{hash[0:2]}/{hash[2:]}.
type Cache struct {
	Dir        string
	Downloader Downloader
	// BaseURL, if set, is prepended to a bare filename to build the
	// fetch URL (e.g. a distro lookaside HTTP endpoint); if empty, the
	// caller is expected to pass a full URL to Fetch.
	BaseURL string
}

// New returns a Cache rooted at dir.
func New(dir string, d Downloader) *Cache {
	return &Cache{Dir: dir, Downloader: d}
}

// Path returns the on-disk path for an object given its hash type and
// hex digest, without fetching it.
func (c *Cache) Path(hashtype, hash string) (string, error) {
	if hashtype != "md5" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedHash, hashtype)
	}
	if len(hash) < 3 {
		return "", fmt.Errorf("lookaside: malformed hash %q", hash)
	}
	return filepath.Join(c.Dir, hashtype, hash[0:2], hash[2:]), nil
}

// Fetch ensures the object named by (hashtype, hash) exists in the
// cache, downloading it from url if missing, and returns its path.
// Downloads land in a ".tmp" sibling and are renamed into place only on
// success, so a failed fetch never leaves a partial object visible.
func (c *Cache) Fetch(ctx context.Context, hashtype, hash, url string) (string, error) {
	dest, err := c.Path(hashtype, hash)
	if err != nil {
		return "", err
	}
	if exists, err := fsops.Exists(dest); err != nil {
		return "", err
	} else if exists {
		return dest, nil
	}

	if err := fsops.EnsureDir(filepath.Dir(dest)); err != nil {
		return "", err
	}
	err = fsops.AtomicRename(dest, func(tmpPath string) error {
		return c.Downloader.DownloadTo(ctx, url, tmpPath)
	})
	if err != nil {
		return "", fmt.Errorf("lookaside: fetching %s: %w", url, err)
	}
	return dest, nil
}

// Digest wraps hash as a typed digest.Digest the way the system wraps
// other content hashes, purely for structured logging/manifest display;
// the cache's own path derivation uses the raw hex form above to match
// the on-disk directory layout exactly.
func Digest(hashtype, hash string) digest.Digest {
	algo := digest.Algorithm(hashtype)
	return digest.NewDigestFromEncoded(algo, hash)
}

// PopulateInto hardlinks (or copies) the cached object at (hashtype,
// hash) into destdir under filename, fetching it first if necessary.
func (c *Cache) PopulateInto(ctx context.Context, hashtype, hash, url, destdir, filename string) error {
	src, err := c.Fetch(ctx, hashtype, hash, url)
	if err != nil {
		return err
	}
	return fsops.HardlinkOrCopy(src, filepath.Join(destdir, filename))
}

// LocalDownloader is a Downloader test double that copies from a local
// source directory keyed by basename, standing in for a real lookaside
// HTTP endpoint in tests.
type LocalDownloader struct {
	SourceDir string
}

// DownloadTo implements Downloader by copying SourceDir/basename(url).
func (l LocalDownloader) DownloadTo(_ context.Context, url, destPath string) error {
	src := filepath.Join(l.SourceDir, filepath.Base(url))
	data, err := os.ReadFile(src) // #nosec G304 - test double over a caller-controlled fixture directory
	if err != nil {
		return fmt.Errorf("local downloader: reading %s: %w", src, err)
	}
	return os.WriteFile(destPath, data, 0o644) // #nosec G306
}
