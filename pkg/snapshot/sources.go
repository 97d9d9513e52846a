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

package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/overlayctl/overlayctl/pkg/lookaside"
)

// sourcesManifestName is the classic dist-git lookaside manifest: one
// "<md5> <filename>" pair per line. Only this (pre-sha512) format is
// supported.
const sourcesManifestName = "sources"

// ErrUnsupportedSourcesLine is returned for a manifest line that isn't a
// recognizable "<md5-hex> <filename>" pair.
var ErrUnsupportedSourcesLine = errors.New("snapshot: unrecognized sources manifest line")

var sourcesLineRe = regexp.MustCompile(`^([0-9a-fA-F]{32})\s+(\S+)\s*$`)

// sourceEntry is one (file, hash, hashtype) triple from a sources
// manifest.
type sourceEntry struct {
	File     string
	Hash     string
	HashType string
}

// parseSourcesManifest reads a classic "sources" file, returning nil (no
// error) if it does not exist: its absence is normal for components with
// no lookaside objects.
func parseSourcesManifest(path string) ([]sourceEntry, error) {
	f, err := os.Open(path) // #nosec G304 - path is inside a checkout this process produced
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: reading sources manifest %s: %w", path, err)
	}
	defer f.Close()

	var entries []sourceEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m := sourcesLineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedSourcesLine, line)
		}
		entries = append(entries, sourceEntry{Hash: m[1], File: m[2], HashType: "md5"})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: scanning sources manifest %s: %w", path, err)
	}
	return entries, nil
}

// populateLookasideObjects materializes every entry of pkgDir's sources
// manifest (if any) into pkgDir, fetching missing objects through cache.
func populateLookasideObjects(ctx context.Context, cache *lookaside.Cache, pkgDir string, baseURL func(sourceEntry) string) error {
	entries, err := parseSourcesManifest(filepath.Join(pkgDir, sourcesManifestName))
	if err != nil {
		return err
	}
	for _, e := range entries {
		url := baseURL(e)
		if err := cache.PopulateInto(ctx, e.HashType, e.Hash, url, pkgDir, e.File); err != nil {
			return fmt.Errorf("snapshot: populating lookaside object %s: %w", e.File, err)
		}
	}
	return nil
}
