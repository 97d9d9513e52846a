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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayctl/overlayctl/pkg/lookaside"
)

func TestParseSourcesManifestMissingIsEmpty(t *testing.T) {
	entries, err := parseSourcesManifest(filepath.Join(t.TempDir(), "sources"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseSourcesManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources")
	require.NoError(t, os.WriteFile(path, []byte("d41d8cd98f00b204e9800998ecf8427e  widget-1.0.tar.gz\n"), 0o644))

	entries, err := parseSourcesManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "widget-1.0.tar.gz", entries[0].File)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", entries[0].Hash)
	assert.Equal(t, "md5", entries[0].HashType)
}

func TestParseSourcesManifestRejectsUnrecognizedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources")
	require.NoError(t, os.WriteFile(path, []byte("sha512 (widget-1.0.tar.gz) = deadbeef\n"), 0o644))

	_, err := parseSourcesManifest(path)
	assert.ErrorIs(t, err, ErrUnsupportedSourcesLine)
}

func TestPopulateLookasideObjects(t *testing.T) {
	upstream := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(upstream, "widget-1.0.tar.gz"), []byte("tarball-bytes"), 0o644))

	cacheDir := t.TempDir()
	cache := lookaside.New(cacheDir, lookaside.LocalDownloader{SourceDir: upstream})

	pkgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "sources"),
		[]byte("d41d8cd98f00b204e9800998ecf8427e  widget-1.0.tar.gz\n"), 0o644))

	err := populateLookasideObjects(context.Background(), cache, pkgDir, func(e sourceEntry) string {
		return e.File
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(pkgDir, "widget-1.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tarball-bytes", string(data))
}
