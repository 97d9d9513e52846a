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

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCmdRequiresOverlayFile(t *testing.T) {
	dir := t.TempDir()
	cmd := New()
	cmd.SetArgs([]string{"init", "--workdir", dir})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlay.yml")
}

func TestInitCmdCreatesScratchDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overlay.yml"), []byte("components: []\n"), 0o644))

	cmd := New()
	cmd.SetArgs([]string{"init", "--workdir", dir})
	require.NoError(t, cmd.Execute())

	for _, sub := range []string{"mirrors", "snapshot", "build", "srpms", "partial"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestInitCmdIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overlay.yml"), []byte("components: []\n"), 0o644))

	for i := 0; i < 2; i++ {
		cmd := New()
		cmd.SetArgs([]string{"init", "--workdir", dir})
		require.NoError(t, cmd.Execute())
	}
}
