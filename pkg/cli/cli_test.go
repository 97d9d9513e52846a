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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootFlagsPathHelpers(t *testing.T) {
	flags := rootFlags{WorkDir: "/work"}
	assert.Equal(t, "/work/overlay.yml", flags.overlayPath())
	assert.Equal(t, "/work/overlay.pinned.yml", flags.pinnedPath())
	assert.Equal(t, "/work/mirrors", flags.mirrorDir())
	assert.Equal(t, "/work/snapshot", flags.snapshotDir())
	assert.Equal(t, "/work/build", flags.buildDir())
	assert.Equal(t, "/work/srpms", flags.srpmDir())
	assert.Equal(t, "/work/partial", flags.partialDir())
}

func TestSetupTelemetryWithoutTrace(t *testing.T) {
	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.SetContext(context.Background())

	cleanup, err := setupTelemetry(cmd, rootFlags{})
	require.NoError(t, err)
	cleanup()
}

func TestSetupTelemetryWithTraceFile(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "trace.json")

	cmd := &cobra.Command{Use: "x"}
	cmd.SetContext(context.Background())

	cleanup, err := setupTelemetry(cmd, rootFlags{TraceFile: tracePath})
	require.NoError(t, err)
	cleanup()

	_, err = os.Stat(tracePath)
	assert.NoError(t, err)
}

func TestNewWiresAllSubcommands(t *testing.T) {
	root := New()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"resolve", "snapshot", "build", "init"}, names)
}
