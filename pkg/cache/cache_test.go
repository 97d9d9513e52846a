package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayctl/overlayctl/pkg/overlay"
)

func writeArtifact(t *testing.T, dir, sub, filename, contents string) {
	t.Helper()
	d := filepath.Join(dir, sub)
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, filename), []byte(contents), 0o644))
}

func TestLoadStateMissingIsEmpty(t *testing.T) {
	s, err := LoadState(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := State{"widget": {HashV0: "abc", Dirname: "widget-1.0.0-1"}}
	require.NoError(t, SaveState(dir, s))

	loaded, err := LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestFingerprintStableAndSensitiveToChange(t *testing.T) {
	c := &overlay.Component{Name: "widget", Pkgname: "widget", Revision: "abc"}
	fp1, err := Fingerprint(c)
	require.NoError(t, err)
	fp2, err := Fingerprint(c)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	c.Revision = "def"
	fp3, err := Fingerprint(c)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestPlanReusesCommittedMatch(t *testing.T) {
	committedDir := t.TempDir()
	stagingDir := t.TempDir()
	writeArtifact(t, committedDir, "widget-1.0.0-1", "widget.rpm", "binary")

	c := &overlay.Component{Name: "widget", Pkgname: "widget", Revision: "abc"}
	fp, err := Fingerprint(c)
	require.NoError(t, err)

	committed := State{"widget": {HashV0: fp, Dirname: "widget-1.0.0-1"}}

	d, err := Plan(c, committed, State{}, committedDir, "", stagingDir)
	require.NoError(t, err)
	assert.False(t, d.NeedsBuild)
	assert.Equal(t, SourceCommitted, d.Source)

	contents, err := os.ReadFile(filepath.Join(stagingDir, "widget-1.0.0-1", "widget.rpm"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(contents))
}

func TestPlanSchedulesBuildOnFingerprintMiss(t *testing.T) {
	committedDir := t.TempDir()
	stagingDir := t.TempDir()
	writeArtifact(t, committedDir, "widget-1.0.0-1", "widget.rpm", "binary")

	c := &overlay.Component{Name: "widget", Pkgname: "widget", Revision: "abc"}
	committed := State{"widget": {HashV0: "stale-hash", Dirname: "widget-1.0.0-1"}}

	d, err := Plan(c, committed, State{}, committedDir, "", stagingDir)
	require.NoError(t, err)
	assert.True(t, d.NeedsBuild)
	assert.Equal(t, SourceNone, d.Source)
}

func TestPlanFallsBackToPartial(t *testing.T) {
	partialDir := t.TempDir()
	stagingDir := t.TempDir()
	writeArtifact(t, partialDir, "widget-1.0.0-2", "widget.rpm", "partial-binary")

	c := &overlay.Component{Name: "widget", Pkgname: "widget", Revision: "abc"}
	fp, err := Fingerprint(c)
	require.NoError(t, err)
	partial := State{"widget": {HashV0: fp, Dirname: "widget-1.0.0-2"}}

	d, err := Plan(c, State{}, partial, "", partialDir, stagingDir)
	require.NoError(t, err)
	assert.False(t, d.NeedsBuild)
	assert.Equal(t, SourcePartial, d.Source)
}

func TestPlanSelfBuildRequiresAlwaysRebuilds(t *testing.T) {
	committedDir := t.TempDir()
	stagingDir := t.TempDir()
	writeArtifact(t, committedDir, "widget-1.0.0-1", "widget.rpm", "binary")

	c := &overlay.Component{Name: "widget", Pkgname: "widget", Revision: "abc", SelfBuildRequires: true}
	fp, err := Fingerprint(c)
	require.NoError(t, err)
	committed := State{"widget": {HashV0: fp, Dirname: "widget-1.0.0-1"}}

	d, err := Plan(c, committed, State{}, committedDir, "", stagingDir)
	require.NoError(t, err)
	assert.True(t, d.NeedsBuild)

	contents, err := os.ReadFile(filepath.Join(stagingDir, "widget-1.0.0-1", "widget.rpm"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(contents))
}
