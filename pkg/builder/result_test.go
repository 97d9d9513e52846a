package builder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestClassifySuccess(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "state.log", "Start: build setup\nStart: rpmbuild for widget\nFinish: rpmbuild for widget\n")

	var errOut strings.Builder
	status, err := classify(dir, true, &errOut)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Empty(t, errOut.String())
}

func TestClassifyBuildFailedSurfacesErrorLines(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "state.log", "Start: build setup\nStart: rpmbuild for widget\n")
	writeLog(t, dir, "build.log", "compiling widget.c\nerror: widget.c:1: syntax error\nmake: *** [all] Error 1\n")

	var errOut strings.Builder
	status, err := classify(dir, false, &errOut)
	require.NoError(t, err)
	assert.Equal(t, StatusBuildFailed, status)
	assert.Contains(t, errOut.String(), "error: widget.c:1: syntax error")
}

func TestClassifyRootFailed(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "state.log", "Start: build setup\n")

	var errOut strings.Builder
	status, err := classify(dir, false, &errOut)
	require.NoError(t, err)
	assert.Equal(t, StatusRootFailed, status)
}

func TestClassifyUnknownFailed(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "state.log", "some unrelated line\n")

	var errOut strings.Builder
	status, err := classify(dir, false, &errOut)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknownFailed, status)
}

func TestWriteReadStatusJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeStatusJSON(dir, StatusSuccess))

	status, err := readStatusJSON(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
}
