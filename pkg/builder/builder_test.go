package builder

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayctl/overlayctl/internal/procrunner"
	"github.com/overlayctl/overlayctl/internal/swapdir"
	"github.com/overlayctl/overlayctl/pkg/cache"
	"github.com/overlayctl/overlayctl/pkg/overlay"
)

const fakeMockScript = `#!/bin/sh
resultdir=""
last=""
buildsrpm=""
while [ $# -gt 0 ]; do
  case "$1" in
    --resultdir)
      resultdir="$2"; shift 2 ;;
    --configdir|--uniqueext|-r|--with|--without|--spec|--sources)
      shift 2 ;;
    --nocheck|--yum|--no-cleanup-after|--old-chroot)
      shift ;;
    --buildsrpm)
      buildsrpm=1; shift ;;
    *)
      last="$1"; shift ;;
  esac
done
mkdir -p "$resultdir"
base=$(basename "$last")

if [ -n "$buildsrpm" ]; then
  if [ -n "$FAKE_MOCK_ALWAYS_FAIL" ]; then
    exit 1
  fi
  touch "$resultdir/widget-1.0.0-1.src.rpm"
  exit 0
fi

if [ -n "$FAKE_MOCK_ALWAYS_FAIL" ]; then
  printf 'Start: build setup\nStart: rpmbuild for %s\n' "$base" > "$resultdir/state.log"
  printf 'error: permanent failure for %s\n' "$base" > "$resultdir/build.log"
  exit 1
fi

sentinel="$FAKE_MOCK_STATE_DIR/$base.attempted"
if [ -n "$FAKE_MOCK_FAIL_ONCE" ]; then
  case "$base" in
    *"$FAKE_MOCK_FAIL_ONCE"*)
      if [ ! -f "$sentinel" ]; then
        touch "$sentinel"
        printf 'Start: build setup\nStart: rpmbuild for %s\n' "$base" > "$resultdir/state.log"
        printf 'error: transient failure for %s\n' "$base" > "$resultdir/build.log"
        exit 1
      fi
      ;;
  esac
fi

printf 'Start: build setup\nStart: rpmbuild for %s\nFinish: rpmbuild for %s\n' "$base" "$base" > "$resultdir/state.log"
exit 0
`

const fakeIndexerScript = `#!/bin/sh
exit 0
`

const fakeMockCfg = "config_opts['root'] = 'fake-chroot'\n"

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake builder scripts require a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}

type testEnv struct {
	overlayDir  string
	mockScript  string
	indexScript string
	stateDir    string
	builder     *Builder
	opts        Options
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	requireShell(t)

	scriptDir := t.TempDir()
	mockScript := writeScript(t, scriptDir, "fake-mock", fakeMockScript)
	indexScript := writeScript(t, scriptDir, "fake-createrepo", fakeIndexerScript)

	overlayDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(overlayDir, "fake-chroot.cfg"), []byte(fakeMockCfg), 0o644))

	stateDir := t.TempDir()
	t.Setenv("FAKE_MOCK_STATE_DIR", stateDir)

	b := New(procrunner.Runner{})
	b.Indexer.Command = indexScript

	return testEnv{
		overlayDir:  overlayDir,
		mockScript:  mockScript,
		indexScript: indexScript,
		stateDir:    stateDir,
		builder:     b,
		opts: Options{
			OverlayDir:    overlayDir,
			RootMock:      "fake-chroot.cfg",
			BuilderBinary: mockScript,
		},
	}
}

func writeFakeSRPM(t *testing.T, dir, dirname string) string {
	t.Helper()
	path := filepath.Join(dir, dirname+".temp.src.rpm")
	require.NoError(t, os.WriteFile(path, []byte("fake srpm"), 0o644))
	return path
}

func TestBuildCommitsWhenComponentsBuild(t *testing.T) {
	env := newTestEnv(t)
	srpmDir := t.TempDir()

	dir := swapdir.New(filepath.Join(t.TempDir(), "build"))
	partialDir := filepath.Join(t.TempDir(), "build.partial")

	components := []Component{
		{Overlay: &overlay.Component{Name: "widget", Pkgname: "widget"}, SRPM: writeFakeSRPM(t, srpmDir, "widget-1.0.0-1")},
		{Overlay: &overlay.Component{Name: "gizmo", Pkgname: "gizmo"}, SRPM: writeFakeSRPM(t, srpmDir, "gizmo-2.0.0-1")},
	}

	res, err := env.builder.Build(context.Background(), dir, partialDir, components, env.opts)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.ElementsMatch(t, []string{"widget", "gizmo"}, res.Built)

	require.NoError(t, dir.Read())
	state, err := cache.LoadState(dir.LivePath())
	require.NoError(t, err)
	assert.Len(t, state, 2)
	assert.Contains(t, state, "widget")
	assert.Contains(t, state, "gizmo")

	_, statErr := os.Stat(filepath.Join(dir.LivePath(), "widget-1.0.0-1", "state.log"))
	assert.NoError(t, statErr)
}

func TestBuildReusesCommittedComponentAndBuildsOnlyNew(t *testing.T) {
	env := newTestEnv(t)
	srpmDir := t.TempDir()

	dirPath := filepath.Join(t.TempDir(), "build")
	dir := swapdir.New(dirPath)
	partialDir := filepath.Join(t.TempDir(), "build.partial")

	widget := &overlay.Component{Name: "widget", Pkgname: "widget"}
	fp, err := cache.Fingerprint(widget)
	require.NoError(t, err)

	// Seed an initial committed generation containing widget's prior
	// result, with a matching buildstate.json record.
	gen0, err := dir.Prepare("")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(gen0, "widget-1.0.0-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gen0, "widget-1.0.0-1", "widget.rpm"), []byte("prior"), 0o644))
	require.NoError(t, cache.SaveState(gen0, cache.State{"widget": {HashV0: fp, Dirname: "widget-1.0.0-1"}}))
	require.NoError(t, dir.Commit())

	components := []Component{
		{Overlay: widget, SRPM: writeFakeSRPM(t, srpmDir, "widget-1.0.0-1")},
		{Overlay: &overlay.Component{Name: "gizmo", Pkgname: "gizmo"}, SRPM: writeFakeSRPM(t, srpmDir, "gizmo-2.0.0-1")},
	}

	res, err := env.builder.Build(context.Background(), dir, partialDir, components, env.opts)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, []string{"gizmo"}, res.Built)

	require.NoError(t, dir.Read())
	contents, err := os.ReadFile(filepath.Join(dir.LivePath(), "widget-1.0.0-1", "widget.rpm"))
	require.NoError(t, err)
	assert.Equal(t, "prior", string(contents))
}

func TestBuildAbandonsWhenNothingChanges(t *testing.T) {
	env := newTestEnv(t)
	srpmDir := t.TempDir()

	dirPath := filepath.Join(t.TempDir(), "build")
	dir := swapdir.New(dirPath)
	partialDir := filepath.Join(t.TempDir(), "build.partial")

	widget := &overlay.Component{Name: "widget", Pkgname: "widget"}
	fp, err := cache.Fingerprint(widget)
	require.NoError(t, err)

	gen0, err := dir.Prepare("")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(gen0, "widget-1.0.0-1"), 0o755))
	require.NoError(t, cache.SaveState(gen0, cache.State{"widget": {HashV0: fp, Dirname: "widget-1.0.0-1"}}))
	require.NoError(t, dir.Commit())
	liveBefore := dir.LivePath()

	components := []Component{
		{Overlay: widget, SRPM: writeFakeSRPM(t, srpmDir, "widget-1.0.0-1")},
	}

	res, err := env.builder.Build(context.Background(), dir, partialDir, components, env.opts)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Empty(t, res.Built)

	require.NoError(t, dir.Read())
	assert.Equal(t, liveBefore, dir.LivePath())
}

func TestBuildRetriesFailedComponentAfterProgress(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("FAKE_MOCK_FAIL_ONCE", "widget")
	srpmDir := t.TempDir()

	dir := swapdir.New(filepath.Join(t.TempDir(), "build"))
	partialDir := filepath.Join(t.TempDir(), "build.partial")

	components := []Component{
		{Overlay: &overlay.Component{Name: "widget", Pkgname: "widget"}, SRPM: writeFakeSRPM(t, srpmDir, "widget-1.0.0-1")},
		{Overlay: &overlay.Component{Name: "gizmo", Pkgname: "gizmo"}, SRPM: writeFakeSRPM(t, srpmDir, "gizmo-2.0.0-1")},
	}

	res, err := env.builder.Build(context.Background(), dir, partialDir, components, env.opts)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.ElementsMatch(t, []string{"widget", "gizmo"}, res.Built)
}

func TestBuildStopsOnNoProgress(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("FAKE_MOCK_ALWAYS_FAIL", "1")
	srpmDir := t.TempDir()

	dir := swapdir.New(filepath.Join(t.TempDir(), "build"))
	partialDir := filepath.Join(t.TempDir(), "build.partial")

	components := []Component{
		{Overlay: &overlay.Component{Name: "widget", Pkgname: "widget"}, SRPM: writeFakeSRPM(t, srpmDir, "widget-1.0.0-1")},
	}

	_, err := env.builder.Build(context.Background(), dir, partialDir, components, env.opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProgress)
}

func TestBuildSRPMOnlyProducesSRPMPerComponent(t *testing.T) {
	env := newTestEnv(t)
	srcsnapDir := t.TempDir()
	specPath := filepath.Join(srcsnapDir, "widget.spec")
	require.NoError(t, os.WriteFile(specPath, []byte("Name: widget\n"), 0o644))

	dir := swapdir.New(filepath.Join(t.TempDir(), "srpms"))

	components := []SRPMComponent{
		{Overlay: &overlay.Component{Name: "widget", Pkgname: "widget"}, SrcsnapDir: srcsnapDir, SpecPath: specPath},
	}

	srpms, err := env.builder.BuildSRPMOnly(context.Background(), dir, components, env.opts)
	require.NoError(t, err)
	require.Contains(t, srpms, "widget")
	_, statErr := os.Stat(srpms["widget"])
	assert.NoError(t, statErr)
}

func TestBuildSRPMOnlyReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("FAKE_MOCK_ALWAYS_FAIL", "1")
	srcsnapDir := t.TempDir()
	specPath := filepath.Join(srcsnapDir, "widget.spec")
	require.NoError(t, os.WriteFile(specPath, []byte("Name: widget\n"), 0o644))

	dir := swapdir.New(filepath.Join(t.TempDir(), "srpms"))

	components := []SRPMComponent{
		{Overlay: &overlay.Component{Name: "widget", Pkgname: "widget"}, SrcsnapDir: srcsnapDir, SpecPath: specPath},
	}

	_, err := env.builder.BuildSRPMOnly(context.Background(), dir, components, env.opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widget")
}

func TestMoveLogsToLogDirSeparatesSuccessAndFailed(t *testing.T) {
	builddir := t.TempDir()
	logdir := t.TempDir()

	okDir := filepath.Join(builddir, "widget-1.0.0-1")
	require.NoError(t, os.MkdirAll(okDir, 0o755))
	require.NoError(t, writeStatusJSON(okDir, StatusSuccess))
	require.NoError(t, os.WriteFile(filepath.Join(okDir, "build.log"), []byte("ok"), 0o644))

	failDir := filepath.Join(builddir, "gizmo-1.0.0-1")
	require.NoError(t, os.MkdirAll(failDir, 0o755))
	require.NoError(t, writeStatusJSON(failDir, StatusBuildFailed))
	require.NoError(t, os.WriteFile(filepath.Join(failDir, "build.log"), []byte("boom"), 0o644))

	require.NoError(t, moveLogsToLogDir(builddir, logdir))

	_, err := os.Stat(filepath.Join(logdir, "success", "widget-1.0.0-1", "build.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(logdir, "failed", "gizmo-1.0.0-1", "build.log"))
	assert.NoError(t, err)
}
