package snapshottar

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("a"), 0o644))
	return dir
}

func readEntries(t *testing.T, data []byte) []string {
	t.Helper()
	gz, err := pgzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestWriteExcludesGitDir(t *testing.T) {
	dir := writeFixture(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, dir, Options{Prefix: "widget-1.0.0"}))

	names := readEntries(t, buf.Bytes())
	for _, n := range names {
		assert.NotContains(t, n, ".git")
	}
	assert.Contains(t, names, "widget-1.0.0/b.txt")
	assert.Contains(t, names, "widget-1.0.0/sub/a.txt")
}

func TestWriteIsDeterministic(t *testing.T) {
	dir := writeFixture(t)
	epoch := time.Unix(1700000000, 0).UTC()

	var buf1, buf2 bytes.Buffer
	require.NoError(t, Write(&buf1, dir, Options{Prefix: "widget-1.0.0", SourceDateEpoch: epoch}))
	require.NoError(t, Write(&buf2, dir, Options{Prefix: "widget-1.0.0", SourceDateEpoch: epoch}))

	gz1, err := pgzip.NewReader(bytes.NewReader(buf1.Bytes()))
	require.NoError(t, err)
	var raw1 bytes.Buffer
	tr1 := tar.NewReader(gz1)
	for {
		hdr, err := tr1.Next()
		if err != nil {
			break
		}
		raw1.WriteString(hdr.Name)
		assert.True(t, hdr.ModTime.Equal(epoch))
	}

	gz2, err := pgzip.NewReader(bytes.NewReader(buf2.Bytes()))
	require.NoError(t, err)
	var raw2 bytes.Buffer
	tr2 := tar.NewReader(gz2)
	for {
		hdr, err := tr2.Next()
		if err != nil {
			break
		}
		raw2.WriteString(hdr.Name)
	}

	assert.Equal(t, raw1.String(), raw2.String())
}

func TestWriteHonorsExcludeFunc(t *testing.T) {
	dir := writeFixture(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, dir, Options{
		Exclude: func(rel string) bool { return rel == "sub" },
	}))

	names := readEntries(t, buf.Bytes())
	for _, n := range names {
		assert.NotContains(t, n, "sub/")
	}
	assert.Contains(t, names, "b.txt")
}
