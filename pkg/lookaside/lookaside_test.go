package lookaside

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	c := New(t.TempDir(), nil)
	p, err := c.Path("md5", "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir, "md5", "01", "23456789abcdef"), p)
}

func TestPathRejectsUnsupportedHashType(t *testing.T) {
	c := New(t.TempDir(), nil)
	_, err := c.Path("sha1", "abc")
	require.ErrorIs(t, err, ErrUnsupportedHash)
}

func TestFetchDownloadsOnceAndReuses(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "widget.tar.gz"), []byte("payload"), 0o644))

	cacheDir := t.TempDir()
	c := New(cacheDir, LocalDownloader{SourceDir: srcDir})

	hash := "ab0123456789cdef0123456789abcdef"
	path, err := c.Fetch(context.Background(), "md5", hash, "https://lookaside.example.com/widget.tar.gz")
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(contents))

	// Remove the source fixture; a second Fetch must not re-download.
	require.NoError(t, os.Remove(filepath.Join(srcDir, "widget.tar.gz")))
	path2, err := c.Fetch(context.Background(), "md5", hash, "https://lookaside.example.com/widget.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, path, path2)
}

func TestPopulateIntoHardlinks(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "widget.tar.gz"), []byte("payload"), 0o644))

	cacheDir := t.TempDir()
	c := New(cacheDir, LocalDownloader{SourceDir: srcDir})

	destdir := t.TempDir()
	hash := "ffeeddccbbaa99887766554433221100"
	require.NoError(t, c.PopulateInto(context.Background(), "md5", hash, "https://lookaside.example.com/widget.tar.gz", destdir, "widget.tar.gz"))

	contents, err := os.ReadFile(filepath.Join(destdir, "widget.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(contents))
}
