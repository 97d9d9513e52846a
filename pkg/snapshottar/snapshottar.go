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

// Package snapshottar produces reproducible gzipped tar archives of a
// git working tree for the snapshot stage: sorted entries, a fixed
// mtime taken from the pinned commit, and no VCS metadata, so the same
// revision always yields byte-identical output. Applies the same
// deterministic-header, SourceDateEpoch-clamped approach used for
// reproducible container layer tarballs to plain source trees on disk.
package snapshottar

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
)

// Options configures archive production.
type Options struct {
	// Prefix is prepended to every archive entry name, e.g.
	// "widget-1.0.0" so extraction yields "widget-1.0.0/...".
	Prefix string
	// SourceDateEpoch fixes every entry's mtime for reproducibility.
	SourceDateEpoch time.Time
	// Exclude reports whether a slash-separated relative path (rooted at
	// srcDir, no leading slash) should be omitted from the archive. Used
	// for caller-supplied ignore patterns; ".git" is always omitted,
	// whether or not Exclude is set.
	Exclude func(relpath string) bool
}

// Write walks srcDir and writes a gzip-compressed tar archive to w,
// using pgzip for parallel compression.
func Write(w io.Writer, srcDir string, opts Options) error {
	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	entries, err := walk(srcDir, opts.Exclude)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := writeEntry(tw, srcDir, e, opts); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("snapshottar: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshottar: closing gzip writer: %w", err)
	}
	return nil
}

func walk(srcDir string, exclude func(string) bool) ([]string, error) {
	var relpaths []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, ".git/") || rel == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if exclude != nil && exclude(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relpaths = append(relpaths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshottar: walking %s: %w", srcDir, err)
	}
	sort.Strings(relpaths)
	return relpaths, nil
}

func writeEntry(tw *tar.Writer, srcDir, rel string, opts Options) error {
	full := filepath.Join(srcDir, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("snapshottar: stat %s: %w", full, err)
	}

	name := rel
	if opts.Prefix != "" {
		name = opts.Prefix + "/" + rel
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(full)
		if err != nil {
			return fmt.Errorf("snapshottar: readlink %s: %w", full, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("snapshottar: building header for %s: %w", rel, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	if !opts.SourceDateEpoch.IsZero() {
		hdr.ModTime = opts.SourceDateEpoch
		hdr.AccessTime = opts.SourceDateEpoch
		hdr.ChangeTime = opts.SourceDateEpoch
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("snapshottar: writing header for %s: %w", rel, err)
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(full) // #nosec G304 - path constructed from a sorted directory walk of a checkout we control
		if err != nil {
			return fmt.Errorf("snapshottar: opening %s: %w", full, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("snapshottar: writing contents of %s: %w", rel, err)
		}
	}
	return nil
}
