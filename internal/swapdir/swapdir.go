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

// Package swapdir implements a two-generation directory with an atomic
// symlink commit, so that readers of the published path never observe a
// partially-written generation.
package swapdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// Dir is a two-generation atomic directory rooted at Path. Path is either
// absent or a symlink to a sibling named "{basename(Path)}-0" or
// "{basename(Path)}-1"; exactly one generation is ever live.
type Dir struct {
	Path string

	dir  string
	base string
	live int // 0 or 1, only meaningful after Read
}

// New returns a SwappedDir rooted at path. Callers must call Read (or
// Prepare, which calls it) before inspecting the live generation.
func New(path string) *Dir {
	return &Dir{
		Path: path,
		dir:  filepath.Dir(path),
		base: filepath.Base(path),
	}
}

// Read inspects the current symlink and records which generation is
// live. If Path does not exist yet, generation 0 is treated as live (so
// generation 1 is the first to be staged); nothing is created on disk,
// and the link is established by the first Commit.
func (d *Dir) Read() error {
	target, err := os.Readlink(d.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading swapdir link %s: %w", d.Path, err)
		}
		d.live = 0
		return nil
	}
	switch filepath.Base(target) {
	case fmt.Sprintf("%s-0", d.base):
		d.live = 0
	case fmt.Sprintf("%s-1", d.base):
		d.live = 1
	default:
		return fmt.Errorf("swapdir link invalid: %s", target)
	}
	return nil
}

func (d *Dir) staging() int {
	if d.live == 0 {
		return 1
	}
	return 0
}

func (d *Dir) dirName(gen int) string {
	return fmt.Sprintf("%s-%d", d.base, gen)
}

func (d *Dir) dirPath(gen int) string {
	return filepath.Join(d.dir, d.dirName(gen))
}

// LivePath returns the currently-published generation's directory, valid
// after Read.
func (d *Dir) LivePath() string {
	return d.dirPath(d.live)
}

// Prepare returns an empty staging directory for the next generation. If
// savePartialDir is non-empty and the staging directory already has
// contents from a prior interrupted run, those contents are moved there
// instead of being discarded.
func (d *Dir) Prepare(savePartialDir string) (string, error) {
	if err := d.Read(); err != nil {
		return "", err
	}
	newPath := d.dirPath(d.staging())

	if savePartialDir != "" {
		exists, err := fsops.Exists(newPath)
		if err != nil {
			return "", err
		}
		if exists {
			if err := fsops.RemoveAll(savePartialDir); err != nil {
				return "", err
			}
			if err := os.Rename(newPath, savePartialDir); err != nil {
				return "", fmt.Errorf("saving partial build dir: %w", err)
			}
		}
	}

	if err := fsops.EnsureCleanDir(newPath); err != nil {
		return "", err
	}
	return newPath, nil
}

// Abandon discards the staging generation without publishing it. The
// live generation is untouched.
func (d *Dir) Abandon() error {
	return fsops.RemoveAll(d.dirPath(d.staging()))
}

// Commit atomically publishes the staging generation as the new live
// generation, via a temporary symlink renamed over Path.
func (d *Dir) Commit() error {
	newGen := d.staging()
	tmpLink := filepath.Join(d.dirPath(newGen), "__tmplink")
	if err := fsops.RemoveAll(tmpLink); err != nil {
		return err
	}
	if err := os.Symlink(d.dirName(newGen), tmpLink); err != nil {
		return fmt.Errorf("creating staging symlink: %w", err)
	}
	if err := os.Rename(tmpLink, d.Path); err != nil {
		return fmt.Errorf("committing swapdir: %w", err)
	}
	d.live = newGen
	return nil
}
