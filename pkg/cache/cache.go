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

// Package cache implements the build cache: a per-component fingerprint
// over the pinned overlay record, and the reuse decision that lets a
// rebuild skip components whose fingerprint hasn't changed since a
// prior committed or partial build.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/overlayctl/overlayctl/internal/fsops"
	"github.com/overlayctl/overlayctl/pkg/canonjson"
	"github.com/overlayctl/overlayctl/pkg/overlay"
)

// StateFilename is the name of the cache record file within a build
// output directory.
const StateFilename = "buildstate.json"

// Record is one component's cache entry: the fingerprint it was built
// with and the output subdirectory name holding its artifacts.
type Record struct {
	HashV0  string `json:"hashv0"`
	Dirname string `json:"dirname"`
}

// State maps pkgname to its cache Record.
type State map[string]Record

// LoadState reads {dir}/buildstate.json. A missing file yields an empty
// State, not an error (a fresh build output directory has none yet).
func LoadState(dir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFilename)) // #nosec G304 - internal pipeline directory
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", dir, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cache: parsing %s: %w", dir, err)
	}
	return s, nil
}

// SaveState atomically rewrites {dir}/buildstate.json.
func SaveState(dir string, s State) error {
	data, err := canonjson.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: encoding state: %w", err)
	}
	dest := filepath.Join(dir, StateFilename)
	return fsops.AtomicRename(dest, func(tmp string) error {
		return os.WriteFile(tmp, data, 0o644) // #nosec G306
	})
}

// Fingerprint computes hashv0: the hex SHA-256 of the canonical JSON
// encoding of the fully-pinned component, so any change to upstream
// revision, packaging revision, source URL, build flags, or name
// invalidates the entry.
func Fingerprint(c *overlay.Component) (string, error) {
	fp, err := canonjson.Fingerprint(c)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprinting %s: %w", c.Name, err)
	}
	return fp, nil
}

// Source identifies which of the two cache sources (a prior committed
// build, or a saved partial-build) a reuse decision drew from.
type Source int

const (
	// SourceNone indicates no reusable record was found; a build is
	// needed.
	SourceNone Source = iota
	SourceCommitted
	SourcePartial
)

// Decision is the outcome of Plan for one component.
type Decision struct {
	// NeedsBuild is true if the component must be (re)built this pass.
	NeedsBuild bool
	// Source identifies where a reused record (if any) came from.
	Source Source
	// Record is the cache record to carry forward into the new staging
	// state, populated whenever Source != SourceNone.
	Record Record
}

// Plan decides, for one component, whether its prior build output can
// be reused, consulting the committed and partial cache states in that
// order. It hardlinks the reused artifact directory into stagingDir
// when reuse applies. The self-buildrequires case always copies the
// prior artifact forward (if one exists) but still schedules a rebuild,
// since the component may need to build against its own just-published
// package.
func Plan(c *overlay.Component, committed, partial State, committedDir, partialDir, stagingDir string) (Decision, error) {
	fp, err := Fingerprint(c)
	if err != nil {
		return Decision{}, err
	}

	if c.SelfBuildRequires {
		rec, src, ok := lookup(committed, partial, c.Pkgname)
		if ok {
			if err := adopt(rec, srcDir(src, committedDir, partialDir), stagingDir); err != nil {
				return Decision{}, err
			}
		}
		return Decision{NeedsBuild: true}, nil
	}

	if rec, ok := committed[c.Pkgname]; ok && rec.HashV0 == fp {
		if err := adopt(rec, committedDir, stagingDir); err != nil {
			return Decision{}, err
		}
		return Decision{NeedsBuild: false, Source: SourceCommitted, Record: rec}, nil
	}

	if rec, ok := partial[c.Pkgname]; ok && rec.HashV0 == fp {
		if err := adopt(rec, partialDir, stagingDir); err != nil {
			return Decision{}, err
		}
		return Decision{NeedsBuild: false, Source: SourcePartial, Record: rec}, nil
	}

	return Decision{NeedsBuild: true}, nil
}

func lookup(committed, partial State, pkgname string) (Record, Source, bool) {
	if rec, ok := committed[pkgname]; ok {
		return rec, SourceCommitted, true
	}
	if rec, ok := partial[pkgname]; ok {
		return rec, SourcePartial, true
	}
	return Record{}, SourceNone, false
}

func srcDir(src Source, committedDir, partialDir string) string {
	if src == SourceCommitted {
		return committedDir
	}
	return partialDir
}

func adopt(rec Record, fromDir, stagingDir string) error {
	from := filepath.Join(fromDir, rec.Dirname)
	to := filepath.Join(stagingDir, rec.Dirname)
	if err := fsops.HardlinkTree(from, to); err != nil {
		return fmt.Errorf("cache: adopting %s: %w", rec.Dirname, err)
	}
	return nil
}
