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

package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zealic/xignore"
)

// srcsnapIgnoreName is the per-component ignore file, analogous to a
// build system's .melangeignore or .dockerignore.
const srcsnapIgnoreName = ".srcsnapignore"

// loadIgnorePatterns reads srcDir's .srcsnapignore, if present, returning
// an empty (non-nil) slice when there is none.
func loadIgnorePatterns(srcDir string) ([]*xignore.Pattern, error) {
	path := filepath.Join(srcDir, srcsnapIgnoreName)

	patterns := []*xignore.Pattern{}

	f, err := os.Open(path) // #nosec G304 - path is inside a checkout this process produced
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return patterns, nil
		}
		return nil, fmt.Errorf("snapshot: reading %s: %w", path, err)
	}
	defer f.Close()

	ignF := xignore.Ignorefile{}
	if err := ignF.FromReader(f); err != nil {
		return nil, fmt.Errorf("snapshot: parsing %s: %w", path, err)
	}

	for _, rule := range ignF.Patterns {
		pattern := xignore.NewPattern(rule)
		if err := pattern.Prepare(); err != nil {
			return nil, fmt.Errorf("snapshot: preparing ignore rule %q: %w", rule, err)
		}
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}

// ignoreFunc adapts a parsed pattern set into the predicate snapshottar's
// Exclude option expects.
func ignoreFunc(patterns []*xignore.Pattern) func(string) bool {
	return func(relpath string) bool {
		for _, p := range patterns {
			if p.Match(relpath) {
				return true
			}
		}
		return false
	}
}
