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

package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// moveLogsToLogDir walks builddir for per-component status.json markers
// and moves their .log/.json files under logdir/success/{name} or
// logdir/failed/{name}.
func moveLogsToLogDir(builddir, logdir string) error {
	if err := fsops.EnsureCleanDir(logdir); err != nil {
		return err
	}

	entries, err := os.ReadDir(builddir)
	if err != nil {
		return fmt.Errorf("builder: listing %s: %w", builddir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dpath := filepath.Join(builddir, e.Name())
		statusPath := filepath.Join(dpath, "status.json")
		if _, err := os.Stat(statusPath); err != nil {
			continue
		}
		status, err := readStatusJSON(dpath)
		if err != nil {
			return err
		}

		outcome := "failed"
		if status == StatusSuccess {
			outcome = "success"
		}
		sublogdir := filepath.Join(logdir, outcome, e.Name())
		if err := fsops.EnsureCleanDir(sublogdir); err != nil {
			return err
		}

		subentries, err := os.ReadDir(dpath)
		if err != nil {
			return fmt.Errorf("builder: listing %s: %w", dpath, err)
		}
		for _, se := range subentries {
			name := se.Name()
			if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".log") {
				continue
			}
			src := filepath.Join(dpath, name)
			dest := filepath.Join(sublogdir, name)
			if err := os.Rename(src, dest); err != nil {
				return fmt.Errorf("builder: moving %s: %w", src, err)
			}
		}
	}
	return nil
}
