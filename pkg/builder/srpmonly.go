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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/overlayctl/overlayctl/internal/fsops"
	"github.com/overlayctl/overlayctl/internal/swapdir"
	"github.com/overlayctl/overlayctl/pkg/overlay"
)

// SRPMComponent is one component to build into a source package only,
// without a subsequent binary build: the packaging snapshot directory
// (a ".srcsnap/" tree) and the spec file within it.
type SRPMComponent struct {
	Overlay    *overlay.Component
	SrcsnapDir string
	SpecPath   string
}

// BuildSRPMOnly produces a .src.rpm for each component without driving
// a binary build afterward: a lower-cost local verification path. Unlike
// Build, there is no interdependency between components (an SRPM never
// needs another component's binary output), so failures are independent
// and not retried.
func (b *Builder) BuildSRPMOnly(ctx context.Context, dir *swapdir.Dir, components []SRPMComponent, opts Options) (map[string]string, error) {
	log := clog.FromContext(ctx)

	stagingDir, err := dir.Prepare("")
	if err != nil {
		return nil, fmt.Errorf("builder: preparing srpm staging dir: %w", err)
	}

	configDir, chrootName, err := renderMockConfig(opts.OverlayDir, opts.RootMock, stagingDir, nil)
	if err != nil {
		return nil, err
	}

	srpms := make(map[string]string, len(components))
	var failures []string
	for _, c := range components {
		path, err := b.buildOneSRPM(ctx, stagingDir, configDir, chrootName, c, opts)
		if err != nil {
			log.Warnf("failed to produce srpm for %s: %v", c.Overlay.Pkgname, err)
			failures = append(failures, c.Overlay.Pkgname)
			continue
		}
		srpms[c.Overlay.Pkgname] = path
	}

	if err := dir.Commit(); err != nil {
		return srpms, fmt.Errorf("builder: committing srpm dir: %w", err)
	}

	if len(failures) > 0 {
		return srpms, fmt.Errorf("builder: failed to produce srpms for: %s", strings.Join(failures, ", "))
	}
	return srpms, nil
}

func (b *Builder) buildOneSRPM(ctx context.Context, stagingDir, configDir, chrootName string, c SRPMComponent, opts Options) (string, error) {
	resdir := filepath.Join(stagingDir, c.Overlay.Pkgname, "srpm")
	if err := fsops.EnsureCleanDir(resdir); err != nil {
		return "", err
	}

	args := []string{
		"--configdir", configDir,
		"-r", chrootName,
		"--old-chroot",
		"--yum",
		"--buildsrpm",
		"--spec", c.SpecPath,
		"--sources", c.SrcsnapDir,
		"--resultdir", resdir,
		"--no-cleanup-after",
	}
	if err := b.Runner.Run(ctx, "", opts.builderBinary(), args...); err != nil {
		return "", fmt.Errorf("builder: producing srpm for %s: %w", c.Overlay.Pkgname, err)
	}

	entries, err := os.ReadDir(resdir)
	if err != nil {
		return "", fmt.Errorf("builder: listing %s: %w", resdir, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".src.rpm") {
			return filepath.Join(resdir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("builder: no .src.rpm produced for %s in %s", c.Overlay.Pkgname, resdir)
}
