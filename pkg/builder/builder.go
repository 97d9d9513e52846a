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

// Package builder drives the external sandboxed RPM builder across a
// set of pinned, snapshotted components: cache-aware component
// selection, per-component invocation, result classification, a
// retry-until-no-progress loop, and the commit/abandon of the build
// output's SwappedDir.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/overlayctl/overlayctl/internal/fsops"
	"github.com/overlayctl/overlayctl/internal/procrunner"
	"github.com/overlayctl/overlayctl/internal/swapdir"
	"github.com/overlayctl/overlayctl/pkg/cache"
	"github.com/overlayctl/overlayctl/pkg/overlay"
	"github.com/overlayctl/overlayctl/pkg/rpmindex"
)

// ErrNoProgress is returned when an entire retry pass fails to build any
// additional component.
var ErrNoProgress = errors.New("builder: retry pass made no progress")

// Component is one overlay component staged for a build pass: the
// pinned record used for fingerprinting, plus the snapshot-produced
// source package handed to the external builder.
type Component struct {
	Overlay *overlay.Component
	// SRPM is the path to the pre-built source package, named
	// "{dirname}.temp.src.rpm" or "{dirname}.src.rpm".
	SRPM string
}

func (c Component) dirname() string {
	base := filepath.Base(c.SRPM)
	if strings.HasSuffix(base, ".temp.src.rpm") {
		return strings.TrimSuffix(base, ".temp.src.rpm")
	}
	return strings.TrimSuffix(base, ".src.rpm")
}

// Options configures one Build invocation.
type Options struct {
	// OverlayDir is the overlay document's real (symlink-resolved)
	// directory, used to resolve a relative root.mock path.
	OverlayDir string
	// RootMock is root.mock from the overlay document.
	RootMock string
	// BuilderBinary overrides the external builder binary (default "mock").
	BuilderBinary string
	// LogDir, if set, receives moved per-component logs under
	// success/ and failed/.
	LogDir string
	// TouchIfChanged, if set, is touched when the build output changes.
	TouchIfChanged string
	// ExtraRepos are additional repositories appended to the rendered
	// builder configuration, beyond the local staging repo.
	ExtraRepos []ExtraRepo
}

func (o Options) builderBinary() string {
	if o.BuilderBinary != "" {
		return o.BuilderBinary
	}
	return "mock"
}

// Builder drives the external builder and indexer.
type Builder struct {
	Runner  procrunner.Runner
	Indexer *rpmindex.Indexer
}

// New returns a Builder whose Indexer shells out to the default indexer
// command.
func New(runner procrunner.Runner) *Builder {
	return &Builder{Runner: runner, Indexer: rpmindex.New(runner)}
}

// Result summarizes one Build invocation.
type Result struct {
	// Committed reports whether the staging generation was published
	// (a build ran, or the component set changed).
	Committed bool
	// Built lists pkgnames that were (re)built successfully this pass,
	// in build order.
	Built []string
}

// Build prepares the next generation of dir, decides via the build
// cache which components need rebuilding, drives the external builder
// for those, classifies and persists results, and commits or abandons
// the generation.
func (b *Builder) Build(ctx context.Context, dir *swapdir.Dir, partialDir string, components []Component, opts Options) (Result, error) {
	log := clog.FromContext(ctx)

	stagingDir, err := dir.Prepare(partialDir)
	if err != nil {
		return Result{}, fmt.Errorf("builder: preparing staging dir: %w", err)
	}

	committed, err := cache.LoadState(dir.LivePath())
	if err != nil {
		return Result{}, err
	}
	partial, err := cache.LoadState(partialDir)
	if err != nil {
		return Result{}, err
	}

	newState := cache.State{}
	var toBuild []Component
	needCreaterepo := len(committed) != len(components)

	for _, c := range components {
		decision, err := cache.Plan(c.Overlay, committed, partial, dir.LivePath(), partialDir, stagingDir)
		if err != nil {
			return Result{}, err
		}
		if !decision.NeedsBuild {
			newState[c.Overlay.Pkgname] = decision.Record
			continue
		}
		toBuild = append(toBuild, c)
		needCreaterepo = true
	}

	if err := fsops.RemoveAll(partialDir); err != nil {
		return Result{}, err
	}

	res := Result{}
	if len(toBuild) > 0 {
		log.Infof("building %d component(s)", len(toBuild))

		configDir, chrootName, err := renderMockConfig(opts.OverlayDir, opts.RootMock, stagingDir, opts.ExtraRepos)
		if err != nil {
			return Result{}, err
		}

		if err := b.Indexer.Index(ctx, stagingDir, false); err != nil {
			return Result{}, err
		}

		built, buildErr := b.buildWithRetry(ctx, stagingDir, configDir, chrootName, toBuild, opts)
		res.Built = built
		for _, c := range toBuild {
			if contains(built, c.Overlay.Pkgname) {
				fp, err := cache.Fingerprint(c.Overlay)
				if err != nil {
					return Result{}, err
				}
				newState[c.Overlay.Pkgname] = cache.Record{HashV0: fp, Dirname: c.dirname()}
			}
		}

		if opts.LogDir != "" {
			if err := moveLogsToLogDir(stagingDir, opts.LogDir); err != nil {
				return Result{}, err
			}
		}
		if buildErr != nil {
			// Leave the successes' records in the uncommitted staging
			// generation; the next Prepare saves it as the partial dir.
			if err := cache.SaveState(stagingDir, newState); err != nil {
				return res, errors.Join(buildErr, err)
			}
			return res, buildErr
		}
	} else if needCreaterepo {
		log.Infof("no build needed, but component set changed")
	}

	if needCreaterepo {
		if err := b.Indexer.Index(ctx, stagingDir, true); err != nil {
			return Result{}, err
		}
		if err := cache.SaveState(stagingDir, newState); err != nil {
			return Result{}, err
		}
		if err := dir.Commit(); err != nil {
			return Result{}, fmt.Errorf("builder: committing: %w", err)
		}
		if opts.TouchIfChanged != "" {
			if err := touch(opts.TouchIfChanged); err != nil {
				return Result{}, err
			}
		}
		res.Committed = true
		log.Infof("build committed")
	} else {
		if err := dir.Abandon(); err != nil {
			return Result{}, fmt.Errorf("builder: abandoning: %w", err)
		}
		log.Infof("no changes")
	}

	return res, nil
}

// buildWithRetry drives each pending component through the external
// builder, retrying only the failed subset each pass, and stops once a
// pass fails to build anything new.
func (b *Builder) buildWithRetry(ctx context.Context, stagingDir, configDir, chrootName string, pending []Component, opts Options) ([]string, error) {
	log := clog.FromContext(ctx)
	uniqueext := "overlayctl-" + uuid.New().String()[:8]

	var built []string
	remaining := pending
	for len(remaining) > 0 {
		var failed []Component
		progressed := false
		for _, c := range remaining {
			status, err := b.buildOne(ctx, stagingDir, configDir, chrootName, uniqueext, c, opts)
			if err != nil {
				return built, err
			}
			if status == StatusSuccess {
				log.Infof("built %s", c.Overlay.Pkgname)
				built = append(built, c.Overlay.Pkgname)
				progressed = true
				if err := b.Indexer.Index(ctx, stagingDir, true); err != nil {
					return built, err
				}
			} else {
				log.Warnf("failed to build %s: %s", c.Overlay.Pkgname, status)
				failed = append(failed, c)
			}
		}
		if len(failed) == 0 {
			return built, nil
		}
		if !progressed {
			names := make([]string, len(failed))
			for i, c := range failed {
				names[i] = c.Overlay.Pkgname
			}
			return built, fmt.Errorf("%w: %s", ErrNoProgress, strings.Join(names, ", "))
		}
		log.Infof("some packages succeeded, retrying %d failed package(s)", len(failed))
		remaining = failed
	}
	return built, nil
}

func (b *Builder) buildOne(ctx context.Context, stagingDir, configDir, chrootName, uniqueext string, c Component, opts Options) (Status, error) {
	resdir := filepath.Join(stagingDir, c.dirname())
	if err := fsops.EnsureCleanDir(resdir); err != nil {
		return "", err
	}

	args := []string{
		"--configdir", configDir,
		"--uniqueext", uniqueext,
		"-r", chrootName,
		"--nocheck",
		"--yum",
		"--resultdir", resdir,
		"--no-cleanup-after",
	}
	for _, w := range c.Overlay.RPMWith {
		args = append(args, "--with", w)
	}
	for _, w := range c.Overlay.RPMWithout {
		args = append(args, "--without", w)
	}
	args = append(args, c.SRPM)

	runErr := b.Runner.Run(ctx, "", opts.builderBinary(), args...)

	var exitErr *procrunner.ExitError
	exitedZero := runErr == nil
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return "", fmt.Errorf("builder: invoking %s: %w", opts.builderBinary(), runErr)
	}

	var errOut strings.Builder
	status, err := classify(resdir, exitedZero, &errOut)
	if err != nil {
		return "", err
	}
	if errOut.Len() > 0 {
		clog.FromContext(ctx).Errorf("%s build errors:\n%s", c.Overlay.Pkgname, errOut.String())
	}
	if err := writeStatusJSON(resdir, status); err != nil {
		return "", err
	}
	return status, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			f, cerr := os.Create(path) // #nosec G304 - operator-supplied touch target
			if cerr != nil {
				return fmt.Errorf("builder: touching %s: %w", path, cerr)
			}
			return f.Close()
		}
		return fmt.Errorf("builder: touching %s: %w", path, err)
	}
	return nil
}
