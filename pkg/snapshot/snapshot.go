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

// Package snapshot materializes a pinned overlay document into a tree of
// per-component ".srcsnap" directories: a reproducible source tarball
// plus a rewritten spec file for components with an upstream, lookaside
// objects hardlinked in for components whose packaging repo references
// them, and a snapshot.json manifest compared byte-for-byte against the
// prior run so unchanged overlays are a no-op.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/overlayctl/overlayctl/internal/fsops"
	"github.com/overlayctl/overlayctl/pkg/canonjson"
	"github.com/overlayctl/overlayctl/pkg/lookaside"
	"github.com/overlayctl/overlayctl/pkg/mirror"
	"github.com/overlayctl/overlayctl/pkg/overlay"
	"github.com/overlayctl/overlayctl/pkg/snapshottar"
	"github.com/overlayctl/overlayctl/pkg/specfile"
)

// manifestName is the pinned-overlay manifest written alongside the
// snapshot directories.
const manifestName = "snapshot.json"

// Snapshotter turns a pinned overlay document into a directory of
// per-component snapshots.
type Snapshotter struct {
	Mirror     *mirror.Mirror
	Lookaside  *lookaside.Cache
	ScratchDir string // working directory for checkouts; defaults to os.TempDir()

	// SourceURL builds the fetch URL for a lookaside object; defaults to
	// the Lookaside cache's BaseURL + the object's filename.
	SourceURL func(sourceEntry) string
}

// Result reports whether the snapshot set changed relative to the prior
// run.
type Result struct {
	Changed bool
	Dir     string
}

func (s *Snapshotter) scratchDir() string {
	if s.ScratchDir != "" {
		return s.ScratchDir
	}
	return os.TempDir()
}

func (s *Snapshotter) sourceURL(e sourceEntry) string {
	if s.SourceURL != nil {
		return s.SourceURL(e)
	}
	return s.Lookaside.BaseURL + "/" + e.File
}

// Snapshot materializes doc's components into snapshotDir, emitting
// snapshot.json. If the resulting manifest is byte-identical to
// snapshotDir's existing snapshot.json, the staged snapshot is
// discarded and Result.Changed is false.
func (s *Snapshotter) Snapshot(ctx context.Context, doc *overlay.Document, snapshotDir string) (Result, error) {
	log := clog.FromContext(ctx)

	stagingDir := snapshotDir + ".staging"
	if err := fsops.EnsureCleanDir(stagingDir); err != nil {
		return Result{}, fmt.Errorf("snapshot: preparing staging dir: %w", err)
	}

	for _, c := range doc.Components {
		if err := s.snapshotComponent(ctx, stagingDir, c); err != nil {
			_ = fsops.RemoveAll(stagingDir)
			return Result{}, fmt.Errorf("snapshot: component %s: %w", c.Name, err)
		}
	}

	manifest, err := canonjson.MarshalIndent(doc, "    ")
	if err != nil {
		_ = fsops.RemoveAll(stagingDir)
		return Result{}, fmt.Errorf("snapshot: serializing manifest: %w", err)
	}

	existing, err := os.ReadFile(filepath.Join(snapshotDir, manifestName)) // #nosec G304 - fixed filename under a caller-controlled directory
	if err == nil && bytes.Equal(existing, manifest) {
		log.Infof("snapshot unchanged, discarding staged snapshot")
		if err := fsops.RemoveAll(stagingDir); err != nil {
			return Result{}, err
		}
		return Result{Changed: false, Dir: snapshotDir}, nil
	}

	if err := os.WriteFile(filepath.Join(stagingDir, manifestName), manifest, 0o644); err != nil { // #nosec G306
		_ = fsops.RemoveAll(stagingDir)
		return Result{}, fmt.Errorf("snapshot: writing manifest: %w", err)
	}

	backup := snapshotDir + ".old"
	if err := fsops.RemoveAll(backup); err != nil {
		return Result{}, err
	}
	if exists, err := fsops.Exists(snapshotDir); err != nil {
		return Result{}, err
	} else if exists {
		if err := os.Rename(snapshotDir, backup); err != nil {
			return Result{}, fmt.Errorf("snapshot: rotating prior snapshot aside: %w", err)
		}
	}
	if err := os.Rename(stagingDir, snapshotDir); err != nil {
		return Result{}, fmt.Errorf("snapshot: publishing staged snapshot: %w", err)
	}
	if err := fsops.RemoveAll(backup); err != nil {
		return Result{}, err
	}

	log.Infof("published snapshot with %d components", len(doc.Components))
	return Result{Changed: true, Dir: snapshotDir}, nil
}

func (s *Snapshotter) snapshotComponent(ctx context.Context, stagingDir string, c *overlay.Component) error {
	log := clog.FromContext(ctx)

	scratch, err := os.MkdirTemp(s.scratchDir(), "overlayctl-snapshot-")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() { _ = fsops.RemoveAll(scratch) }()

	hasUpstream := c.Kind != overlay.SourcePackagingOnly && c.Src != nil
	hasDistgit := c.Distgit != nil

	var upstreamDir string
	var upstreamTag string
	var upstreamOK bool
	var description string
	if hasUpstream {
		upstreamDir = filepath.Join(scratch, "upstream")
		if err := s.Mirror.Checkout(ctx, c.Src.URL, c.Revision, upstreamDir); err != nil {
			return fmt.Errorf("checking out upstream: %w", err)
		}
		upstreamTag, upstreamOK, err = s.Mirror.DescribeTag(ctx, c.Src.URL, c.Revision)
		if err != nil {
			return fmt.Errorf("describing upstream tag: %w", err)
		}
		descTag, _, err := s.Mirror.Describe(ctx, c.Src.URL, c.Revision)
		if err != nil {
			return fmt.Errorf("describing upstream: %w", err)
		}
		description = c.Name + "-" + descTag
	}

	pkgDir := upstreamDir
	if hasDistgit {
		pkgDir = filepath.Join(scratch, "distgit")
		if err := s.Mirror.Checkout(ctx, c.Distgit.Src.URL, c.Distgit.Revision, pkgDir); err != nil {
			return fmt.Errorf("checking out distgit: %w", err)
		}
	}
	if pkgDir == "" {
		return fmt.Errorf("component has neither an upstream nor a packaging checkout")
	}

	primaryRevision := c.Revision
	if !hasUpstream {
		primaryRevision = c.Distgit.Revision
	}
	var distgitDescription string
	var distgitOK bool
	if hasDistgit {
		distgitDescription, distgitOK, err = s.Mirror.DescribeTag(ctx, c.Distgit.Src.URL, c.Distgit.Revision)
		if err != nil {
			return fmt.Errorf("describing distgit tag: %w", err)
		}
	}
	vr := computeVersionRelease(c.Pkgname, upstreamTag, upstreamOK, primaryRevision, distgitDescription, distgitOK)
	vr.Description = description

	if hasUpstream {
		tarName := fmt.Sprintf("%s-%s.tar.gz", c.Name, vr.Version)
		if err := s.writeSourceTar(ctx, upstreamDir, c.Revision, description, filepath.Join(pkgDir, tarName)); err != nil {
			return err
		}
	}

	if err := s.rewriteSpec(ctx, pkgDir, c, vr, hasUpstream); err != nil {
		return err
	}

	if err := populateLookasideObjects(ctx, s.Lookaside, pkgDir, s.sourceURL); err != nil {
		return err
	}

	name := snapshotDirName(c.Pkgname, vr)
	dest := filepath.Join(stagingDir, name)
	if err := os.Rename(pkgDir, dest); err != nil {
		return fmt.Errorf("moving packaging checkout into snapshot dir: %w", err)
	}
	c.Srcsnap = name
	log.Infof("snapshotted %s -> %s", c.Name, name)
	return nil
}

func (s *Snapshotter) writeSourceTar(ctx context.Context, upstreamDir, revision, prefix, destPath string) error {
	mtime, err := s.Mirror.CommitTime(upstreamDir, revision)
	if err != nil {
		return fmt.Errorf("reading commit time: %w", err)
	}
	patterns, err := loadIgnorePatterns(upstreamDir)
	if err != nil {
		return err
	}

	out, err := os.Create(destPath) // #nosec G304 - destination is inside a scratch checkout this process created
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer out.Close()

	err = snapshottar.Write(out, upstreamDir, snapshottar.Options{
		Prefix:          prefix,
		SourceDateEpoch: mtime,
		Exclude:         ignoreFunc(patterns),
	})
	if err != nil {
		return fmt.Errorf("writing source tarball: %w", err)
	}
	return out.Close()
}

// rewriteSpec rewrites Source/Version/Release/%setup/changelog/patches
// for components with an upstream; for packaging-only components it
// normalizes only release and changelog.
func (s *Snapshotter) rewriteSpec(ctx context.Context, pkgDir string, c *overlay.Component, vr versionRelease, hasUpstream bool) error {
	specName, err := specfile.FindSpecFile(pkgDir)
	if err != nil {
		return fmt.Errorf("locating spec file: %w", err)
	}
	specPath := filepath.Join(pkgDir, specName)
	spec, err := specfile.Load(specPath)
	if err != nil {
		return err
	}

	if hasUpstream {
		tarName := fmt.Sprintf("%s-%s.tar.gz", c.Name, vr.Version)
		spec.SetSource(tarName)
		if err := spec.SetSetupDirname(vr.Description); err != nil {
			return fmt.Errorf("rewriting %%setup dirname: %w", err)
		}
		if c.Distgit != nil && c.Distgit.Patches == "drop" {
			spec.WipePatches()
		}
		spec.SetTag("Version", vr.Version)
	}

	dist := "%{?dist}"
	if err := spec.SetRelease(ctx, vr.Release, &dist); err != nil {
		return fmt.Errorf("rewriting Release: %w", err)
	}
	spec.DeleteChangelog()

	if err := spec.Save(); err != nil {
		return err
	}
	return nil
}
