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

// Package mirror manages a content-addressed directory of bare git
// repositories, recursively mirroring submodules, pinning refs to
// concrete commits, and checking out working trees for the snapshot
// stage.
package mirror

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/overlayctl/overlayctl/internal/fsops"
	"github.com/overlayctl/overlayctl/internal/procrunner"
)

// Mirror is a content-addressed bare-clone root. Operations on a single
// logical repository within it must not be interleaved with themselves;
// operations on distinct repositories are independent.
type Mirror struct {
	Root   string
	Runner procrunner.Runner
}

// New returns a Mirror rooted at root. It does not touch the filesystem;
// directories under root are created by the first Mirror call that
// clones into them.
func New(root string) *Mirror {
	return &Mirror{Root: root}
}

// CanonicalPath returns the bare-clone directory a URL maps to:
// {root}/{scheme}/{host}/{path, trailing .git stripped}.
func (m *Mirror) CanonicalPath(rawURL string) (string, error) {
	scheme, host, path, err := splitGitURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("mirror: %w", err)
	}
	path = strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".git")
	return filepath.Join(m.Root, scheme, host, path), nil
}

// splitGitURL decomposes a git remote URL into scheme/host/path,
// accepting both standard "scheme://host/path" URLs and SCP-like
// "user@host:path" shorthand (treated as the "ssh" scheme).
func splitGitURL(raw string) (scheme, host, path string, err error) {
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", "", fmt.Errorf("parsing url %q: %w", raw, err)
		}
		return u.Scheme, u.Host, u.Path, nil
	}
	if strings.HasPrefix(raw, "/") {
		return "file", "", raw, nil
	}
	at := strings.LastIndexByte(raw, '@')
	colon := strings.IndexByte(raw[at+1:], ':')
	if colon == -1 {
		return "", "", "", fmt.Errorf("unrecognized git url %q", raw)
	}
	colon += at + 1
	return "ssh", raw[at+1 : colon], raw[colon+1:], nil
}

// makeAbsoluteURL resolves a submodule's relative URL (one or more
// "../" segments) against its parent repository's URL. A URL that does
// not start with "../" is returned unchanged.
func makeAbsoluteURL(parent, relpath string) (string, error) {
	if !strings.HasPrefix(relpath, "../") {
		return relpath, nil
	}
	parent = strings.TrimSuffix(parent, "/")
	methodIdx := strings.Index(parent, "://")
	if methodIdx == -1 {
		return "", fmt.Errorf("parent url %q has no scheme", parent)
	}
	firstSlash := strings.IndexByte(parent[methodIdx+3:], '/')
	if firstSlash == -1 {
		return "", fmt.Errorf("parent url %q has no path", parent)
	}
	firstSlash += methodIdx + 3

	base := parent
	for strings.HasPrefix(relpath, "../") {
		i := strings.LastIndexByte(base, '/')
		if i == -1 || i < firstSlash {
			return "", fmt.Errorf("relative submodule path %q is too long for parent %q", relpath, parent)
		}
		relpath = relpath[3:]
		base = base[:i]
	}
	if relpath == "" {
		return base, nil
	}
	return base + "/" + relpath, nil
}

// Submodule describes one entry of a resolved tree's .gitmodules list.
type Submodule struct {
	Name     string
	URL      string
	Checksum string
}

// Mirror ensures a bare clone of url exists at its canonical location,
// fetching if fetch is true, then resolves ref to a concrete commit and
// recursively mirrors its submodules at their pinned commits. Returns
// the resolved commit id.
func (m *Mirror) Mirror(ctx context.Context, rawURL, ref string, fetch bool) (string, error) {
	log := clog.FromContext(ctx)
	dir, err := m.CanonicalPath(rawURL)
	if err != nil {
		return "", err
	}

	tmp := dir + ".tmp"
	if err := fsops.RemoveAll(tmp); err != nil {
		return "", fmt.Errorf("mirror: clearing stale tmp for %s: %w", rawURL, err)
	}

	exists, err := fsops.Exists(dir)
	if err != nil {
		return "", fmt.Errorf("mirror: checking %s: %w", dir, err)
	}
	switch {
	case !exists:
		log.Infof("mirroring %s", rawURL)
		if err := fsops.EnsureDir(filepath.Dir(tmp)); err != nil {
			return "", fmt.Errorf("mirror: preparing parent of %s: %w", tmp, err)
		}
		if err := m.Runner.Run(ctx, "", "git", "clone", "--mirror", rawURL, tmp); err != nil {
			return "", fmt.Errorf("mirror: cloning %s: %w", rawURL, err)
		}
		if err := m.Runner.Run(ctx, tmp, "git", "config", "gc.auto", "0"); err != nil {
			return "", fmt.Errorf("mirror: disabling gc.auto for %s: %w", rawURL, err)
		}
		if err := os.Rename(tmp, dir); err != nil {
			return "", fmt.Errorf("mirror: committing clone of %s: %w", rawURL, err)
		}
	case fetch:
		log.Infof("fetching %s", rawURL)
		if err := m.Runner.Run(ctx, dir, "git", "fetch"); err != nil {
			return "", fmt.Errorf("mirror: fetching %s: %w", rawURL, err)
		}
	}

	revision, err := m.revparse(dir, ref)
	if err != nil {
		return "", fmt.Errorf("mirror: resolving %q in %s: %w", ref, rawURL, err)
	}

	submodules, err := m.listSubmodules(ctx, dir, revision)
	if err != nil {
		return "", fmt.Errorf("mirror: enumerating submodules of %s@%s: %w", rawURL, revision, err)
	}
	for _, sub := range submodules {
		subURL := sub.URL
		if strings.HasPrefix(subURL, "../") {
			subURL, err = makeAbsoluteURL(rawURL, subURL)
			if err != nil {
				return "", fmt.Errorf("mirror: resolving submodule %s url: %w", sub.Name, err)
			}
		}
		log.Infof("processing submodule %s (%s)", sub.Name, subURL)
		if _, err := m.Mirror(ctx, subURL, sub.Checksum, fetch); err != nil {
			return "", fmt.Errorf("mirror: submodule %s: %w", sub.Name, err)
		}
	}

	return revision, nil
}

func (m *Mirror) revparse(dir, ref string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", dir, err)
	}
	rev := plumbing.Revision(ref)
	hash, err := repo.ResolveRevision(rev)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", ref, err)
	}
	return hash.String(), nil
}

// listSubmodules checks out revision into a scratch worktree cloned
// from dir and enumerates its submodules.
func (m *Mirror) listSubmodules(ctx context.Context, dir, revision string) ([]Submodule, error) {
	scratch, err := os.MkdirTemp("", "overlayctl-mirror-scratch-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() { _ = fsops.RemoveAll(scratch) }()

	repo, err := git.PlainCloneContext(ctx, scratch, false, &git.CloneOptions{
		URL:        dir,
		NoCheckout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scratch-cloning %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening scratch worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(revision),
		Force: true,
	}); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", revision, err)
	}

	subs, err := wt.Submodules()
	if err != nil {
		return nil, fmt.Errorf("listing submodules: %w", err)
	}

	out := make([]Submodule, 0, len(subs))
	for _, sub := range subs {
		cfg := sub.Config()
		status, err := sub.Status()
		if err != nil {
			return nil, fmt.Errorf("reading status of submodule %s: %w", cfg.Name, err)
		}
		out = append(out, Submodule{
			Name:     cfg.Name,
			URL:      cfg.URL,
			Checksum: status.Expected.String(),
		})
	}
	return out, nil
}

// Describe returns the `git describe --tags --always` description of
// revision (an abbreviated commit id when no tag is reachable) plus the
// revision itself, shelling out to `git describe` since go-git has no
// equivalent of `git describe --tags`.
func (m *Mirror) Describe(ctx context.Context, rawURL, revision string) (tag string, rev string, err error) {
	dir, err := m.CanonicalPath(rawURL)
	if err != nil {
		return "", "", err
	}
	res, err := m.Runner.Capture(ctx, dir, "git", "describe", "--tags", "--always", revision)
	if err != nil {
		// git describe itself failed (e.g. an unknown revision): return an
		// empty description and the bare revision, without an error.
		return "", revision, nil //nolint:nilerr
	}
	return strings.TrimSpace(res.Stdout), revision, nil
}

// DescribeTag returns the nearest tag reachable from revision, with no
// fallback: ok is false when no tag is reachable at all (as opposed to
// Describe, which falls back to an abbreviated revision). Used by the
// Snapshotter to distinguish "tagged" from "untagged" for version
// derivation.
func (m *Mirror) DescribeTag(ctx context.Context, rawURL, revision string) (tag string, ok bool, err error) {
	dir, err := m.CanonicalPath(rawURL)
	if err != nil {
		return "", false, err
	}
	res, err := m.Runner.Capture(ctx, dir, "git", "describe", "--tags", revision)
	if err != nil {
		// No reachable tag: not an error condition for the caller.
		return "", false, nil //nolint:nilerr
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

// CommitTime returns the commit timestamp of revision in the checkout at
// destdir (already populated by Checkout), used to fix a snapshot
// tarball's entry mtimes for reproducibility.
func (m *Mirror) CommitTime(destdir, revision string) (time.Time, error) {
	repo, err := git.PlainOpen(destdir)
	if err != nil {
		return time.Time{}, fmt.Errorf("mirror: opening %s: %w", destdir, err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return time.Time{}, fmt.Errorf("mirror: reading commit %s in %s: %w", revision, destdir, err)
	}
	return commit.Committer.When, nil
}

// Checkout populates destdir with the tree at revision, plus recursively
// checked-out submodules.
func (m *Mirror) Checkout(ctx context.Context, rawURL, revision, destdir string) error {
	dir, err := m.CanonicalPath(rawURL)
	if err != nil {
		return err
	}
	if err := fsops.EnsureCleanDir(destdir); err != nil {
		return fmt.Errorf("checkout: preparing %s: %w", destdir, err)
	}

	repo, err := git.PlainCloneContext(ctx, destdir, false, &git.CloneOptions{
		URL:        dir,
		NoCheckout: true,
	})
	if err != nil {
		return fmt.Errorf("checkout: cloning %s into %s: %w", rawURL, destdir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("checkout: opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(revision),
		Force: true,
	}); err != nil {
		return fmt.Errorf("checkout: checking out %s: %w", revision, err)
	}

	subs, err := wt.Submodules()
	if err != nil {
		return fmt.Errorf("checkout: listing submodules: %w", err)
	}
	for _, sub := range subs {
		cfg := sub.Config()
		status, err := sub.Status()
		if err != nil {
			return fmt.Errorf("checkout: submodule %s status: %w", cfg.Name, err)
		}
		subURL := cfg.URL
		if strings.HasPrefix(subURL, "../") {
			subURL, err = makeAbsoluteURL(rawURL, subURL)
			if err != nil {
				return fmt.Errorf("checkout: submodule %s url: %w", cfg.Name, err)
			}
		}
		subDest := filepath.Join(destdir, cfg.Path)
		if err := m.Checkout(ctx, subURL, status.Expected.String(), subDest); err != nil {
			return fmt.Errorf("checkout: submodule %s: %w", cfg.Name, err)
		}
	}
	return nil
}
