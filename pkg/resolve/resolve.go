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

// Package resolve pins every component of an overlay document to
// concrete git revisions by mirroring its upstream and packaging
// repositories.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	purl "github.com/package-url/packageurl-go"
	"golang.org/x/sync/errgroup"

	"github.com/overlayctl/overlayctl/pkg/mirror"
	"github.com/overlayctl/overlayctl/pkg/overlay"
)

// GeneratedComment is the sentinel the resolver attaches to every
// emitted pinned overlay document.
const GeneratedComment = "Generated by overlayctl from overlay.yml: DO NOT EDIT!"

// Override redirects a specific component's source to a different URL
// and/or ref, and causes that component to always be fetched.
type Override struct {
	// Component is the overlay component name this override targets.
	Component string
	URL       string
	Ref       string
}

// Options configures a resolve pass.
type Options struct {
	// FetchAll forces a `git fetch` against every mirror, even ones
	// already on disk.
	FetchAll bool
	// Fetch names components to fetch even when FetchAll is false.
	Fetch []string
	// Overrides redirects named components to a different source.
	Overrides []Override
}

// Resolver pins overlay components via a Mirror.
type Resolver struct {
	Mirror *mirror.Mirror
}

// New returns a Resolver backed by m.
func New(m *mirror.Mirror) *Resolver {
	return &Resolver{Mirror: m}
}

func (o Options) shouldFetch(name string) bool {
	if o.FetchAll {
		return true
	}
	for _, n := range o.Fetch {
		if n == name {
			return true
		}
	}
	return false
}

func (o Options) overrideFor(name string) *Override {
	for i := range o.Overrides {
		if o.Overrides[i].Component == name {
			return &o.Overrides[i]
		}
	}
	return nil
}

// Resolve pins every component in doc to a concrete revision, mutating
// doc in place, then strips aliases and attaches the generated-document
// sentinel. Components are resolved one at a time in document order
// (the errgroup is limited to a single goroutine), since two components
// may name the same repository and Mirror operations on one repository
// must not interleave. It returns the names of components an override
// matched.
func (r *Resolver) Resolve(ctx context.Context, doc *overlay.Document, opts Options) ([]string, error) {
	log := clog.FromContext(ctx)

	var (
		mu         sync.Mutex
		overridden []string
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(1)
	for _, c := range doc.Components {
		c := c
		eg.Go(func() error {
			matched, err := r.resolveComponent(egCtx, c, opts)
			if err != nil {
				return fmt.Errorf("resolving component %s: %w", c.Name, err)
			}
			if matched {
				mu.Lock()
				overridden = append(overridden, c.Name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	log.Infof("resolved %d components", len(doc.Components))

	doc.Aliases = nil
	doc.Comment = GeneratedComment
	return overridden, nil
}

func (r *Resolver) resolveComponent(ctx context.Context, c *overlay.Component, opts Options) (bool, error) {
	matched := false
	ref := c.Ref()
	srcURL := c.Src

	if ov := opts.overrideFor(c.Name); ov != nil {
		matched = true
		if ov.URL != "" {
			srcURL = &overlay.URLRef{URL: ov.URL}
		}
		if ov.Ref != "" {
			ref = ov.Ref
		}
	}

	if c.Kind != overlay.SourcePackagingOnly && srcURL != nil {
		doFetch := opts.shouldFetch(c.Name) || matched
		revision, err := r.Mirror.Mirror(ctx, srcURL.URL, ref, doFetch)
		if err != nil {
			return matched, fmt.Errorf("mirroring source: %w", err)
		}
		c.Revision = revision
		c.PURL = componentPURL(srcURL.URL, revision)
	}

	if c.Distgit != nil {
		dgRef := c.Distgit.Ref()
		doFetch := opts.shouldFetch(c.Name) || matched
		revision, err := r.Mirror.Mirror(ctx, c.Distgit.Src.URL, dgRef, doFetch)
		if err != nil {
			return matched, fmt.Errorf("mirroring distgit: %w", err)
		}
		c.Distgit.Revision = revision
	}

	return matched, nil
}

// componentPURL derives a best-effort package URL for the pinned source,
// using purl.TypeGithub for github.com sources and purl.TypeGeneric with
// a download_url qualifier otherwise.
func componentPURL(rawURL, revision string) string {
	if namespace, name, ok := githubNamespaceAndName(rawURL); ok {
		u := purl.PackageURL{
			Type:      purl.TypeGithub,
			Namespace: namespace,
			Name:      name,
			Version:   revision,
		}
		if err := u.Normalize(); err == nil {
			return u.String()
		}
	}

	u := purl.PackageURL{
		Type:       purl.TypeGeneric,
		Name:       rawURL,
		Version:    revision,
		Qualifiers: purl.QualifiersFromMap(map[string]string{"download_url": rawURL}),
	}
	return u.String()
}

func githubNamespaceAndName(rawURL string) (namespace, name string, ok bool) {
	for _, prefix := range []string{"https://github.com/", "git@github.com:", "ssh://git@github.com/"} {
		if !strings.HasPrefix(rawURL, prefix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(rawURL, prefix), ".git")
		namespace, name, found := strings.Cut(rest, "/")
		if !found {
			return "", "", false
		}
		return namespace, name, true
	}
	return "", "", false
}
