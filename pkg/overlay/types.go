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

// Package overlay holds the overlay document's data model and the
// loader that validates, expands, and normalizes it.
package overlay

// Alias rewrites URLs of the form "name:suffix" into url+suffix.
type Alias struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	CACertPath string `yaml:"cacertpath,omitempty"`
}

// URLRef is a canonicalized URL plus an optional CA certificate path,
// already resolved relative to the overlay file's real directory.
type URLRef struct {
	URL        string `json:"url" yaml:"url"`
	CACertPath string `json:"cacertpath,omitempty" yaml:"cacertpath,omitempty"`
}

// DistgitDefaults is the overlay-level default packaging configuration.
type DistgitDefaults struct {
	Prefix string `yaml:"prefix"`
	Branch string `yaml:"branch,omitempty"`
}

// Root names the external builder configuration (e.g. a mock root).
type Root struct {
	Mock string `yaml:"mock"`
}

// Document is the top-level overlay.yml document.
type Document struct {
	Aliases    []Alias         `yaml:"aliases,omitempty"`
	Distgit    DistgitDefaults `yaml:"distgit"`
	Root       Root            `yaml:"root"`
	Components []*Component    `yaml:"components"`

	// Comment is the generated-document sentinel the Resolver attaches
	// to the emitted pinned overlay.
	Comment string `yaml:"00comment,omitempty" json:"00comment,omitempty"`
}

// SourceKind discriminates how a component's source is obtained, as an
// explicit tagged variant rather than inferring it from which keys
// happen to be set at runtime.
type SourceKind int

const (
	// SourceUpstream means src names an upstream repository distinct
	// from the packaging repository.
	SourceUpstream SourceKind = iota
	// SourcePackagingOnly means src was absent or the literal token
	// "distgit": the packaging repository doubles as the source.
	SourcePackagingOnly
	// SourceUpstreamInternalSpec means src names an upstream repository
	// whose tree also contains the spec file (spec: internal).
	SourceUpstreamInternalSpec
)

// Distgit describes a component's packaging repository.
type Distgit struct {
	Name    string  `json:"name" yaml:"name"`
	Src     *URLRef `json:"src,omitempty" yaml:"src,omitempty"`
	Patches string  `json:"patches,omitempty" yaml:"patches,omitempty"` // "keep" (default) or "drop"
	Tag     string  `json:"tag,omitempty" yaml:"tag,omitempty"`
	Branch  string  `json:"branch,omitempty" yaml:"branch,omitempty"`
	Freeze  string  `json:"freeze,omitempty" yaml:"freeze,omitempty"`

	// Revision is populated by the Resolver.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// Component is one package in the overlay, after OverlayLoader expansion.
// Fields map 1:1 onto the closed key set a component mapping allows.
type Component struct {
	// Raw input fields (some consumed/normalized during expansion).
	SrcRaw string `json:"-" yaml:"-"` // original string form of `src`, before URLRef resolution

	Src     *URLRef `json:"src,omitempty" yaml:"src,omitempty"`
	Spec    string  `json:"spec,omitempty" yaml:"spec,omitempty"`
	Distgit *Distgit `json:"distgit,omitempty" yaml:"distgit,omitempty"`

	Tag                string   `json:"tag,omitempty" yaml:"tag,omitempty"`
	Branch             string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Freeze             string   `json:"freeze,omitempty" yaml:"freeze,omitempty"`
	SelfBuildRequires  bool     `json:"self-buildrequires,omitempty" yaml:"self-buildrequires,omitempty"`
	RPMWith            []string `json:"rpmwith,omitempty" yaml:"rpmwith,omitempty"`
	RPMWithout         []string `json:"rpmwithout,omitempty" yaml:"rpmwithout,omitempty"`
	SRPMRoot           string   `json:"srpmroot,omitempty" yaml:"srpmroot,omitempty"`
	OverrideVersion    string   `json:"override-version,omitempty" yaml:"override-version,omitempty"`

	// Derived during expansion.
	Name    string `json:"name" yaml:"name"`
	Pkgname string `json:"pkgname,omitempty" yaml:"pkgname,omitempty"`

	// Populated by the Resolver.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
	PURL     string `json:"purl,omitempty" yaml:"purl,omitempty"`

	// Populated by the Snapshotter.
	Srcsnap string `json:"srcsnap,omitempty" yaml:"srcsnap,omitempty"`

	Kind SourceKind `json:"-" yaml:"-"`
}

// Ref returns the first of freeze, branch, tag that is set, i.e. the git
// reference the Resolver should pin to.
func (c *Component) Ref() string {
	switch {
	case c.Freeze != "":
		return c.Freeze
	case c.Branch != "":
		return c.Branch
	default:
		return c.Tag
	}
}

// Ref returns the packaging side's pin reference, same precedence rule.
func (d *Distgit) Ref() string {
	switch {
	case d.Freeze != "":
		return d.Freeze
	case d.Branch != "":
		return d.Branch
	default:
		return d.Tag
	}
}
