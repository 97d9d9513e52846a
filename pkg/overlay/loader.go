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

package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v2"
)

// componentKeys is the closed set of keys allowed on a component
// mapping; any other key is rejected at load time.
var componentKeys = map[string]bool{
	"src": true, "spec": true, "distgit": true, "tag": true, "branch": true,
	"freeze": true, "self-buildrequires": true, "rpmwith": true,
	"rpmwithout": true, "srpmroot": true, "override-version": true,
	"name": true, "pkgname": true,
}

var distgitKeys = map[string]bool{
	"name": true, "src": true, "patches": true, "tag": true, "branch": true, "freeze": true,
}

type rawDoc struct {
	Aliases    []Alias                  `yaml:"aliases"`
	Distgit    DistgitDefaults          `yaml:"distgit"`
	Root       Root                     `yaml:"root"`
	Components []map[string]interface{} `yaml:"components"`
}

// Load reads and validates the overlay document at path, expanding alias
// URLs and filling defaults. The returned datadir
// is the real (symlink-resolved) directory the overlay file lives in,
// used to resolve relative alias certificate paths.
func Load(path string) (*Document, string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - caller-provided overlay path
	if err != nil {
		return nil, "", fmt.Errorf("reading overlay %s: %w", path, err)
	}

	var raw rawDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("parsing overlay %s: %w", path, err)
	}
	if raw.Distgit.Prefix == "" {
		return nil, "", fmt.Errorf("overlay %s: missing distgit.prefix", path)
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolving overlay path %s: %w", path, err)
	}
	datadir := filepath.Dir(realPath)

	doc := &Document{
		Aliases: raw.Aliases,
		Distgit: raw.Distgit,
		Root:    raw.Root,
	}

	for _, rc := range raw.Components {
		comp, err := expandComponent(doc, datadir, rc)
		if err != nil {
			return nil, "", err
		}
		doc.Components = append(doc.Components, comp)
	}

	return doc, datadir, nil
}

func expandComponent(doc *Document, datadir string, rc map[string]interface{}) (*Component, error) {
	for key := range rc {
		if !componentKeys[key] {
			return nil, fmt.Errorf("unknown key %q in component: %v", key, rc)
		}
	}

	c := &Component{}

	srcVal, hasSrc := rc["src"]
	distgitVal, hasDistgit := rc["distgit"]
	if !hasSrc && !hasDistgit {
		return nil, fmt.Errorf("component is missing 'src' or 'distgit': %v", rc)
	}

	if specVal, ok := rc["spec"].(string); ok {
		if specVal != "internal" {
			return nil, fmt.Errorf("unknown spec type %q", specVal)
		}
		c.Spec = specVal
	}

	c.Tag, _ = rc["tag"].(string)
	c.Freeze, _ = rc["freeze"].(string)
	c.Branch, _ = rc["branch"].(string)
	c.SelfBuildRequires, _ = rc["self-buildrequires"].(bool)
	c.RPMWith = toStringSlice(rc["rpmwith"])
	c.RPMWithout = toStringSlice(rc["rpmwithout"])
	c.SRPMRoot, _ = rc["srpmroot"].(string)
	c.OverrideVersion, _ = rc["override-version"].(string)
	if name, ok := rc["name"].(string); ok {
		c.Name = name
	}
	if pkgname, ok := rc["pkgname"].(string); ok {
		c.Pkgname = pkgname
	}

	srcStr, srcIsString := srcVal.(string)

	var dg *Distgit
	if hasDistgit {
		var err error
		dg, err = expandDistgit(distgitVal)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case hasSrc && srcIsString && srcStr != "distgit":
		c.SrcRaw = srcStr
		ref, err := expandURL(doc, datadir, srcStr)
		if err != nil {
			return nil, err
		}
		c.Src = ref
		if c.Name == "" {
			c.Name = urlToProjname(ref.URL)
		}
		if c.Spec == "internal" {
			c.Kind = SourceUpstreamInternalSpec
			dg = nil
		} else {
			c.Kind = SourceUpstream
			if dg == nil {
				dg = &Distgit{}
			}
		}
	default:
		// src absent, or src == "distgit": packaging repo is the source.
		c.Kind = SourcePackagingOnly
		if dg == nil {
			return nil, fmt.Errorf("component is missing 'distgit': %v", rc)
		}
		if dg.Name == "" {
			return nil, fmt.Errorf("component is missing 'distgit.name': %v", rc)
		}
		if c.Name == "" {
			c.Name = dg.Name
		}
	}

	if c.Tag == "" && c.Freeze == "" {
		if c.Branch == "" {
			c.Branch = "master"
		}
	}

	pkgnameDefault := c.Name

	if c.Kind != SourceUpstreamInternalSpec {
		if dg.Name == "" {
			dg.Name = pkgnameDefault
		}
		pkgnameDefault = dg.Name

		if dg.Src == nil {
			ref, err := expandURL(doc, datadir, doc.Distgit.Prefix+":"+dg.Name)
			if err != nil {
				return nil, err
			}
			dg.Src = ref
		}
		if dg.Tag == "" && dg.Freeze == "" && dg.Branch == "" {
			dg.Branch = doc.Distgit.Branch
			if dg.Branch == "" {
				dg.Branch = "master"
			}
		}
		if dg.Patches == "" {
			dg.Patches = "keep"
		} else if dg.Patches != "keep" && dg.Patches != "drop" {
			return nil, fmt.Errorf("unknown distgit.patches value %q", dg.Patches)
		}
	}

	c.Distgit = dg
	if c.Pkgname == "" {
		c.Pkgname = pkgnameDefault
	}

	return c, nil
}

func expandDistgit(v interface{}) (*Distgit, error) {
	if name, ok := v.(string); ok {
		return &Distgit{Name: name}, nil
	}
	m, ok := toStringKeyed(v)
	if !ok {
		return nil, fmt.Errorf("invalid distgit value: %v", v)
	}
	for key := range m {
		if !distgitKeys[key] {
			return nil, fmt.Errorf("unknown key %q in component/distgit: %v", key, m)
		}
	}
	dg := &Distgit{}
	dg.Name, _ = m["name"].(string)
	dg.Patches, _ = m["patches"].(string)
	dg.Tag, _ = m["tag"].(string)
	dg.Branch, _ = m["branch"].(string)
	dg.Freeze, _ = m["freeze"].(string)
	if srcStr, ok := m["src"].(string); ok {
		dg.Src = &URLRef{URL: srcStr}
	}
	return dg, nil
}

// expandURL rewrites a "prefix:suffix" URL using the overlay's alias
// list, attaching the alias's cacertpath (resolved relative to datadir)
// when present. URLs with no matching alias prefix pass through as-is.
func expandURL(doc *Document, datadir, raw string) (*URLRef, error) {
	for _, alias := range doc.Aliases {
		prefix := alias.Name + ":"
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		ref := &URLRef{URL: alias.URL + strings.TrimPrefix(raw, prefix)}
		if alias.CACertPath != "" {
			ref.CACertPath = filepath.Join(datadir, alias.CACertPath)
		}
		return ref, nil
	}
	return &URLRef{URL: raw}, nil
}

// urlToProjname derives the default package/component name from a
// repository URL: the basename after the last ':' or '/', with any
// trailing ".git" stripped.
func urlToProjname(url string) string {
	rcolon := strings.LastIndexByte(url, ':')
	rslash := strings.LastIndexByte(url, '/')
	cut := rcolon
	if rslash > cut {
		cut = rslash
	}
	base := url[cut+1:]
	return strings.TrimSuffix(base, ".git")
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toStringKeyed converts the map[interface{}]interface{} that yaml.v2
// produces for untyped nested mappings into a map[string]interface{}.
func toStringKeyed(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
