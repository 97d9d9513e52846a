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
	"text/template"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// localRepoTemplate appends the build-staging repository (and any
// caller-supplied extra repos) to the root builder configuration. The
// real mock config format is a dict evaluated at config-load time rather
// than a static file; rather than mutate that representation in place,
// this renders an explicit stanza and lets the builder's own config
// loader merge it by file inclusion order.
var localRepoTemplate = template.Must(template.New("mock-local-repo").Parse(
	`
[local_build_repo]
name=local_build_repo
baseurl={{.LocalRepoURL}}
enabled=1
priority=1
cost=1
skip_if_unavailable=1
metadata_expire=30
priorities.enabled=1
{{range .ExtraRepos -}}
[{{.Name}}]
name={{.Name}}
baseurl={{.URL}}
enabled=1
{{end -}}
`))

// ExtraRepo is an additional repository the caller wants appended to the
// rendered builder configuration, beyond the local staging repo.
type ExtraRepo struct {
	Name string
	URL  string
}

type repoStanzaData struct {
	LocalRepoURL string
	ExtraRepos   []ExtraRepo
}

// renderMockConfig resolves root.mock (a filename, possibly relative to
// overlayDir) and writes a configdir containing a single chroot config
// file: the root config's contents followed by the local-repo stanza
// above. It returns the configdir and the chroot name mock expects for
// its -r flag.
func renderMockConfig(overlayDir, rootMock, stagingDir string, extraRepos []ExtraRepo) (configDir, chrootName string, err error) {
	rootMockPath := resolveRootMock(overlayDir, rootMock)
	if filepath.Ext(rootMockPath) != ".cfg" {
		rootMockPath = filepath.Join("/etc/mock", rootMockPath+".cfg")
	}

	base, err := os.ReadFile(rootMockPath) // #nosec G304 - overlay-configured builder root
	if err != nil {
		return "", "", fmt.Errorf("builder: reading root mock config %s: %w", rootMockPath, err)
	}

	chrootName = chrootNameFromPath(rootMockPath)
	configDir = filepath.Join(stagingDir, ".mockconfig")
	if err := fsops.EnsureCleanDir(configDir); err != nil {
		return "", "", err
	}

	var stanza strings.Builder
	data := repoStanzaData{LocalRepoURL: "file://" + stagingDir, ExtraRepos: extraRepos}
	if err := localRepoTemplate.Execute(&stanza, data); err != nil {
		return "", "", fmt.Errorf("builder: rendering local repo stanza: %w", err)
	}

	cfgPath := filepath.Join(configDir, chrootName+".cfg")
	content := string(base) + stanza.String()
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil { // #nosec G306
		return "", "", fmt.Errorf("builder: writing rendered mock config: %w", err)
	}
	return configDir, chrootName, nil
}

// resolveRootMock handles a bare .cfg filename: when root.mock names a
// relative .cfg file, it is resolved against the overlay's real directory
// (the symlink-resolved directory OverlayLoader already computed), whether
// or not the file exists there. Absolute paths and names without a .cfg
// extension are returned unchanged.
func resolveRootMock(overlayDir, rootMock string) string {
	if filepath.IsAbs(rootMock) || filepath.Ext(rootMock) != ".cfg" {
		return rootMock
	}
	candidate := filepath.Join(overlayDir, rootMock)
	if exists, _ := fsops.Exists(candidate); exists {
		return candidate
	}
	return candidate
}

func chrootNameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
