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

// Package specfile is a lazy, line/regex-oriented parser and editor for
// RPM .spec files. It edits at the text level and never depends on macro
// expansion for its core operations, matching the text-rewriting
// contract the snapshot stage needs.
package specfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/overlayctl/overlayctl/internal/procrunner"
)

// ErrTagNotFound is returned by GetTag when the tag is missing and
// allowEmpty was false.
var ErrTagNotFound = errors.New("specfile: tag not found")

// ErrNoSetupDirective is returned by SetSetupDirname when the spec has
// neither a %setup nor an %autosetup line.
var ErrNoSetupDirective = errors.New("specfile: no %setup or %autosetup directive found")

var (
	rePatchLine = regexp.MustCompile(`\n+(?:Patch\d+[^\n]*|.patch\d+[^\n]*)`)
	reChangelog = regexp.MustCompile(`(?s)\n%changelog\n.*$`)
	sourceNumRe = regexp.MustCompile(`(?m)^Source(\d*):\s*(\S.*)$`)
)

// Spec is a lazily-loaded, in-memory editable view of a .spec file.
type Spec struct {
	path string
	txt  string
}

// Load reads fn into memory for editing.
func Load(fn string) (*Spec, error) {
	data, err := os.ReadFile(fn) // #nosec G304 - path is caller-controlled overlay/packaging checkout
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", fn, err)
	}
	return &Spec{path: fn, txt: string(data)}, nil
}

// FindSpecFile locates the single *.spec file directly inside dir: zero
// or more than one candidate is a fatal snapshot error.
func FindSpecFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".spec") {
			candidates = append(candidates, e.Name())
		}
	}
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no spec file found in %s", dir)
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("multiple spec files found in %s: %v", dir, candidates)
	}
}

// Text returns the current in-memory contents.
func (s *Spec) Text() string { return s.txt }

func tagRe(tag string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(tag) + `:\s+(\S.*)$`)
}

// GetTag returns the value of the first line matching "^tag:\s+(\S.*)$".
// If expandMacros is set and the value contains a macro reference, it is
// expanded by shelling out to rpm --eval (the external spec engine; this
// package never implements macro expansion itself).
func (s *Spec) GetTag(ctx context.Context, tag string, expandMacros, allowEmpty bool) (string, error) {
	m := tagRe(tag).FindStringSubmatch(s.txt)
	if m == nil {
		if allowEmpty {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrTagNotFound, tag)
	}
	val := strings.TrimRight(m[1], " \t")
	if expandMacros && hasMacros(val) {
		expanded, err := expandMacro(ctx, s.path, val)
		if err != nil {
			return "", err
		}
		return expanded, nil
	}
	return val, nil
}

// SetTag substitutes the first line matching the tag, or prepends a new
// "tag: value" line if none exists.
func (s *Spec) SetTag(tag, value string) {
	re := regexp.MustCompile(`(?m)^(` + regexp.QuoteMeta(tag) + `:\s+).*$`)
	if re.MatchString(s.txt) {
		s.txt = re.ReplaceAllString(s.txt, "${1}"+escapeReplacement(value))
		return
	}
	s.txt = tag + ": " + value + "\n" + s.txt
}

// escapeReplacement escapes '$' so regexp.ReplaceAllString doesn't treat
// the substituted value as containing its own capture-group references.
func escapeReplacement(value string) string {
	return strings.ReplaceAll(value, "$", "$$")
}

func hasMacros(s string) bool {
	return strings.Contains(s, "%{")
}

func expandMacro(ctx context.Context, specPath, macro string) (string, error) {
	var r procrunner.Runner
	res, err := r.Capture(ctx, "", "rpm", "--define", "_sourcedir .", "--eval", macro)
	_ = specPath
	if err != nil {
		return "", fmt.Errorf("expanding macro %q: %w", macro, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetSetupDirname rewrites the %setup or %autosetup directive's -n
// argument to dirname, preserving any other arguments on the line. It
// fails if no such directive exists.
func (s *Spec) SetSetupDirname(dirname string) error {
	lines := strings.SplitAfter(s.txt, "\n")
	matched := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		if !strings.HasPrefix(trimmed, "%setup") && !strings.HasPrefix(trimmed, "%autosetup") {
			continue
		}
		matched = true
		fields := strings.Fields(trimmed)
		newFields := []string{fields[0]}
		skipNext := false
		for _, f := range fields[1:] {
			if skipNext {
				skipNext = false
				continue
			}
			if f == "-n" {
				skipNext = true
				continue
			}
			newFields = append(newFields, f)
		}
		newFields = append(newFields, "-n", dirname)
		newLine := strings.Join(newFields, " ")
		if strings.HasSuffix(line, "\n") {
			newLine += "\n"
		}
		lines[i] = newLine
	}
	if !matched {
		return ErrNoSetupDirective
	}
	s.txt = strings.Join(lines, "")
	return nil
}

// WipePatches removes every PatchNN: header line (and any %patchNN
// application line), leaving the rest of the spec untouched.
func (s *Spec) WipePatches() {
	s.txt = rePatchLine.ReplaceAllString(s.txt, "")
}

// DeleteChangelog erases the %changelog section, including its header.
func (s *Spec) DeleteChangelog() {
	s.txt = reChangelog.ReplaceAllString(s.txt, "")
}

// SourceField describes a Source line's index (0 for a bare "Source:",
// otherwise the numbered suffix) and current value.
type SourceField struct {
	Index int
	Value string
	Bare  bool // true for "Source:" with no number
}

// PrimarySource returns the spec's Source0 entry, or its bare Source
// entry if no numbered source exists.
func (s *Spec) PrimarySource() (SourceField, bool) {
	matches := sourceNumRe.FindAllStringSubmatch(s.txt, -1)
	var bare *SourceField
	for _, m := range matches {
		if m[1] == "" {
			f := SourceField{Bare: true, Value: m[2]}
			bare = &f
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if idx == 0 {
			return SourceField{Index: 0, Value: m[2]}, true
		}
	}
	if bare != nil {
		return *bare, true
	}
	return SourceField{}, false
}

// SetSource rewrites the primary source tag (Source0, or Source if no
// numbered source exists) to filename.
func (s *Spec) SetSource(filename string) {
	src, ok := s.PrimarySource()
	if !ok {
		s.SetTag("Source0", filename)
		return
	}
	if src.Bare {
		s.SetTag("Source", filename)
		return
	}
	s.SetTag(fmt.Sprintf("Source%d", src.Index), filename)
}

// ReleaseParts splits a release string into its leading run of digits
// and dots (Numbers) and everything after it (Rest, usually "%{?dist}").
type ReleaseParts struct {
	Numbers string
	Rest    string
}

var reReleaseParts = regexp.MustCompile(`^([\d.]*)(.*)$`)

// GetReleaseParts parses the Release tag into ReleaseParts.
func (s *Spec) GetReleaseParts(ctx context.Context) (ReleaseParts, error) {
	release, err := s.GetTag(ctx, "Release", false, false)
	if err != nil {
		return ReleaseParts{}, err
	}
	m := reReleaseParts.FindStringSubmatch(release)
	if m == nil {
		return ReleaseParts{Rest: release}, nil
	}
	return ReleaseParts{Numbers: m[1], Rest: m[2]}, nil
}

// SetRelease sets the Release tag to newRelease, preserving the existing
// postfix (typically "%{?dist}") unless postfix is explicitly given.
func (s *Spec) SetRelease(ctx context.Context, newRelease string, postfix *string) error {
	release := newRelease
	if postfix != nil {
		release += *postfix
	} else {
		parts, err := s.GetReleaseParts(ctx)
		if err != nil {
			return err
		}
		release += parts.Rest
	}
	s.SetTag("Release", release)
	return nil
}

// Save writes the in-memory text back to disk, overwriting the file the
// spec was loaded from (or last saved to with SaveAs).
func (s *Spec) Save() error {
	if err := os.WriteFile(s.path, []byte(s.txt), 0o644); err != nil { // #nosec G306 - spec files are not secrets
		return fmt.Errorf("writing spec %s: %w", s.path, err)
	}
	return nil
}

// SaveAs writes the in-memory text to a new path (used by the snapshot
// stage, which rewrites a spec copied into the srcsnap directory).
func (s *Spec) SaveAs(path string) error {
	if err := os.WriteFile(path, []byte(s.txt), 0o644); err != nil { // #nosec G306
		return fmt.Errorf("writing spec %s: %w", path, err)
	}
	s.path = path
	return nil
}
