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

package snapshot

import "strings"

// versionRelease holds the derived (rpm_version, rpm_release) pair for a
// component, plus the upstream descriptor used as the tar entry prefix
// and %setup dirname.
type versionRelease struct {
	Version     string
	Release     string
	Description string // "{name}-{upstream-description}", only set when an upstream checkout exists
}

// computeVersionRelease derives the RPM version/release pair:
//
//	rpm_version = strip_prefixes(upstream_tag or '0', ['v', pkgname+'-']), '-' -> '.'
//	rpm_release = upstream_revision + ('.' + distgit_description if present else ''), '-' -> '.'
//
// "upstream_revision" falls back to the packaging revision when the
// component has no separate upstream source (a packaging-only
// component); "distgit_description" is the nearest tag reachable from
// the packaging revision, computed whenever a packaging repository
// exists, independent of whether an upstream one does too.
func computeVersionRelease(pkgname, upstreamTag string, upstreamOK bool, primaryRevision, distgitDescription string, distgitOK bool) versionRelease {
	tag := "0"
	if upstreamOK {
		tag = upstreamTag
	}
	version := stripPrefixes(tag, []string{"v", pkgname + "-"})
	version = strings.ReplaceAll(version, "-", ".")

	release := primaryRevision
	if distgitOK {
		release += "." + distgitDescription
	}
	release = strings.ReplaceAll(release, "-", ".")

	return versionRelease{Version: version, Release: release}
}

// stripPrefixes removes each of prefixes from s in turn, each applied at
// most once.
func stripPrefixes(s string, prefixes []string) string {
	for _, p := range prefixes {
		s = strings.TrimPrefix(s, p)
	}
	return s
}

// snapshotName is "{pkgname}-{rpm_version}-{rpm_release}.srcsnap".
func snapshotDirName(pkgname string, vr versionRelease) string {
	return pkgname + "-" + vr.Version + "-" + vr.Release + ".srcsnap"
}
