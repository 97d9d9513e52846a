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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripPrefixes(t *testing.T) {
	assert.Equal(t, "1.2.3", stripPrefixes("v1.2.3", []string{"v", "widget-"}))
	assert.Equal(t, "1.2.3", stripPrefixes("widget-1.2.3", []string{"v", "widget-"}))
	assert.Equal(t, "1.2.3", stripPrefixes("1.2.3", []string{"v", "widget-"}))
}

func TestComputeVersionReleaseTagged(t *testing.T) {
	vr := computeVersionRelease("widget", "v1-2", true, "abc123", "v1-2-3-gdeadbee", true)
	assert.Equal(t, "1.2", vr.Version)
	assert.Equal(t, "abc123.v1.2.3.gdeadbee", vr.Release)
}

func TestComputeVersionReleaseUntagged(t *testing.T) {
	vr := computeVersionRelease("widget", "", false, "abc123", "", false)
	assert.Equal(t, "0", vr.Version)
	assert.Equal(t, "abc123", vr.Release)
}

func TestSnapshotDirName(t *testing.T) {
	vr := versionRelease{Version: "1.2.3", Release: "abc123"}
	assert.Equal(t, "widget-1.2.3-abc123.srcsnap", snapshotDirName("widget", vr))
}
