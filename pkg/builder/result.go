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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Status is the final classification of one component's build attempt.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusBuildFailed   Status = "build-failed"
	StatusRootFailed    Status = "root-failed"
	StatusUnknownFailed Status = "unknown-failed"
	statusUnknown       Status = "unknown"
	statusExpectedOK    Status = "expected-success"
)

// classify reads resdir/state.log for its three recognized line
// prefixes, then combines the parsed log status with the builder's own
// exit outcome to produce a final Status. On build-failed it writes
// every "error: "-prefixed build.log line to errOut, surfacing the
// build log's error lines to the caller.
func classify(resdir string, exitedZero bool, errOut *strings.Builder) (Status, error) {
	logStatus, err := parseStateLog(filepath.Join(resdir, "state.log"))
	if err != nil {
		return "", err
	}

	if logStatus == StatusBuildFailed {
		lines, lerr := errorLines(filepath.Join(resdir, "build.log"))
		if lerr == nil {
			for _, l := range lines {
				errOut.WriteString(l)
				errOut.WriteByte('\n')
			}
		}
	}

	switch {
	case exitedZero:
		return StatusSuccess, nil
	case logStatus == statusUnknown:
		return StatusUnknownFailed, nil
	default:
		return logStatus, nil
	}
}

// parseStateLog returns one of StatusRootFailed, StatusBuildFailed,
// statusExpectedOK (normalized to StatusSuccess), or statusUnknown —
// the raw log-derived status, before it is combined with the exit code.
func parseStateLog(path string) (Status, error) {
	f, err := os.Open(path) // #nosec G304 - build-result log written by the pipeline itself
	if err != nil {
		return "", fmt.Errorf("builder: opening %s: %w", path, err)
	}
	defer f.Close()

	status := statusUnknown
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "Start: build setup"):
			status = StatusRootFailed
		case strings.Contains(line, "Start: rpmbuild "):
			status = StatusBuildFailed
		case strings.Contains(line, "Finish: rpmbuild "):
			status = statusExpectedOK
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("builder: scanning %s: %w", path, err)
	}
	if status == statusExpectedOK {
		return StatusSuccess, nil
	}
	return status, nil
}

func errorLines(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 - build-result log written by the pipeline itself
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "error: ") {
			out = append(out, scanner.Text())
		}
	}
	return out, scanner.Err()
}

// writeStatusJSON writes resdir/status.json, the per-component result
// record the logs-moving step keys off of.
func writeStatusJSON(resdir string, status Status) error {
	data, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{status})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(resdir, "status.json"), data, 0o644) // #nosec G306
}

func readStatusJSON(resdir string) (Status, error) {
	data, err := os.ReadFile(filepath.Join(resdir, "status.json")) // #nosec G304
	if err != nil {
		return "", err
	}
	var parsed struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", err
	}
	return parsed.Status, nil
}
