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

// Package procrunner invokes child processes, streaming their output to
// the calling process's own streams and reporting structured exit errors.
package procrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/chainguard-dev/clog"
)

// ExitError reports a child process that exited with a nonzero status.
type ExitError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// Runner invokes child processes. The zero value streams stdout/stderr to
// os.Stdout/os.Stderr; set Stdout/Stderr to capture output instead.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Result captures a completed invocation's captured output, in addition
// to whatever was streamed live to Stdout/Stderr.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes name with args in dir (dir == "" means the current
// directory) and streams output live. It does not impose a timeout;
// callers that need one should pass a context with a deadline.
func (r Runner) Run(ctx context.Context, dir, name string, args ...string) error {
	_, err := r.run(ctx, dir, nil, name, args...)
	return err
}

// Capture executes name with args, additionally capturing stdout as a
// string for callers that need the output (e.g. git rev-parse).
func (r Runner) Capture(ctx context.Context, dir, name string, args ...string) (Result, error) {
	var out bytes.Buffer
	res, err := r.run(ctx, dir, &out, name, args...)
	res.Stdout = out.String()
	return res, err
}

func (r Runner) run(ctx context.Context, dir string, captureOut *bytes.Buffer, name string, args ...string) (Result, error) {
	log := clog.FromContext(ctx)
	log.Debugf("running: %s", strings.Join(append([]string{name}, args...), " "))

	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - overlay-driven tool invocation by design
	if dir != "" {
		cmd.Dir = dir
	}

	var stderrBuf bytes.Buffer
	stdoutW := r.stdoutWriter()
	if captureOut != nil {
		stdoutW = io.MultiWriter(stdoutW, captureOut)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = io.MultiWriter(r.stderrWriter(), &stderrBuf)

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return Result{}, &ExitError{
				Cmd:      name,
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderrBuf.String()),
			}
		}
		return Result{}, fmt.Errorf("running %s: %w", name, err)
	}
	return Result{Stderr: strings.TrimSpace(stderrBuf.String())}, nil
}

func (r Runner) stdoutWriter() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r Runner) stderrWriter() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
