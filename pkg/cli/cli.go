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

// Package cli wires cobra subcommands onto the core overlayctl
// packages: resolve, snapshot, build, and init. No business logic lives
// here, only flag parsing and translation into the core packages'
// option structs.
package cli

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/overlayctl/overlayctl/pkg/telemetry"
)

// rootFlags are shared across every subcommand.
type rootFlags struct {
	WorkDir   string
	Debug     bool
	TraceFile string
}

func addRootFlags(fs *pflag.FlagSet, flags *rootFlags) {
	fs.StringVar(&flags.WorkDir, "workdir", ".", "directory containing overlay.yml and the pipeline's working state")
	fs.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&flags.TraceFile, "trace", "", "write OpenTelemetry spans as JSON to this file")
}

func (f rootFlags) overlayPath() string {
	return filepath.Join(f.WorkDir, "overlay.yml")
}

func (f rootFlags) pinnedPath() string {
	return filepath.Join(f.WorkDir, "overlay.pinned.yml")
}

func (f rootFlags) mirrorDir() string {
	return filepath.Join(f.WorkDir, "mirrors")
}

func (f rootFlags) snapshotDir() string {
	return filepath.Join(f.WorkDir, "snapshot")
}

func (f rootFlags) buildDir() string {
	return filepath.Join(f.WorkDir, "build")
}

func (f rootFlags) srpmDir() string {
	return filepath.Join(f.WorkDir, "srpms")
}

func (f rootFlags) partialDir() string {
	return filepath.Join(f.WorkDir, "partial")
}

// setupTelemetry installs logging (and tracing, if --trace was given)
// for a single subcommand invocation, returning a cleanup func that must
// run before the command returns.
func setupTelemetry(cmd *cobra.Command, flags rootFlags) (func(), error) {
	var w io.Writer
	var traceFile *os.File
	if flags.TraceFile != "" {
		f, err := os.Create(flags.TraceFile) // #nosec G304 - user-specified trace output path
		if err != nil {
			return nil, err
		}
		traceFile = f
		w = f
	}

	ctx, shutdown, err := telemetry.Setup(cmd.Context(), telemetry.Config{Debug: flags.Debug, TraceWriter: w})
	if err != nil {
		if traceFile != nil {
			_ = traceFile.Close()
		}
		return nil, err
	}
	cmd.SetContext(ctx)

	return func() {
		_ = shutdown(cmd.Context())
		if traceFile != nil {
			_ = traceFile.Close()
		}
	}, nil
}

// New returns the overlayctl root command.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "overlayctl",
		Short:         "Build an incremental RPM package overlay from pinned git sources",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(resolveCmd(), snapshotCmd(), buildCmd(), initCmd())
	return root
}
