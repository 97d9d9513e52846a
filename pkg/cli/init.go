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

package cli

import (
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// initCmd prepares a workdir for the rest of the pipeline: it requires
// overlay.yml to already exist there and creates the scratch
// directories (mirrors/, snapshot/, build/, srpms/, partial/) the other
// subcommands expect.
func initCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a working directory for an overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := setupTelemetry(cmd, *flags)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			if _, err := os.Stat(flags.overlayPath()); err != nil {
				return fmt.Errorf("missing %s: create one or symlink to one", flags.overlayPath())
			}

			var created []string
			for _, dir := range []string{flags.mirrorDir(), flags.snapshotDir(), flags.buildDir(), flags.srpmDir(), flags.partialDir()} {
				existed, err := fsops.Exists(dir)
				if err != nil {
					return err
				}
				if existed {
					continue
				}
				if err := fsops.EnsureDir(dir); err != nil {
					return err
				}
				created = append(created, dir)
			}

			if len(created) == 0 {
				log.Infof("%s already initialized", flags.WorkDir)
			} else {
				log.Infof("initialized %s", flags.WorkDir)
			}
			return nil
		},
	}

	addRootFlags(cmd.Flags(), flags)
	return cmd
}
