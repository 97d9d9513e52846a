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

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/overlayctl/overlayctl/pkg/http"
	"github.com/overlayctl/overlayctl/pkg/lookaside"
	"github.com/overlayctl/overlayctl/pkg/mirror"
	"github.com/overlayctl/overlayctl/pkg/overlay"
	"github.com/overlayctl/overlayctl/pkg/snapshot"
	"github.com/overlayctl/overlayctl/pkg/telemetry"
)

type snapshotFlags struct {
	rootFlags
	LookasideDir string
	LookasideURL string
}

func addSnapshotFlags(fs *pflag.FlagSet, flags *snapshotFlags) {
	fs.StringVar(&flags.LookasideDir, "lookaside-dir", "", "content-addressed cache directory for large source files (default: {workdir}/lookaside)")
	fs.StringVar(&flags.LookasideURL, "lookaside-url", "", "base URL to fetch lookaside objects from, joined with the object filename")
}

func snapshotCmd() *cobra.Command {
	flags := &snapshotFlags{}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Materialize the pinned overlay's components into a source snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := setupTelemetry(cmd, flags.rootFlags)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			ctx, end := telemetry.StartStage(ctx, "snapshot")
			defer end()

			doc, _, err := overlay.Load(flags.pinnedPath())
			if err != nil {
				return err
			}

			lookasideDir := flags.LookasideDir
			if lookasideDir == "" {
				lookasideDir = flags.WorkDir + "/lookaside"
			}
			cache := lookaside.New(lookasideDir, http.NewClient(nil))
			cache.BaseURL = flags.LookasideURL

			s := &snapshot.Snapshotter{
				Mirror:     mirror.New(flags.mirrorDir()),
				Lookaside:  cache,
				ScratchDir: flags.WorkDir + "/snapshot-scratch",
			}

			res, err := s.Snapshot(ctx, doc, flags.snapshotDir())
			if err != nil {
				return fmt.Errorf("snapshotting %s: %w", flags.pinnedPath(), err)
			}
			if res.Changed {
				log.Infof("snapshot updated at %s", res.Dir)
				if err := overlay.Save(doc, flags.pinnedPath()); err != nil {
					return err
				}
			} else {
				log.Infof("snapshot unchanged")
			}
			return nil
		},
	}

	addRootFlags(cmd.Flags(), &flags.rootFlags)
	addSnapshotFlags(cmd.Flags(), flags)
	return cmd
}
