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
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/overlayctl/overlayctl/internal/procrunner"
	"github.com/overlayctl/overlayctl/internal/swapdir"
	"github.com/overlayctl/overlayctl/pkg/builder"
	"github.com/overlayctl/overlayctl/pkg/overlay"
	"github.com/overlayctl/overlayctl/pkg/specfile"
	"github.com/overlayctl/overlayctl/pkg/telemetry"
)

type buildFlags struct {
	rootFlags
	BuilderBinary  string
	LogDir         string
	TouchIfChanged string
	ExtraRepos     []string // "name=url"
	SRPMOnly       bool
}

func addBuildFlags(fs *pflag.FlagSet, flags *buildFlags) {
	fs.StringVar(&flags.BuilderBinary, "builder", "mock", "external sandboxed builder binary")
	fs.StringVar(&flags.LogDir, "log-dir", "", "directory to receive per-component success/failed build logs")
	fs.StringVar(&flags.TouchIfChanged, "touch-if-changed", "", "file to touch if the build output changed")
	fs.StringSliceVar(&flags.ExtraRepos, "extra-repo", nil, "additional repository to add to the builder root, as name=url")
	fs.BoolVar(&flags.SRPMOnly, "srpm-only", false, "produce source packages only, without driving a binary build")
}

func parseExtraRepos(raw []string) ([]builder.ExtraRepo, error) {
	repos := make([]builder.ExtraRepo, 0, len(raw))
	for _, r := range raw {
		name, url, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --extra-repo %q: expected name=url", r)
		}
		repos = append(repos, builder.ExtraRepo{Name: name, URL: url})
	}
	return repos, nil
}

func buildCmd() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the snapshotted overlay's components via the external sandboxed builder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := setupTelemetry(cmd, flags.rootFlags)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			ctx, end := telemetry.StartStage(ctx, "build")
			defer end()

			doc, overlayDir, err := overlay.Load(flags.pinnedPath())
			if err != nil {
				return err
			}

			extraRepos, err := parseExtraRepos(flags.ExtraRepos)
			if err != nil {
				return err
			}

			b := builder.New(procrunner.Runner{})
			opts := builder.Options{
				OverlayDir:     overlayDir,
				RootMock:       doc.Root.Mock,
				BuilderBinary:  flags.BuilderBinary,
				LogDir:         flags.LogDir,
				TouchIfChanged: flags.TouchIfChanged,
				ExtraRepos:     extraRepos,
			}

			srpmComponents := make([]builder.SRPMComponent, 0, len(doc.Components))
			for _, c := range doc.Components {
				if c.Srcsnap == "" {
					return fmt.Errorf("component %s has no snapshot; run the snapshot subcommand first", c.Name)
				}
				srcsnapDir := filepath.Join(flags.snapshotDir(), c.Srcsnap)
				specName, err := specfile.FindSpecFile(srcsnapDir)
				if err != nil {
					return fmt.Errorf("locating spec for %s: %w", c.Name, err)
				}
				srpmComponents = append(srpmComponents, builder.SRPMComponent{
					Overlay:    c,
					SrcsnapDir: srcsnapDir,
					SpecPath:   filepath.Join(srcsnapDir, specName),
				})
			}

			srpmDir := swapdir.New(flags.srpmDir())
			srpms, err := b.BuildSRPMOnly(ctx, srpmDir, srpmComponents, opts)
			if err != nil && len(srpms) == 0 {
				return fmt.Errorf("producing source packages: %w", err)
			}
			if err != nil {
				log.Warnf("some source packages failed: %v", err)
			}

			if flags.SRPMOnly {
				log.Infof("produced %d source package(s)", len(srpms))
				return nil
			}

			components := make([]builder.Component, 0, len(srpms))
			for _, c := range doc.Components {
				srpm, ok := srpms[c.Pkgname]
				if !ok {
					continue
				}
				components = append(components, builder.Component{Overlay: c, SRPM: srpm})
			}

			buildDir := swapdir.New(flags.buildDir())
			res, err := b.Build(ctx, buildDir, flags.partialDir(), components, opts)
			if err != nil {
				return fmt.Errorf("building: %w", err)
			}
			log.Infof("built %d component(s), committed=%v", len(res.Built), res.Committed)
			return nil
		},
	}

	addRootFlags(cmd.Flags(), &flags.rootFlags)
	addBuildFlags(cmd.Flags(), flags)
	return cmd
}
