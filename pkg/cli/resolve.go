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
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/overlayctl/overlayctl/pkg/mirror"
	"github.com/overlayctl/overlayctl/pkg/overlay"
	"github.com/overlayctl/overlayctl/pkg/resolve"
	"github.com/overlayctl/overlayctl/pkg/telemetry"
)

type resolveFlags struct {
	rootFlags
	FetchAll  bool
	Fetch     []string
	Overrides []string // "component=url#ref"
}

func addResolveFlags(fs *pflag.FlagSet, flags *resolveFlags) {
	fs.BoolVar(&flags.FetchAll, "fetch-all", false, "re-fetch every mirrored repository, even ones already on disk")
	fs.StringSliceVar(&flags.Fetch, "fetch", nil, "re-fetch only the named components")
	fs.StringSliceVar(&flags.Overrides, "override", nil, "redirect a component to a different source, as name=url#ref")
}

func parseOverrides(raw []string) ([]resolve.Override, error) {
	overrides := make([]resolve.Override, 0, len(raw))
	for _, o := range raw {
		name, rest, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --override %q: expected name=url#ref", o)
		}
		url, ref, _ := strings.Cut(rest, "#")
		overrides = append(overrides, resolve.Override{Component: name, URL: url, Ref: ref})
	}
	return overrides, nil
}

func resolveCmd() *cobra.Command {
	flags := &resolveFlags{}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Pin every overlay component to a concrete git revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := setupTelemetry(cmd, flags.rootFlags)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			ctx, end := telemetry.StartStage(ctx, "resolve")
			defer end()

			doc, _, err := overlay.Load(flags.overlayPath())
			if err != nil {
				return err
			}

			overrides, err := parseOverrides(flags.Overrides)
			if err != nil {
				return err
			}

			r := resolve.New(mirror.New(flags.mirrorDir()))
			overridden, err := r.Resolve(ctx, doc, resolve.Options{
				FetchAll:  flags.FetchAll,
				Fetch:     flags.Fetch,
				Overrides: overrides,
			})
			if err != nil {
				return fmt.Errorf("resolving %s: %w", flags.overlayPath(), err)
			}
			if len(overridden) > 0 {
				log.Infof("overridden components: %s", strings.Join(overridden, ", "))
			}

			if err := overlay.Save(doc, flags.pinnedPath()); err != nil {
				return err
			}
			log.Infof("wrote %s", flags.pinnedPath())
			return nil
		},
	}

	addRootFlags(cmd.Flags(), &flags.rootFlags)
	addResolveFlags(cmd.Flags(), flags)
	return cmd
}
