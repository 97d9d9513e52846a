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

// Package rpmindex drives the external repository metadata generator
// (e.g. createrepo_c) as a subprocess: invoked as {indexer} [--update]
// <dir>, called initially to create the repo and again after each
// successful sub-build to update it.
package rpmindex

import (
	"context"
	"fmt"

	"github.com/overlayctl/overlayctl/internal/procrunner"
)

// DefaultCommand is the indexer binary used when Indexer.Command is unset.
const DefaultCommand = "createrepo_c"

// Indexer invokes the external indexer over a repository directory.
type Indexer struct {
	Runner  procrunner.Runner
	Command string
}

// New returns an Indexer that shells out to DefaultCommand.
func New(runner procrunner.Runner) *Indexer {
	return &Indexer{Runner: runner, Command: DefaultCommand}
}

func (i *Indexer) command() string {
	if i.Command != "" {
		return i.Command
	}
	return DefaultCommand
}

// Index (re)generates repository metadata for dir. update indexes
// incrementally against existing metadata; a fresh directory is always
// indexed from scratch regardless of update.
func (i *Indexer) Index(ctx context.Context, dir string, update bool) error {
	args := []string{}
	if update {
		args = append(args, "--update")
	}
	args = append(args, dir)
	if err := i.Runner.Run(ctx, "", i.command(), args...); err != nil {
		return fmt.Errorf("rpmindex: indexing %s: %w", dir, err)
	}
	return nil
}
