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

package overlay

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/overlayctl/overlayctl/internal/fsops"
)

// Save marshals doc as YAML and atomically writes it to path.
func Save(doc *Document, path string) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("overlay: marshaling %s: %w", path, err)
	}
	return fsops.AtomicRename(path, func(tmpPath string) error {
		return os.WriteFile(tmpPath, data, 0o644) // #nosec G306 - generated overlay document, not sensitive
	})
}
