// Copyright 2026 The Streamvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exptid

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goccy/go-yaml"
)

// Canonicalizer reduces a fingerprint to the string its id is keyed by.
type Canonicalizer func(ctx context.Context, fingerprint any) (string, error)

// JSON is the in-process Canonicalizer, see Canonical.
func JSON(_ context.Context, fingerprint any) (string, error) {
	return Canonical(fingerprint)
}

// Script returns a Canonicalizer that runs path with the fingerprint, as
// YAML, for its only argument, and uses everything it prints on stdout.
// This is how the ids already stored in puffer_experiment were made, so a
// deployment sharing that table must use it.
func Script(path string) Canonicalizer {
	return func(ctx context.Context, fingerprint any) (string, error) {
		doc, err := yaml.Marshal(fingerprint)
		if err != nil {
			return "", fmt.Errorf("failed to encode fingerprint: %w", err)
		}
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, path, string(doc))
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("%s: %w: %s", path, err, msg)
			}
			return "", fmt.Errorf("%s: %w", path, err)
		}
		if stdout.Len() == 0 {
			return "", fmt.Errorf("%s: no output", path)
		}
		return stdout.String(), nil
	}
}
