/*
 * Copyright 2024 The galley Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package galley

import (
	"path/filepath"
)

// defaultPathGenerator joins a resource's location and relative path
// under a shared root, honoring any per-resource alt storage override.
type defaultPathGenerator struct {
	sharedRoot string
}

func newDefaultPathGenerator(sharedRoot string) PathGenerator {
	return &defaultPathGenerator{sharedRoot: sharedRoot}
}

func (g *defaultPathGenerator) PathFor(r Resource) (string, error) {
	root := g.sharedRoot
	if alt := r.AltStorageLocation(); alt != "" {
		root = alt
	}
	return filepath.Join(root, r.Location(), r.RelPath()), nil
}

// keyFor derives the lock key (C1): the canonical path of the parent
// directory of the resource's shared-store file, or of the resource
// itself if it denotes a directory. Deterministic: same resource and
// path generator yield the same string in the same process.
func keyFor(pg PathGenerator, r Resource) (string, error) {
	p, err := pg.PathFor(r)
	if err != nil {
		return "", wrapf(KindIO, "keyFor", r.ID(), "resolve path: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", wrapf(KindIO, "keyFor", r.ID(), "canonicalize %q: %w", p, err)
	}
	abs = filepath.Clean(abs)
	if r.IsDir() {
		return abs, nil
	}
	return filepath.Dir(abs), nil
}
