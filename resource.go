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

// Resource is the opaque logical identity the core never parses itself;
// path derivation is delegated to the PathGenerator collaborator (§6).
type Resource interface {
	// ID is a stable per-process identity for this logical resource; two
	// Resource values describing the same underlying artifact must
	// return the same ID so they share a per-resource mutex (C2).
	ID() string

	// Location is an opaque identifier for the logical store the
	// resource lives under (e.g. a repository or build id).
	Location() string

	// RelPath is the resource's path relative to its Location.
	RelPath() string

	// IsDir reports whether the resource denotes a directory rather
	// than a regular file.
	IsDir() bool

	// AltStorageLocation optionally overrides the shared-store root for
	// this resource (§6 configuration surface). An empty string means
	// "use the provider's configured shared root". The default
	// PathGenerator applies the override to every shared-store path of
	// the resource (reads, writes, deletes and its lock key); it does not
	// limit it to reads.
	AltStorageLocation() string
}

// PathGenerator maps a Resource to an absolute filesystem path under the
// shared store. It is an external collaborator (§6); the core never
// derives paths itself beyond canonicalizing PathGenerator's output.
type PathGenerator interface {
	PathFor(r Resource) (string, error)
}

// basicResource is a minimal Resource implementation sufficient for the
// provider's own tests and for simple callers; production callers are
// expected to supply their own Resource backed by a build-system's
// identity model.
type basicResource struct {
	location string
	relPath  string
	isDir    bool
	altRoot  string
}

// NewResource builds a Resource identifying a plain file or directory
// addressed by location + relative path.
func NewResource(location, relPath string, isDir bool) Resource {
	return &basicResource{location: location, relPath: relPath, isDir: isDir}
}

// NewResourceWithAltStorage is like NewResource but overrides the shared
// root for this resource (see AltStorageLocation), per the
// alt_storage_location configuration attribute named in spec §6.
func NewResourceWithAltStorage(location, relPath string, isDir bool, altRoot string) Resource {
	return &basicResource{location: location, relPath: relPath, isDir: isDir, altRoot: altRoot}
}

func (r *basicResource) ID() string                 { return r.location + "::" + r.relPath }
func (r *basicResource) Location() string           { return r.location }
func (r *basicResource) RelPath() string            { return r.relPath }
func (r *basicResource) IsDir() bool                { return r.isDir }
func (r *basicResource) AltStorageLocation() string { return r.altRoot }
