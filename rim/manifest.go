// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package rim holds reference integrity manifests and judges measured
// components against them.
package rim

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/go-measuredboot/register"
)

// Entry is the expected digest of one component.
type Entry struct {
	Name    string
	Digest  []byte
	Version string
	Size    uint64
}

// Metadata describes where a manifest came from.
type Metadata struct {
	TagID         string
	Version       string
	PlatformModel string
	// Alg is the algorithm of every entry digest. Defaults to SHA-256.
	Alg register.HashAlg
}

// Manifest is a read-only set of reference entries keyed by component name.
// It is safe for concurrent use once constructed.
type Manifest struct {
	md      Metadata
	entries []Entry
	index   map[string]int
}

// NewManifest validates entries and builds a manifest owning copies of
// them. Names are case sensitive; duplicate or empty names are rejected.
func NewManifest(md Metadata, entries []Entry) (*Manifest, error) {
	if md.Alg == 0 {
		md.Alg = register.HashSHA256
	}
	if md.Alg.Size() == 0 {
		return nil, fmt.Errorf("unsupported manifest digest algorithm %v", md.Alg)
	}
	m := &Manifest{
		md:      md,
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entry %d has no name", i))
			continue
		}
		if _, ok := m.index[e.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate entry %q", e.Name))
			continue
		}
		if len(e.Digest) != md.Alg.Size() {
			errs = append(errs, fmt.Errorf("entry %q has a %d byte digest, want %d for %v", e.Name, len(e.Digest), md.Alg.Size(), md.Alg))
			continue
		}
		e.Digest = bytes.Clone(e.Digest)
		m.index[e.Name] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Merge combines manifests into one. Entries present in several manifests
// must agree on their digest.
func Merge(md Metadata, manifests ...*Manifest) (*Manifest, error) {
	var entries []Entry
	seen := map[string][]byte{}
	for _, m := range manifests {
		if md.Alg == 0 {
			md.Alg = m.md.Alg
		}
		if m.md.Alg != md.Alg {
			return nil, fmt.Errorf("manifest %q uses %v, want %v", m.md.TagID, m.md.Alg, md.Alg)
		}
		for _, e := range m.entries {
			if d, ok := seen[e.Name]; ok {
				if !bytes.Equal(d, e.Digest) {
					return nil, fmt.Errorf("conflicting digests for %q", e.Name)
				}
				continue
			}
			seen[e.Name] = e.Digest
			entries = append(entries, e)
		}
	}
	return NewManifest(md, entries)
}

// Metadata returns the manifest's metadata.
func (m *Manifest) Metadata() Metadata {
	return m.md
}

// Alg returns the algorithm of the manifest digests.
func (m *Manifest) Alg() register.HashAlg {
	return m.md.Alg
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Lookup finds the entry for name using an exact, case sensitive match.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	i, ok := m.index[name]
	if !ok {
		return Entry{}, false
	}
	e := m.entries[i]
	e.Digest = bytes.Clone(e.Digest)
	return e, true
}

// Entries returns a copy of the entries in manifest order.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		e.Digest = bytes.Clone(e.Digest)
		out[i] = e
	}
	return out
}
