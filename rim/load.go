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

package rim

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-measuredboot/register"
	"gopkg.in/yaml.v3"
)

type manifestYAML struct {
	TagID         string      `yaml:"tag_id,omitempty"`
	Version       string      `yaml:"version,omitempty"`
	PlatformModel string      `yaml:"platform_model,omitempty"`
	HashAlg       string      `yaml:"hash_alg,omitempty"`
	Entries       []entryYAML `yaml:"entries"`
}

type entryYAML struct {
	Name    string `yaml:"name"`
	Digest  string `yaml:"digest"`
	Version string `yaml:"version,omitempty"`
	Size    uint64 `yaml:"size,omitempty"`
}

// LoadYAML reads a manifest written as YAML with hex encoded digests.
func LoadYAML(r io.Reader) (*Manifest, error) {
	var w manifestYAML
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&w); err != nil {
		return nil, fmt.Errorf("decoding YAML manifest: %w", err)
	}
	md := Metadata{TagID: w.TagID, Version: w.Version, PlatformModel: w.PlatformModel}
	if w.HashAlg != "" {
		alg, err := register.ParseHashAlg(w.HashAlg)
		if err != nil {
			return nil, err
		}
		md.Alg = alg
	}
	entries := make([]Entry, 0, len(w.Entries))
	for _, e := range w.Entries {
		digest, err := decodeHex(e.Digest)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Name, err)
		}
		entries = append(entries, Entry{Name: e.Name, Digest: digest, Version: e.Version, Size: e.Size})
	}
	return NewManifest(md, entries)
}

// EncodeYAML writes m in the format read by LoadYAML.
func EncodeYAML(m *Manifest) ([]byte, error) {
	w := manifestYAML{
		TagID:         m.md.TagID,
		Version:       m.md.Version,
		PlatformModel: m.md.PlatformModel,
		HashAlg:       strings.ToLower(m.md.Alg.String()),
	}
	for _, e := range m.entries {
		w.Entries = append(w.Entries, entryYAML{Name: e.Name, Digest: fmt.Sprintf("%x", e.Digest), Version: e.Version, Size: e.Size})
	}
	return yaml.Marshal(w)
}

// LoadFile reads a manifest, choosing the format from the file extension:
// .xml (SWID tag or CycloneDX SBOM), .cbor, or .yaml/.yml.
func LoadFile(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m *Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xml":
		m, err = loadXML(b)
	case ".cbor":
		m, err = DecodeCBOR(b)
	case ".yaml", ".yml":
		m, err = LoadYAML(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("%s: unknown manifest format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// loadXML dispatches on the document's root element.
func loadXML(b []byte) (*Manifest, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("empty XML document")
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local == "bom" {
				return LoadCycloneDX(bytes.NewReader(b))
			}
			return LoadSWID(bytes.NewReader(b))
		}
	}
}
