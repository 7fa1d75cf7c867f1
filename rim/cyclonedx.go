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
	"fmt"
	"io"
	"strconv"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// LoadCycloneDX builds a manifest from the SHA-256 hashes of the components
// listed in a CycloneDX XML SBOM, nested components included. Components
// without a name or a SHA-256 hash are skipped.
func LoadCycloneDX(r io.Reader) (*Manifest, error) {
	var bom cdx.BOM
	if err := cdx.NewBOMDecoder(r, cdx.BOMFileFormatXML).Decode(&bom); err != nil {
		return nil, fmt.Errorf("parsing CycloneDX SBOM: %w", err)
	}
	md := Metadata{TagID: bom.SerialNumber}
	if bom.Version > 0 {
		md.Version = strconv.Itoa(bom.Version)
	}
	if bom.Metadata != nil && bom.Metadata.Component != nil {
		md.PlatformModel = bom.Metadata.Component.Name
	}
	var entries []Entry
	if bom.Components != nil {
		var err error
		if entries, err = collectComponents(*bom.Components, entries); err != nil {
			return nil, err
		}
	}
	return NewManifest(md, entries)
}

func collectComponents(cs []cdx.Component, out []Entry) ([]Entry, error) {
	for _, c := range cs {
		if h := sha256Hash(c); h != "" && c.Name != "" {
			digest, err := decodeHex(h)
			if err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
			out = append(out, Entry{Name: c.Name, Version: c.Version, Digest: digest})
		}
		if c.Components != nil {
			var err error
			if out, err = collectComponents(*c.Components, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func sha256Hash(c cdx.Component) string {
	if c.Hashes == nil {
		return ""
	}
	for _, h := range *c.Hashes {
		if h.Algorithm == cdx.HashAlgoSHA256 {
			return h.Value
		}
	}
	return ""
}
