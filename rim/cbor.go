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

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-measuredboot/register"
)

type manifestCBOR struct {
	TagID         string        `cbor:"0,keyasint,omitempty"`
	Version       string        `cbor:"1,keyasint,omitempty"`
	PlatformModel string        `cbor:"2,keyasint,omitempty"`
	HashAlg       uint16        `cbor:"3,keyasint"`
	Payload       []payloadCBOR `cbor:"4,keyasint"`
}

type payloadCBOR struct {
	Name    string `cbor:"0,keyasint"`
	Version string `cbor:"1,keyasint,omitempty"`
	Size    uint64 `cbor:"2,keyasint,omitempty"`
	Hash    []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeCBOR serializes m with deterministic CBOR encoding.
func EncodeCBOR(m *Manifest) ([]byte, error) {
	w := manifestCBOR{
		TagID:         m.md.TagID,
		Version:       m.md.Version,
		PlatformModel: m.md.PlatformModel,
		HashAlg:       uint16(m.md.Alg),
	}
	for _, e := range m.entries {
		w.Payload = append(w.Payload, payloadCBOR{Name: e.Name, Version: e.Version, Size: e.Size, Hash: e.Digest})
	}
	return encMode.Marshal(w)
}

// DecodeCBOR parses a manifest produced by EncodeCBOR.
func DecodeCBOR(b []byte) (*Manifest, error) {
	var w manifestCBOR
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decoding CBOR manifest: %w", err)
	}
	alg, ok := register.HashAlgFromTCG(w.HashAlg)
	if !ok {
		return nil, fmt.Errorf("unsupported manifest digest algorithm 0x%04x", w.HashAlg)
	}
	entries := make([]Entry, 0, len(w.Payload))
	for _, p := range w.Payload {
		entries = append(entries, Entry{Name: p.Name, Version: p.Version, Size: p.Size, Digest: p.Hash})
	}
	return NewManifest(Metadata{TagID: w.TagID, Version: w.Version, PlatformModel: w.PlatformModel, Alg: alg}, entries)
}
