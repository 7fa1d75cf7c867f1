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

// Package testutil builds event logs and PCR banks for tests.
package testutil

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"testing"

	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

// SHA1Event is one record of a SHA-1 format (TPM 1.2) event log.
type SHA1Event struct {
	Index  uint32
	Type   tcg.EventType
	Digest [20]byte
	Data   []byte
}

// SHA1Log serializes events in the SHA-1 log format.
func SHA1Log(events ...SHA1Event) []byte {
	var b bytes.Buffer
	for _, e := range events {
		binary.Write(&b, binary.LittleEndian, e.Index)
		binary.Write(&b, binary.LittleEndian, uint32(e.Type))
		b.Write(e.Digest[:])
		binary.Write(&b, binary.LittleEndian, uint32(len(e.Data)))
		b.Write(e.Data)
	}
	return b.Bytes()
}

// Measurement is an event whose digest is either given or, when Digest is
// nil, the hash of Data.
type Measurement struct {
	Index  int
	Type   tcg.EventType
	Data   []byte
	Digest []byte
}

// Dump holds a raw event log along with the PCR bank it replays to.
type Dump struct {
	Log struct {
		PCRs   []register.PCR
		PCRAlg register.HashAlg
		Raw    []byte // The measured boot log in binary form.
	}
}

// Bank returns the dump's PCRs as a bank.
func (d Dump) Bank() register.PCRBank {
	return register.PCRBank{TCGHashAlgo: d.Log.PCRAlg, PCRs: d.Log.PCRs}
}

// NewDump encodes ms as a crypto agile log using a single algorithm and
// computes the resulting PCR values independently of the tcg replay code.
// Every PCR is assumed to reset to zero, so ms should stay below PCR17.
func NewDump(t testing.TB, alg register.HashAlg, ms ...Measurement) Dump {
	t.Helper()
	enc, err := tcg.NewEncoder(alg)
	if err != nil {
		t.Fatalf("NewEncoder(%v): %v", alg, err)
	}
	h := alg.CryptoHash()
	values := map[int][]byte{}
	var order []int
	for _, m := range ms {
		digest := m.Digest
		if digest == nil {
			digest = Hash(h, m.Data)
		}
		if err := enc.Append(m.Index, m.Type, m.Data, tcg.Digest{Alg: alg, Data: digest}); err != nil {
			t.Fatalf("Append(%d): %v", m.Index, err)
		}
		if m.Type == tcg.NoAction {
			continue
		}
		old, ok := values[m.Index]
		if !ok {
			old = make([]byte, h.Size())
			order = append(order, m.Index)
		}
		values[m.Index] = Hash(h, old, digest)
	}
	var d Dump
	d.Log.PCRAlg = alg
	d.Log.Raw = enc.Bytes()
	for _, idx := range order {
		d.Log.PCRs = append(d.Log.PCRs, register.PCR{Index: idx, Digest: values[idx], DigestAlg: h})
	}
	return d
}

// Hash returns the digest of the concatenation of parts.
func Hash(h crypto.Hash, parts ...[]byte) []byte {
	hasher := h.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	return hasher.Sum(nil)
}
