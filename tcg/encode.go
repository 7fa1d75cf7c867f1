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

package tcg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/go-measuredboot/register"
)

// Encoder serializes a crypto agile event log. The log starts with a Spec ID
// event declaring the algorithms every subsequent event carries.
type Encoder struct {
	algs []register.HashAlg
	buf  bytes.Buffer
}

// NewEncoder starts a crypto agile log recording digests for algs.
func NewEncoder(algs ...register.HashAlg) (*Encoder, error) {
	if len(algs) == 0 {
		return nil, errors.New("at least one digest algorithm is required")
	}
	e := &Encoder{}
	for _, alg := range algs {
		if alg.Size() == 0 {
			return nil, fmt.Errorf("unsupported digest algorithm %v", alg)
		}
		e.algs = append(e.algs, alg)
	}
	writeSHA1Event(&e.buf, 0, NoAction, make([]byte, 20), specIDEventBytes(e.algs))
	return e, nil
}

// Measure appends an event whose digests are the hash of data.
func (e *Encoder) Measure(index int, typ EventType, data []byte) error {
	digests := make([]Digest, 0, len(e.algs))
	for _, alg := range e.algs {
		h := alg.CryptoHash().New()
		h.Write(data)
		digests = append(digests, Digest{Alg: alg, Data: h.Sum(nil)})
	}
	return e.Append(index, typ, data, digests...)
}

// Append appends an event carrying the given digests. There must be exactly
// one digest for each algorithm of the encoder.
func (e *Encoder) Append(index int, typ EventType, data []byte, digests ...Digest) error {
	if index < 0 || index >= register.NumPCRs {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if len(digests) != len(e.algs) {
		return fmt.Errorf("got %d digests, want one for each of %v", len(digests), e.algs)
	}
	for _, alg := range e.algs {
		found := false
		for _, d := range digests {
			if d.Alg != alg {
				continue
			}
			if len(d.Data) != alg.Size() {
				return fmt.Errorf("%v digest has %d bytes, want %d", alg, len(d.Data), alg.Size())
			}
			found = true
		}
		if !found {
			return fmt.Errorf("missing %v digest", alg)
		}
	}
	writeRawEvent2(&e.buf, uint32(index), typ, digests, data)
	return nil
}

// Bytes returns a copy of the log written so far.
func (e *Encoder) Bytes() []byte {
	return bytes.Clone(e.buf.Bytes())
}

func specIDEventBytes(algs []register.HashAlg) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, specIDEventHeader{
		Signature:    wantSignature,
		VersionMinor: wantMinor,
		VersionMajor: wantMajor,
		Errata:       wantErrata,
		// UINT64 sized UINTN.
		UintnSize: 2,
		NumAlgs:   uint32(len(algs)),
	})
	for _, alg := range algs {
		binary.Write(&b, binary.LittleEndian, specAlgSize{ID: uint16(alg), Size: uint16(alg.Size())})
	}
	// No vendor info.
	b.WriteByte(0)
	return b.Bytes()
}

func writeSHA1Event(out *bytes.Buffer, index uint32, typ EventType, digest, data []byte) {
	binary.Write(out, binary.LittleEndian, index)
	binary.Write(out, binary.LittleEndian, uint32(typ))
	out.Write(digest)
	binary.Write(out, binary.LittleEndian, uint32(len(data)))
	out.Write(data)
}

func writeRawEvent2(out *bytes.Buffer, index uint32, typ EventType, digests []Digest, data []byte) {
	// Serialize header (PCR index, event type, number of digests)
	binary.Write(out, binary.LittleEndian, index)
	binary.Write(out, binary.LittleEndian, uint32(typ))
	binary.Write(out, binary.LittleEndian, uint32(len(digests)))

	for _, d := range digests {
		binary.Write(out, binary.LittleEndian, uint16(d.Alg))
		out.Write(d.Data)
	}

	binary.Write(out, binary.LittleEndian, uint32(len(data)))
	out.Write(data)
}

// AppendEvents takes a series of TPM 2.0 event logs and combines
// them into a single sequence of events with a single header.
//
// Additional logs must not use a digest algorithm which was not
// present in the original log.
func AppendEvents(base []byte, additional ...[]byte) ([]byte, error) {
	baseLog, err := ParseEventLog(base, ParseOpts{})
	if err != nil {
		return nil, fmt.Errorf("base: %w", err)
	}
	if baseLog.specID == nil {
		return nil, errors.New("tpm 1.2 event logs cannot be combined")
	}

	out := bytes.NewBuffer(bytes.Clone(base))
	for i, l := range additional {
		log, err := ParseEventLog(l, ParseOpts{})
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		if log.specID == nil {
			return nil, fmt.Errorf("log %d: cannot use tpm 1.2 event log as a source", i)
		}

	algCheck:
		for _, alg := range log.specID.algs {
			for _, baseAlg := range baseLog.specID.algs {
				if baseAlg == alg {
					continue algCheck
				}
			}
			return nil, fmt.Errorf("log %d: cannot use digest (%+v) not present in base log", i, alg)
		}

		for _, e := range log.events {
			writeRawEvent2(out, uint32(e.Index), e.Type, e.Digests, e.Data)
		}
	}
	return out.Bytes(), nil
}

