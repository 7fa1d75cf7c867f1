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

// Package tpmeventlog implements event log parsing and replay for the PC Client
// TPM PCR_based event log.
// It supports both the SHA-1 only and crypto agile log formats.
package tpmeventlog

import (
	"github.com/google/go-measuredboot/internal/eventparse"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

// Event is a single event from a TCG event log. This reports descrete items such
// as BIOS measurements or EFI states.
//
// There are many pitfalls for using event log events correctly to determine the
// state of a machine[1]. In general it's much safer to only rely on the raw PCR
// values and use the event log for debugging.
//
// [1] https://github.com/google/go-attestation/blob/master/docs/event-log-disclosure.md
type Event struct {
	// sequence gives the order of the event in the event log.
	sequence int
	// Index of the PCR that this event was replayed against.
	Index int
	// Untrusted type of the event. This value is not verified by event log replays
	// and can be tampered with. It should NOT be used without additional context,
	// and unrecognized event types should result in errors.
	Type tcg.EventType

	// Data of the event. For certain kinds of events, this must match the event
	// digest to be valid.
	Data []byte
	// Digest is the digest of the replayed bank. Nil for EV_NO_ACTION events.
	Digest []byte

	digestVerified bool
}

func newEvent(e tcg.Event, alg register.HashAlg) Event {
	out := Event{sequence: e.Num, Index: e.Index, Type: e.Type, Data: e.Data}
	if e.Type == tcg.NoAction {
		return out
	}
	out.Digest, _ = e.Digest(alg)
	out.digestVerified = eventparse.DigestEquals(e, alg, e.Data) == nil
	return out
}

// Num returns the position of the event in the log.
func (e Event) Num() uint32 {
	return uint32(e.sequence)
}

func (e Event) MRIndex() uint32 {
	return uint32(e.Index)
}

// UntrustedType returns the event type as recorded in the log.
func (e Event) UntrustedType() tcg.EventType {
	return e.Type
}

func (e Event) RawData() []byte {
	return e.Data
}

func (e Event) ReplayedDigest() []byte {
	return e.Digest
}

// DigestVerified reports whether the event digest is the hash of the event
// data. Many event types measure something other than their data, so false
// is not an error on its own.
func (e Event) DigestVerified() bool {
	return e.digestVerified
}
