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

// Package tcg exposes utilities and constants that correspond to TCG specs
// including TPM 2.0 and the PC Client Platform Firmware Profile.
package tcg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/go-measuredboot/register"
)

// Errors reported while parsing an event log. Parse failures are returned as
// a *ParseError wrapping one of these.
var (
	ErrTruncated        = errors.New("event log truncated")
	ErrTrailingData     = errors.New("unparsed data after the last event")
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
	ErrInvalidIndex     = errors.New("PCR index out of range")
	ErrMalformed        = errors.New("malformed event")
)

// ParseError reports where in the log parsing stopped.
type ParseError struct {
	// Offset of the record that failed to parse.
	Offset int
	// Event is the position of that record in the log.
	Event int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing event %d at offset %d: %v", e.Event, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Format is the on-disk layout of an event log.
type Format int

// Event log formats.
const (
	// FormatSHA1 is the TPM 1.2 style log with a single SHA-1 digest per event.
	FormatSHA1 Format = iota + 1
	// FormatCryptoAgile is the TPM 2.0 log started by a Spec ID event.
	FormatCryptoAgile
)

func (f Format) String() string {
	switch f {
	case FormatSHA1:
		return "SHA1"
	case FormatCryptoAgile:
		return "crypto-agile"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Digest is one digest of an event's measurement.
type Digest struct {
	Alg  register.HashAlg
	Data []byte
}

// Event is a single event from a TCG event log. This reports discrete items
// such as BIOS measurements or EFI states.
//
// Nothing in an event is trusted until the log has been replayed against
// PCR values that were themselves verified through a quote.
type Event struct {
	// Num gives the position of the record in the event log.
	Num int
	// Index of the PCR that this event extends.
	Index int
	// Untrusted type of the event. This value is not covered by the digest
	// and can be tampered with.
	Type EventType
	// Data of the event.
	Data []byte
	// Digests holds one digest per algorithm recorded for the event.
	Digests []Digest
	// Offset and Size locate the record in the raw log.
	Offset int
	Size   int
}

// Digest returns the event's digest for the given algorithm.
func (e Event) Digest(alg register.HashAlg) ([]byte, bool) {
	for _, d := range e.Digests {
		if d.Alg == alg {
			return d.Data, true
		}
	}
	return nil, false
}

func (e Event) clone() Event {
	out := e
	out.Data = bytes.Clone(e.Data)
	out.Digests = make([]Digest, len(e.Digests))
	for i, d := range e.Digests {
		out.Digests[i] = Digest{Alg: d.Alg, Data: bytes.Clone(d.Data)}
	}
	return out
}

// ParseOpts gives options for parsing the event log.
type ParseOpts struct {
	// AllowPadding accepts logs that end in a run of 0xFF/0x00 padding bytes
	// introduced by a PCR index of 0xFFFFFFFF.
	AllowPadding bool
}

// EventLog is a parsed measurement log. This contains unverified data
// representing boot events that must be replayed against PCR values to
// determine authenticity.
type EventLog struct {
	// Algs holds the set of algorithms that the event log uses.
	Algs   []register.HashAlg
	Format Format

	events []Event
	size   int
	specID *specIDEvent
}

// Events returns a copy of the parsed events in log order. The Spec ID event
// of a crypto agile log is not included.
func (e *EventLog) Events() []Event {
	out := make([]Event, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.clone()
	}
	return out
}

// Len returns the number of events in the log.
func (e *EventLog) Len() int {
	return len(e.events)
}

// Size returns the number of bytes consumed from the raw log.
func (e *EventLog) Size() int {
	return e.size
}

// ParseEventLog parses an unverified measurement log.
//
// The returned EventLog owns copies of every byte it exposes; the input
// buffer may be reused after the call. An empty buffer yields an empty
// SHA-1 format log.
func ParseEventLog(measurementLog []byte, parseOpts ParseOpts) (*EventLog, error) {
	el := &EventLog{
		Algs:   []register.HashAlg{register.HashSHA1},
		Format: FormatSHA1,
	}
	if len(measurementLog) == 0 {
		return el, nil
	}
	c := &cursor{buf: measurementLog}
	first, err := parseRawEvent(c)
	if err != nil {
		return nil, &ParseError{Offset: 0, Event: 0, Err: err}
	}
	first.Size = c.off
	if first.Type == NoAction && bytes.HasPrefix(first.Data, wantSignature[:]) {
		specID, err := parseSpecIDEvent(first.Data)
		if err != nil {
			return nil, &ParseError{Offset: 0, Event: 0, Err: fmt.Errorf("%w: spec ID event: %v", ErrMalformed, err)}
		}
		el.Algs = nil
		for _, alg := range specID.algs {
			if h, ok := register.HashAlgFromTCG(alg.ID); ok {
				el.Algs = append(el.Algs, h)
			}
		}
		if len(el.Algs) == 0 {
			return nil, &ParseError{Offset: 0, Event: 0, Err: fmt.Errorf("%w: measurement log didn't use sha1, sha256, or sha384 digests", ErrUnknownAlgorithm)}
		}
		// The Spec ID event intentionally doesn't extend the PCRs and is not
		// reported as an event.
		el.Format = FormatCryptoAgile
		el.specID = specID
	} else {
		el.events = append(el.events, first)
	}

	for num := 1; c.remaining() != 0; num++ {
		start := c.off
		if idx, ok := c.peekU32(); ok && idx == paddingIndex {
			if !parseOpts.AllowPadding || !isPadding(measurementLog[start:]) {
				return nil, &ParseError{Offset: start, Event: num, Err: ErrTrailingData}
			}
			break
		}
		var e Event
		if el.Format == FormatCryptoAgile {
			e, err = parseRawEvent2(c, el.specID)
		} else {
			e, err = parseRawEvent(c)
		}
		if err != nil {
			return nil, &ParseError{Offset: start, Event: num, Err: err}
		}
		e.Num = num
		e.Offset = start
		e.Size = c.off - start
		el.events = append(el.events, e)
	}
	el.size = len(measurementLog)
	return el, nil
}

const paddingIndex = 0xFFFFFFFF

func isPadding(b []byte) bool {
	for _, v := range b {
		if v != 0xff && v != 0x00 {
			return false
		}
	}
	return true
}

// cursor reads little-endian fields from a buffer, failing with ErrTruncated
// before any read that would cross the end of the buffer.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) peekU32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(c.buf[c.off:]), true
}

func (c *cursor) u16() (uint16, error) {
	if c.remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

// bytes returns a copy of the next n bytes.
func (c *cursor) bytes(n uint64) ([]byte, error) {
	if n > uint64(c.remaining()) {
		return nil, ErrTruncated
	}
	out := make([]byte, int(n))
	copy(out, c.buf[c.off:])
	c.off += int(n)
	return out, nil
}

type specIDEvent struct {
	algs []specAlgSize
}

type specAlgSize struct {
	ID   uint16
	Size uint16
}

// Expected values for various Spec ID Event fields.
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=19
var wantSignature = [16]byte{0x53, 0x70,
	0x65, 0x63, 0x20, 0x49,
	0x44, 0x20, 0x45, 0x76,
	0x65, 0x6e, 0x74, 0x30,
	0x33, 0x00} // "Spec ID Event03\0"

const (
	wantMajor  = 2
	wantMinor  = 0
	wantErrata = 0
)

type specIDEventHeader struct {
	Signature     [16]byte
	PlatformClass uint32
	VersionMinor  uint8
	VersionMajor  uint8
	Errata        uint8
	UintnSize     uint8
	NumAlgs       uint32
}

// parseSpecIDEvent parses a TCG_EfiSpecIDEventStruct structure from the reader.
//
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=18
func parseSpecIDEvent(b []byte) (*specIDEvent, error) {
	r := bytes.NewReader(b)
	var header specIDEventHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading event header: %w: %X", err, b)
	}
	if header.Signature != wantSignature {
		return nil, fmt.Errorf("invalid spec id signature: %x", header.Signature)
	}
	if header.VersionMajor != wantMajor {
		return nil, fmt.Errorf("invalid spec major version, got %02x, wanted %02x",
			header.VersionMajor, wantMajor)
	}
	if header.VersionMinor != wantMinor {
		return nil, fmt.Errorf("invalid spec minor version, got %02x, wanted %02x",
			header.VersionMinor, wantMinor)
	}
	if uint64(header.NumAlgs)*uint64(binary.Size(specAlgSize{})) > uint64(r.Len()) {
		return nil, fmt.Errorf("spec id event declares %d algorithms but holds %d bytes", header.NumAlgs, r.Len())
	}

	specAlg := specAlgSize{}
	e := specIDEvent{}
	for i := 0; i < int(header.NumAlgs); i++ {
		if err := binary.Read(r, binary.LittleEndian, &specAlg); err != nil {
			return nil, fmt.Errorf("reading algorithm: %v", err)
		}
		if specAlg.ID > 0xff {
			return nil, fmt.Errorf("%w: algorithm id 0x%04x", ErrUnknownAlgorithm, specAlg.ID)
		}
		if h, ok := register.HashAlgFromTCG(specAlg.ID); ok && h.Size() != int(specAlg.Size) {
			return nil, fmt.Errorf("algorithm %v declared with digest size %d", h, specAlg.Size)
		}
		e.algs = append(e.algs, specAlg)
	}

	var vendorInfoSize uint8
	if err := binary.Read(r, binary.LittleEndian, &vendorInfoSize); err != nil {
		return nil, fmt.Errorf("reading vender info size: %v", err)
	}
	if r.Len() != int(vendorInfoSize) {
		return nil, fmt.Errorf("reading vendor info, expected %d remaining bytes, got %d", vendorInfoSize, r.Len())
	}
	return &e, nil
}

// SHA1 event log format. See "5.1 SHA1 Event Log Entry Format"
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=15
//
//	PCRIndex  uint32
//	Type      uint32
//	Digest    [20]byte
//	EventSize uint32
const rawEventHeaderSize = 4 + 4 + 20 + 4

func parseRawEvent(c *cursor) (Event, error) {
	var event Event
	if c.remaining() < rawEventHeaderSize {
		return event, ErrTruncated
	}
	index, _ := c.u32()
	typ, _ := c.u32()
	digest, _ := c.bytes(20)
	eventSize, _ := c.u32()
	if index >= register.NumPCRs {
		return event, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	data, err := c.bytes(uint64(eventSize))
	if err != nil {
		return event, fmt.Errorf("event data size (%d bytes) is greater than remaining measurement log (%d bytes): %w", eventSize, c.remaining(), err)
	}
	event.Index = int(index)
	event.Type = EventType(typ)
	event.Data = data
	event.Digests = []Digest{{Alg: register.HashSHA1, Data: digest}}
	return event, nil
}

// Crypto Agile event log format. See "5.2 Crypto Agile Log Entry Format"
// https://trustedcomputinggroup.org/wp-content/uploads/EFI-Protocol-Specification-rev13-160330final.pdf#page=15
//
//	PCRIndex  uint32
//	Type      uint32
//	Count     uint32
//	Digests   Count x (AlgID uint16, Digest [size from Spec ID])
//	EventSize uint32
const rawEvent2HeaderSize = 4 + 4 + 4

func parseRawEvent2(c *cursor, specID *specIDEvent) (Event, error) {
	var event Event
	if c.remaining() < rawEvent2HeaderSize {
		return event, ErrTruncated
	}
	index, _ := c.u32()
	typ, _ := c.u32()
	numDigests, _ := c.u32()
	if index >= register.NumPCRs {
		return event, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if numDigests > uint32(len(specID.algs)) {
		return event, fmt.Errorf("%w: %d digests but the spec ID event declares %d algorithms", ErrMalformed, numDigests, len(specID.algs))
	}
	event.Index = int(index)
	event.Type = EventType(typ)

	for i := 0; i < int(numDigests); i++ {
		algID, err := c.u16()
		if err != nil {
			return event, err
		}
		size := -1
		for _, alg := range specID.algs {
			if alg.ID == algID {
				size = int(alg.Size)
				break
			}
		}
		if size < 0 {
			return event, fmt.Errorf("%w: algorithm ID %x", ErrUnknownAlgorithm, algID)
		}
		data, err := c.bytes(uint64(size))
		if err != nil {
			return event, fmt.Errorf("reading digest: %w", err)
		}
		event.Digests = append(event.Digests, Digest{Alg: register.HashAlg(algID), Data: data})
	}

	eventSize, err := c.u32()
	if err != nil {
		return event, err
	}
	event.Data, err = c.bytes(uint64(eventSize))
	if err != nil {
		return event, fmt.Errorf("event data size (%d bytes) is greater than remaining measurement log (%d bytes): %w", eventSize, c.remaining(), err)
	}
	return event, nil
}
