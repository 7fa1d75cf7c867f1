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

// Package attestation holds the wire messages exchanged between a verifier
// and an attestor. Messages use the protocol buffer binary encoding:
//
//	message AttestationRequest {
//	  bytes  nonce       = 1;
//	  string verifier_id = 2;
//	  uint32 hash_alg    = 3;
//	  bytes  pcr_select  = 4;
//	}
//	message PCRValue {
//	  uint32 index = 1;
//	  bytes  value = 2;
//	}
//	message Quote {
//	  uint32            hash_alg        = 1;
//	  bytes             pcr_select      = 2;
//	  repeated PCRValue pcrs            = 3;
//	  bytes             qualifying_data = 4;
//	  bytes             signature       = 5;
//	}
//	message AttestationResponse {
//	  string            attestor_id = 1;
//	  repeated PCRValue pcrs        = 2;
//	  bytes             event_log   = 3;
//	  Quote             quote       = 4;
//	  string            error       = 5;
//	}
package attestation

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be decoded.
var ErrMalformed = errors.New("malformed attestation message")

// Request is sent by the verifier to start an attestation.
type Request struct {
	Nonce      []byte
	VerifierID string
	HashAlg    uint32
	PCRSelect  []byte
}

// PCRValue is the value of one PCR.
type PCRValue struct {
	Index uint32
	Value []byte
}

// Quote is a signed PCR quote.
type Quote struct {
	HashAlg        uint32
	PCRSelect      []byte
	PCRs           []PCRValue
	QualifyingData []byte
	Signature      []byte
}

// Response is the attestor's answer to a Request. A failed attestor sets
// only AttestorID and Error.
type Response struct {
	AttestorID string
	PCRs       []PCRValue
	EventLog   []byte
	Quote      *Quote
	Error      string
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, r.Nonce)
	b = appendString(b, 2, r.VerifierID)
	b = appendUint32(b, 3, r.HashAlg)
	b = appendBytes(b, 4, r.PCRSelect)
	return b
}

// Unmarshal decodes b into r, replacing its contents.
func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(b, typ, &r.Nonce)
		case 2:
			return consumeString(b, typ, &r.VerifierID)
		case 3:
			return consumeUint32(b, typ, &r.HashAlg)
		case 4:
			return consumeBytes(b, typ, &r.PCRSelect)
		}
		return skip(num, typ, b)
	})
}

func (v *PCRValue) marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, v.Index)
	b = appendBytes(b, 2, v.Value)
	return b
}

func (v *PCRValue) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(b, typ, &v.Index)
		case 2:
			return consumeBytes(b, typ, &v.Value)
		}
		return skip(num, typ, b)
	})
}

// Marshal encodes the quote.
func (q *Quote) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, q.HashAlg)
	b = appendBytes(b, 2, q.PCRSelect)
	b = appendPCRs(b, 3, q.PCRs)
	b = appendBytes(b, 4, q.QualifyingData)
	b = appendBytes(b, 5, q.Signature)
	return b
}

// Unmarshal decodes b into q, replacing its contents.
func (q *Quote) Unmarshal(b []byte) error {
	*q = Quote{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(b, typ, &q.HashAlg)
		case 2:
			return consumeBytes(b, typ, &q.PCRSelect)
		case 3:
			return consumePCR(b, typ, &q.PCRs)
		case 4:
			return consumeBytes(b, typ, &q.QualifyingData)
		case 5:
			return consumeBytes(b, typ, &q.Signature)
		}
		return skip(num, typ, b)
	})
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AttestorID)
	b = appendPCRs(b, 2, r.PCRs)
	b = appendBytes(b, 3, r.EventLog)
	if r.Quote != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Quote.Marshal())
	}
	b = appendString(b, 5, r.Error)
	return b
}

// Unmarshal decodes b into r, replacing its contents.
func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(b, typ, &r.AttestorID)
		case 2:
			return consumePCR(b, typ, &r.PCRs)
		case 3:
			return consumeBytes(b, typ, &r.EventLog)
		case 4:
			var raw []byte
			n, err := consumeBytes(b, typ, &raw)
			if err != nil {
				return n, err
			}
			// Last one wins.
			q := &Quote{}
			if err := q.Unmarshal(raw); err != nil {
				return n, fmt.Errorf("quote: %w", err)
			}
			r.Quote = q
			return n, nil
		case 5:
			return consumeString(b, typ, &r.Error)
		}
		return skip(num, typ, b)
	})
}

// walk calls field for every field of the message in b. field returns the
// number of bytes consumed from the start of the value.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return err
			}
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func wireType(got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("wire type %d, want %d", got, want)
	}
	return nil
}

func consumeBytes(b []byte, typ protowire.Type, dst *[]byte) (int, error) {
	if err := wireType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeString(b []byte, typ protowire.Type, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(b, typ, &v)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeUint32(b []byte, typ protowire.Type, dst *uint32) (int, error) {
	if err := wireType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = uint32(v)
	return n, nil
}

func consumePCR(b []byte, typ protowire.Type, dst *[]PCRValue) (int, error) {
	var raw []byte
	n, err := consumeBytes(b, typ, &raw)
	if err != nil {
		return 0, err
	}
	var v PCRValue
	if err := v.unmarshal(raw); err != nil {
		return 0, err
	}
	*dst = append(*dst, v)
	return n, nil
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendPCRs(b []byte, num protowire.Number, pcrs []PCRValue) []byte {
	for i := range pcrs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, pcrs[i].marshal())
	}
	return b
}
