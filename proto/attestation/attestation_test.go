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

package attestation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestResponseRoundTrip(t *testing.T) {
	want := &Response{
		AttestorID: "attestor456",
		PCRs: []PCRValue{
			{Index: 0, Value: []byte{1, 2, 3}},
			{Index: 7, Value: []byte{4, 5, 6}},
		},
		EventLog: []byte("log"),
		Quote: &Quote{
			HashAlg:        0x0b,
			PCRSelect:      []byte{0x81, 0, 0},
			PCRs:           []PCRValue{{Index: 0, Value: []byte{1, 2, 3}}, {Index: 7, Value: []byte{4, 5, 6}}},
			QualifyingData: []byte("nonce"),
			Signature:      []byte("sig"),
		},
	}
	var got Response
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, &got); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	req := Request{Nonce: []byte("nonce"), VerifierID: "verifier123", HashAlg: 0x0b, PCRSelect: []byte{0xff, 0, 0}}
	b := req.Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var got Request
	if err := got.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("Request mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	valid := (&Request{Nonce: []byte("0123456789abcdef"), VerifierID: "v"}).Marshal()

	wrongType := protowire.AppendTag(nil, 1, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)

	badQuote := protowire.AppendTag(nil, 4, protowire.BytesType)
	badQuote = protowire.AppendBytes(badQuote, []byte{0x0a, 0x05, 0x01})

	for _, tc := range []struct {
		name string
		in   []byte
		msg  interface{ Unmarshal([]byte) error }
	}{
		{"truncated request", valid[:len(valid)-1], &Request{}},
		{"bad tag", []byte{0x80}, &Request{}},
		{"nonce as varint", wrongType, &Request{}},
		{"truncated embedded quote", badQuote, &Response{}},
		{"field number zero", []byte{0x00, 0x01}, &Response{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Unmarshal(tc.in); !errors.Is(err, ErrMalformed) {
				t.Errorf("Unmarshal(%x) = %v, want ErrMalformed", tc.in, err)
			}
		})
	}
}

func TestUnmarshalResets(t *testing.T) {
	resp := Response{AttestorID: "stale", Error: "stale"}
	if err := resp.Unmarshal((&Response{AttestorID: "fresh"}).Marshal()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Response{AttestorID: "fresh"}, resp); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
}
