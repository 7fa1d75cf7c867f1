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

package tcg_test

import (
	"bytes"
	"crypto"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-measuredboot/internal/testutil"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

func parse(t *testing.T, raw []byte) *tcg.EventLog {
	t.Helper()
	el, err := tcg.ParseEventLog(raw, tcg.ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog() failed: %v", err)
	}
	return el
}

func TestReplayFoldsInOrder(t *testing.T) {
	d1 := hashOf(crypto.SHA256, []byte("d1"))
	d2 := hashOf(crypto.SHA256, []byte("d2"))
	d3 := hashOf(crypto.SHA256, []byte("d3"))
	dump := testutil.NewDump(t, register.HashSHA256,
		testutil.Measurement{Index: 0, Type: tcg.PostCode, Data: []byte("a"), Digest: d1},
		testutil.Measurement{Index: 0, Type: tcg.PostCode, Data: []byte("b"), Digest: d2},
		testutil.Measurement{Index: 0, Type: tcg.PostCode, Data: []byte("c"), Digest: d3},
	)
	got, err := tcg.Replay(parse(t, dump.Log.Raw), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	seed := make([]byte, 32)
	want := hashOf(crypto.SHA256, hashOf(crypto.SHA256, hashOf(crypto.SHA256, seed, d1), d2), d3)
	if !bytes.Equal(got[0], want) {
		t.Errorf("Replay()[0] = %x, want %x", got[0], want)
	}
	if len(got) != 1 {
		t.Errorf("Replay() touched %d PCRs, want 1", len(got))
	}
}

func TestReplayIsOrderSensitive(t *testing.T) {
	a := testutil.Measurement{Index: 4, Type: tcg.PostCode, Data: []byte("shim")}
	b := testutil.Measurement{Index: 4, Type: tcg.PostCode, Data: []byte("grub")}
	forward, err := tcg.Replay(parse(t, agileLog(t, []register.HashAlg{register.HashSHA256}, a, b)), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	backward, err := tcg.Replay(parse(t, agileLog(t, []register.HashAlg{register.HashSHA256}, b, a)), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if bytes.Equal(forward[4], backward[4]) {
		t.Errorf("replaying in both orders gave the same PCR4 value %x", forward[4])
	}
}

func TestReplaySkipsNoActionAndHonorsLocality(t *testing.T) {
	d := hashOf(crypto.SHA256, []byte("crtm"))
	dump := testutil.NewDump(t, register.HashSHA256,
		testutil.Measurement{Index: 0, Type: tcg.NoAction, Data: []byte("StartupLocality\x00\x03")},
		testutil.Measurement{Index: 0, Type: tcg.SCRTMContents, Data: []byte("crtm"), Digest: d},
	)
	got, err := tcg.Replay(parse(t, dump.Log.Raw), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	seed := make([]byte, 32)
	seed[31] = 3
	if want := hashOf(crypto.SHA256, seed, d); !bytes.Equal(got[0], want) {
		t.Errorf("Replay()[0] = %x, want %x", got[0], want)
	}
}

func TestReplayDRTMRegistersStartAtOnes(t *testing.T) {
	d := hashOf(crypto.SHA256, []byte("sinit"))
	raw := agileLog(t, []register.HashAlg{register.HashSHA256}, testutil.Measurement{Index: 17, Type: tcg.PostCode, Data: []byte("sinit")})
	got, err := tcg.Replay(parse(t, raw), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if want := hashOf(crypto.SHA256, bytes.Repeat([]byte{0xff}, 32), d); !bytes.Equal(got[17], want) {
		t.Errorf("Replay()[17] = %x, want %x", got[17], want)
	}
}

func TestReplayMissingDigest(t *testing.T) {
	raw := testutil.SHA1Log(testutil.SHA1Event{Index: 0, Type: tcg.PostCode, Data: []byte("x")})
	if _, err := tcg.Replay(parse(t, raw), register.HashSHA256); !errors.Is(err, tcg.ErrMissingDigest) {
		t.Errorf("Replay(SHA256) of a SHA1 log = %v, want %v", err, tcg.ErrMissingDigest)
	}
}

func TestCompare(t *testing.T) {
	dump := testutil.NewDump(t, register.HashSHA256, bootEvents...)
	replayed, err := tcg.Replay(parse(t, dump.Log.Raw), register.HashSHA256)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if err := tcg.Compare(replayed, dump.Bank()); err != nil {
		t.Fatalf("Compare() against the reference bank failed: %v", err)
	}

	flipped := dump.Bank()
	flipped.PCRs = append([]register.PCR(nil), flipped.PCRs...)
	flipped.PCRs[0].Digest = bytes.Clone(flipped.PCRs[0].Digest)
	flipped.PCRs[0].Digest[0] ^= 0x01
	flipped.PCRs = append(flipped.PCRs, register.PCR{Index: 9, Digest: make([]byte, 32), DigestAlg: crypto.SHA256})

	err = tcg.Compare(replayed, flipped)
	var rErr tcg.ReplayError
	if !errors.As(err, &rErr) {
		t.Fatalf("Compare() = %v, want a ReplayError", err)
	}
	want := tcg.ReplayError{InvalidMRs: []int{0}, MissingMRs: []int{9}}
	if diff := cmp.Diff(want, rErr); diff != "" {
		t.Errorf("Compare() returned diff (-want +got):\n%s", diff)
	}
}
