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

package tpmeventlog

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

func bootDump(t *testing.T) testutil.Dump {
	return testutil.NewDump(t, register.HashSHA256,
		testutil.Measurement{Index: 0, Type: tcg.SCRTMVersion, Data: []byte("crtm v1")},
		testutil.Measurement{Index: 4, Type: tcg.EFIBootServicesApplication, Data: []byte("boot.bin"), Digest: testutil.Hash(crypto.SHA256, []byte("image"))},
		testutil.Measurement{Index: 7, Type: tcg.Separator, Data: []byte{0, 0, 0, 0}},
	)
}

func TestVerify(t *testing.T) {
	dump := bootDump(t)
	st, err := Verify(dump.Log.Raw, dump.Bank(), tcg.ParseOpts{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(st.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(st.Events))
	}
	var verified []bool
	for _, e := range st.Events {
		verified = append(verified, e.DigestVerified())
	}
	if diff := cmp.Diff([]bool{true, false, true}, verified); diff != "" {
		t.Errorf("DigestVerified mismatch (-want +got):\n%s", diff)
	}
	if got := st.Events[1]; got.MRIndex() != 4 || got.UntrustedType() != tcg.EFIBootServicesApplication || string(got.RawData()) != "boot.bin" {
		t.Errorf("event 1 = %+v", got)
	}
	if diff := cmp.Diff(dump.Bank(), st.ReplayedBank(0, 4, 7)); diff != "" {
		t.Errorf("ReplayedBank mismatch (-want +got):\n%s", diff)
	}
}

func TestVerifyMismatch(t *testing.T) {
	dump := bootDump(t)
	bank := dump.Bank()
	bank.PCRs[0].Digest = bytes.Clone(bank.PCRs[0].Digest)
	bank.PCRs[0].Digest[0] ^= 0x01
	bank.PCRs = append(bank.PCRs, register.PCR{Index: 9, Digest: make([]byte, 32), DigestAlg: crypto.SHA256})

	st, err := Verify(dump.Log.Raw, bank, tcg.ParseOpts{})
	var rErr tcg.ReplayError
	if !errors.As(err, &rErr) {
		t.Fatalf("Verify() = %v, want tcg.ReplayError", err)
	}
	if diff := cmp.Diff(tcg.ReplayError{InvalidMRs: []int{0}, MissingMRs: []int{9}}, rErr); diff != "" {
		t.Errorf("ReplayError mismatch (-want +got):\n%s", diff)
	}
	if st == nil || len(st.Replayed) != 3 {
		t.Errorf("Verify did not return the replayed state alongside the mismatch")
	}
}

func TestVerifyErrors(t *testing.T) {
	dump := bootDump(t)
	if _, err := Verify(dump.Log.Raw[:len(dump.Log.Raw)-1], dump.Bank(), tcg.ParseOpts{}); !errors.Is(err, tcg.ErrTruncated) {
		t.Errorf("Verify(truncated) = %v, want ErrTruncated", err)
	}
	bad := dump.Bank()
	bad.PCRs[1].DigestAlg = crypto.SHA1
	if _, err := Verify(dump.Log.Raw, bad, tcg.ParseOpts{}); err == nil {
		t.Error("Verify accepted an inconsistent bank")
	}
	sha1Bank := register.PCRBank{TCGHashAlgo: register.HashSHA1, PCRs: []register.PCR{{Index: 0, Digest: make([]byte, 20), DigestAlg: crypto.SHA1}}}
	if _, err := Verify(dump.Log.Raw, sha1Bank, tcg.ParseOpts{}); !errors.Is(err, tcg.ErrMissingDigest) {
		t.Errorf("Verify(sha1 bank) = %v, want ErrMissingDigest", err)
	}
}
