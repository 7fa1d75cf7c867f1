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
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

func digest(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func mustManifest(t *testing.T, entries ...Entry) *Manifest {
	t.Helper()
	m, err := NewManifest(Metadata{TagID: "test"}, entries)
	if err != nil {
		t.Fatalf("NewManifest() failed: %v", err)
	}
	return m
}

func logOf(t *testing.T, events ...[2]string) *tcg.EventLog {
	t.Helper()
	enc, err := tcg.NewEncoder(register.HashSHA256)
	if err != nil {
		t.Fatalf("NewEncoder() failed: %v", err)
	}
	for _, e := range events {
		// Event data is the component name, digest is the component content.
		if err := enc.Append(4, tcg.PostCode, []byte(e[0]), tcg.Digest{Alg: register.HashSHA256, Data: digest(e[1])}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	el, err := tcg.ParseEventLog(enc.Bytes(), tcg.ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog() failed: %v", err)
	}
	return el
}

func TestNewManifestRejectsBadEntries(t *testing.T) {
	for _, tc := range []struct {
		name    string
		entries []Entry
	}{
		{"empty name", []Entry{{Name: "", Digest: digest("a")}}},
		{"duplicate", []Entry{{Name: "a", Digest: digest("a")}, {Name: "a", Digest: digest("b")}}},
		{"short digest", []Entry{{Name: "a", Digest: []byte{1, 2, 3}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManifest(Metadata{}, tc.entries); err == nil {
				t.Error("NewManifest() succeeded, want error")
			}
		})
	}
}

func TestManifestIsImmutable(t *testing.T) {
	d := digest("boot.bin")
	entries := []Entry{{Name: "boot.bin", Digest: d}}
	m := mustManifest(t, entries...)
	entries[0].Digest[0] ^= 0xff
	got, _ := m.Lookup("boot.bin")
	got.Digest[1] ^= 0xff
	again, ok := m.Lookup("boot.bin")
	if !ok || !bytes.Equal(again.Digest, digest("boot.bin")) {
		t.Errorf("Lookup() = %x, want %x", again.Digest, digest("boot.bin"))
	}
	if _, ok := m.Lookup("BOOT.BIN"); ok {
		t.Error("Lookup(\"BOOT.BIN\") matched a differently cased entry")
	}
}

func TestMerge(t *testing.T) {
	a := mustManifest(t, Entry{Name: "a", Digest: digest("a")}, Entry{Name: "b", Digest: digest("b")})
	b := mustManifest(t, Entry{Name: "b", Digest: digest("b")}, Entry{Name: "c", Digest: digest("c")})
	m, err := Merge(Metadata{TagID: "merged"}, a, b)
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
	conflict := mustManifest(t, Entry{Name: "a", Digest: digest("other")})
	if _, err := Merge(Metadata{}, a, conflict); err == nil {
		t.Error("Merge() of conflicting manifests succeeded, want error")
	}
}

func TestMatch(t *testing.T) {
	m := mustManifest(t,
		Entry{Name: "boot.bin", Digest: digest("boot.bin contents")},
		Entry{Name: "kernel", Digest: digest("kernel contents")},
	)
	el := logOf(t,
		[2]string{"boot.bin", "boot.bin contents"},
		[2]string{"kernel", "tampered kernel"},
		[2]string{"unknown.efi", "whatever"},
		[2]string{"Boot.bin", "boot.bin contents"},
	)
	got := Match(el, m)
	want := []EventVerdict{
		{Event: 1, Index: 4, Type: tcg.PostCode, Name: "boot.bin", Verdict: Verified, Expected: digest("boot.bin contents"), Measured: digest("boot.bin contents")},
		{Event: 2, Index: 4, Type: tcg.PostCode, Name: "kernel", Verdict: DigestMismatch, Expected: digest("kernel contents"), Measured: digest("tampered kernel")},
		{Event: 3, Index: 4, Type: tcg.PostCode, Name: "unknown.efi", Verdict: NoReferenceEntry, Measured: digest("whatever")},
		{Event: 4, Index: 4, Type: tcg.PostCode, Name: "Boot.bin", Verdict: NoReferenceEntry, Measured: digest("boot.bin contents")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Match() returned diff (-want +got):\n%s", diff)
	}
}

func TestEvaluate(t *testing.T) {
	verified := EventVerdict{Event: 1, Name: "a", Verdict: Verified}
	mismatch := EventVerdict{Event: 2, Name: "b", Verdict: DigestMismatch}
	unknown := EventVerdict{Event: 3, Name: "c", Verdict: NoReferenceEntry}
	tests := []struct {
		name     string
		verdicts []EventVerdict
		policy   Policy
		want     Summary
		wantErr  Verdict
	}{
		{"all verified", []EventVerdict{verified}, PolicyFailClosed, Summary{Verified: 1}, 0},
		{"unknown fail closed", []EventVerdict{verified, unknown}, PolicyFailClosed, Summary{Verified: 1, NoReferenceEntry: 1}, NoReferenceEntry},
		{"unknown warn only", []EventVerdict{verified, unknown}, PolicyWarnOnly, Summary{Verified: 1, NoReferenceEntry: 1}, 0},
		{"mismatch warn only", []EventVerdict{mismatch, unknown}, PolicyWarnOnly, Summary{DigestMismatch: 1, NoReferenceEntry: 1}, DigestMismatch},
		{"mismatch fail closed", []EventVerdict{unknown, mismatch}, PolicyFailClosed, Summary{DigestMismatch: 1, NoReferenceEntry: 1}, DigestMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.verdicts, tc.policy)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Evaluate() summary diff (-want +got):\n%s", diff)
			}
			if tc.wantErr == 0 {
				if err != nil {
					t.Fatalf("Evaluate() = %v, want nil", err)
				}
				return
			}
			var mErr *MatchError
			if !errors.As(err, &mErr) {
				t.Fatalf("Evaluate() = %v, want *MatchError", err)
			}
			if mErr.Verdict != tc.wantErr {
				t.Errorf("MatchError.Verdict = %v, want %v", mErr.Verdict, tc.wantErr)
			}
		})
	}
}

func TestEvaluateRequiresExplicitPolicy(t *testing.T) {
	if _, err := Evaluate(nil, Policy(0)); !errors.Is(err, ErrPolicyUnset) {
		t.Errorf("Evaluate() with zero policy = %v, want %v", err, ErrPolicyUnset)
	}
	if _, err := ParsePolicy(""); !errors.Is(err, ErrPolicyUnset) {
		t.Errorf("ParsePolicy(\"\") = %v, want %v", err, ErrPolicyUnset)
	}
}

// A manifest containing boot.bin verifies a log measuring the same digest and
// flags the event when the measured digest changes.
func TestBootBinScenario(t *testing.T) {
	d := digest("boot image")
	m := mustManifest(t, Entry{Name: "boot.bin", Digest: d})

	if _, err := Evaluate(Match(logOf(t, [2]string{"boot.bin", "boot image"}), m), PolicyFailClosed); err != nil {
		t.Errorf("Evaluate() of matching log = %v, want nil", err)
	}

	verdicts := Match(logOf(t, [2]string{"boot.bin", "patched boot image"}), m)
	if len(verdicts) != 1 || verdicts[0].Verdict != DigestMismatch {
		t.Fatalf("Match() = %+v, want one DigestMismatch verdict", verdicts)
	}
	_, err := Evaluate(verdicts, PolicyWarnOnly)
	var mErr *MatchError
	if !errors.As(err, &mErr) || mErr.Verdict != DigestMismatch || len(mErr.Failed) != 1 || mErr.Failed[0].Name != "boot.bin" {
		t.Errorf("Evaluate() = %v, want DigestMismatch for boot.bin", err)
	}
}
