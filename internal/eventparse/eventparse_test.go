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

package eventparse

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/uuid"
)

var efiGlobalVariable = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")

func TestComponentName(t *testing.T) {
	secureBoot := EncodeUEFIVariableData(UEFIVariableData{
		VariableGUID: efiGlobalVariable,
		VariableName: "SecureBoot",
		Data:         []byte{1},
	})
	tests := []struct {
		name   string
		event  tcg.Event
		want   string
		wantOK bool
	}{
		{"text", tcg.Event{Type: tcg.PostCode, Data: []byte("boot.bin")}, "boot.bin", true},
		{"nul terminated", tcg.Event{Type: tcg.Ipl, Data: []byte("grub.cfg\x00\x00")}, "grub.cfg", true},
		{"case preserved", tcg.Event{Type: tcg.PostCode, Data: []byte("Boot.BIN")}, "Boot.BIN", true},
		{"efi variable", tcg.Event{Type: tcg.EFIVariableDriverConfig, Data: secureBoot}, "SecureBoot", true},
		{"binary", tcg.Event{Type: tcg.Separator, Data: []byte{0, 0, 0, 0}}, "", false},
		{"control characters", tcg.Event{Type: tcg.PostCode, Data: []byte{0x01, 'a'}}, "", false},
		{"no action", tcg.Event{Type: tcg.NoAction, Data: []byte("StartupLocality")}, "", false},
		{"broken efi variable", tcg.Event{Type: tcg.EFIVariableBoot, Data: []byte("BootOrder")}, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ComponentName(tc.event)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("ComponentName() = %q, %v, want %q, %v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestParseUEFIVariableData(t *testing.T) {
	want := UEFIVariableData{
		VariableGUID: efiGlobalVariable,
		VariableName: "BootOrder",
		Data:         []byte{0x01, 0x00, 0x02, 0x00},
	}
	raw := EncodeUEFIVariableData(want)
	// The EFI_GUID Data1 field is stored little endian.
	if raw[0] != 0x61 || raw[3] != 0x8b {
		t.Errorf("GUID bytes = %x, want little endian Data1", raw[:4])
	}
	got, err := ParseUEFIVariableData(raw)
	if err != nil {
		t.Fatalf("ParseUEFIVariableData() failed: %v", err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("ParseUEFIVariableData() returned diff (-want +got):\n%s", diff)
	}

	for cut := 0; cut < len(raw); cut++ {
		if _, err := ParseUEFIVariableData(raw[:cut]); err == nil {
			t.Errorf("ParseUEFIVariableData(raw[:%d]) succeeded, want error", cut)
		}
	}
}

func TestParseUEFIVariableDataHugeName(t *testing.T) {
	raw := make([]byte, uefiVariableDataHeaderSize)
	for i := 16; i < 24; i++ {
		raw[i] = 0xff
	}
	if _, err := ParseUEFIVariableData(raw); !errors.Is(err, errShortVariableData) {
		t.Errorf("ParseUEFIVariableData() = %v, want %v", err, errShortVariableData)
	}
}

func TestDigestEquals(t *testing.T) {
	enc, err := tcg.NewEncoder(register.HashSHA256)
	if err != nil {
		t.Fatalf("NewEncoder() failed: %v", err)
	}
	if err := enc.Measure(4, tcg.PostCode, []byte("boot.bin")); err != nil {
		t.Fatalf("Measure() failed: %v", err)
	}
	el, err := tcg.ParseEventLog(enc.Bytes(), tcg.ParseOpts{})
	if err != nil {
		t.Fatalf("ParseEventLog() failed: %v", err)
	}
	ev := el.Events()[0]
	if err := DigestEquals(ev, register.HashSHA256, ev.Data); err != nil {
		t.Errorf("DigestEquals(event data) = %v, want nil", err)
	}
	if err := DigestEquals(ev, register.HashSHA256, []byte("other")); err == nil {
		t.Error("DigestEquals(other data) = nil, want error")
	}
	if err := DigestEquals(ev, register.HashSHA1, ev.Data); err == nil {
		t.Error("DigestEquals(missing algorithm) = nil, want error")
	}
}
