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
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// UEFIVariableData is the UEFI_VARIABLE_DATA structure measured by
// EV_EFI_VARIABLE_* events.
//
// https://trustedcomputinggroup.org/wp-content/uploads/TCG_PCClientSpecPlat_TPM_2p0_1p04_pub.pdf#page=153
type UEFIVariableData struct {
	VariableGUID uuid.UUID
	VariableName string
	Data         []byte
}

// GUID (16) + UnicodeNameLength (8) + VariableDataLength (8).
const uefiVariableDataHeaderSize = 16 + 8 + 8

var errShortVariableData = errors.New("UEFI variable data is truncated")

// ParseUEFIVariableData parses a UEFI_VARIABLE_DATA structure. The declared
// lengths are checked against the buffer before anything is copied.
func ParseUEFIVariableData(b []byte) (*UEFIVariableData, error) {
	if len(b) < uefiVariableDataHeaderSize {
		return nil, errShortVariableData
	}
	var v UEFIVariableData
	v.VariableGUID = guidFromEFI(b[:16])
	nameLen := binary.LittleEndian.Uint64(b[16:24])
	dataLen := binary.LittleEndian.Uint64(b[24:32])
	rest := b[uefiVariableDataHeaderSize:]
	if nameLen > uint64(len(rest))/2 {
		return nil, fmt.Errorf("%w: name of %d characters", errShortVariableData, nameLen)
	}
	name := make([]uint16, nameLen)
	for i := range name {
		name[i] = binary.LittleEndian.Uint16(rest[2*i:])
	}
	rest = rest[2*nameLen:]
	if dataLen != uint64(len(rest)) {
		return nil, fmt.Errorf("UEFI variable data declares %d bytes of data, has %d", dataLen, len(rest))
	}
	v.VariableName = string(utf16.Decode(name))
	v.Data = append([]byte(nil), rest...)
	return &v, nil
}

// guidFromEFI converts an EFI_GUID, whose first three fields are little
// endian, into its canonical byte order.
func guidFromEFI(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// EncodeUEFIVariableData serializes a UEFI_VARIABLE_DATA structure.
func EncodeUEFIVariableData(v UEFIVariableData) []byte {
	name := utf16.Encode([]rune(v.VariableName))
	out := make([]byte, uefiVariableDataHeaderSize, uefiVariableDataHeaderSize+2*len(name)+len(v.Data))
	g := v.VariableGUID
	out[0], out[1], out[2], out[3] = g[3], g[2], g[1], g[0]
	out[4], out[5] = g[5], g[4]
	out[6], out[7] = g[7], g[6]
	copy(out[8:16], g[8:])
	binary.LittleEndian.PutUint64(out[16:], uint64(len(name)))
	binary.LittleEndian.PutUint64(out[24:], uint64(len(v.Data)))
	for _, c := range name {
		out = binary.LittleEndian.AppendUint16(out, c)
	}
	return append(out, v.Data...)
}
