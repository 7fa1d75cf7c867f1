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

// Package eventparse has tools for extracting component information from
// measurement events.
package eventparse

import (
	"bytes"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-measuredboot/tcg"
)

// ComponentName returns the name a measured component is known by in a
// reference manifest.
//
// EFI variable events are named by their UEFI variable name. Other events are
// named by their data when it is printable text, with trailing NULs removed.
// Events with binary payloads and EV_NO_ACTION events have no name.
func ComponentName(e tcg.Event) (string, bool) {
	if e.Type == tcg.NoAction {
		return "", false
	}
	if e.Type.IsEFIVariable() {
		v, err := ParseUEFIVariableData(e.Data)
		if err != nil || v.VariableName == "" {
			return "", false
		}
		return v.VariableName, true
	}
	return textName(e.Data)
}

func textName(data []byte) (string, bool) {
	name := bytes.TrimRight(data, "\x00")
	if len(name) == 0 || !utf8.Valid(name) {
		return "", false
	}
	s := string(name)
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", false
		}
	}
	return s, true
}
