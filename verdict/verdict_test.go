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

package verdict

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestClasses(t *testing.T) {
	for _, tc := range []struct {
		cause     Cause
		class     Class
		retryable bool
	}{
		{MalformedRequest, ClassProtocol, false},
		{Truncated, ClassProtocol, false},
		{InvalidSignature, ClassTrust, false},
		{NonceMismatch, ClassTrust, false},
		{PcrMismatch, ClassTrust, false},
		{DigestMismatch, ClassTrust, false},
		{Timeout, ClassResource, true},
		{CollectionFailure, ClassResource, true},
	} {
		t.Run(tc.cause.String(), func(t *testing.T) {
			if got := tc.cause.Class(); got != tc.class {
				t.Errorf("Class() = %v, want %v", got, tc.class)
			}
			if got := tc.cause.Retryable(); got != tc.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestEveryCauseHasAName(t *testing.T) {
	for c := MalformedRequest; c <= NoReferenceEntry; c++ {
		parsed, err := ParseCause(c.String())
		if err != nil {
			t.Errorf("ParseCause(%q): %v", c, err)
			continue
		}
		if parsed != c {
			t.Errorf("ParseCause(%q) = %v", c, parsed)
		}
		if c.Class() == 0 {
			t.Errorf("%v has no class", c)
		}
	}
	if got := Cause(99).String(); got != "Cause(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestErrorChain(t *testing.T) {
	err := fmt.Errorf("session abc: %w", &Error{Cause: Truncated, Err: io.ErrUnexpectedEOF})
	if got := CauseOf(err); got != Truncated {
		t.Errorf("CauseOf() = %v, want Truncated", got)
	}
	if !errors.Is(err, &Error{Cause: Truncated}) {
		t.Error("errors.Is did not match the cause")
	}
	if errors.Is(err, &Error{Cause: TrailingData}) {
		t.Error("errors.Is matched a different cause")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is did not reach the wrapped error")
	}
	if got := CauseOf(io.EOF); got != 0 {
		t.Errorf("CauseOf(io.EOF) = %v, want 0", got)
	}
	if got, want := Errorf(PcrMismatch, "PCR%d", 7).Error(), "PcrMismatch: PCR7"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
