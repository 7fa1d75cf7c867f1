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

// Package verdict classifies why an attestation session failed.
package verdict

import (
	"errors"
	"fmt"
)

// Class groups causes by how callers should react to them.
type Class int

// Failure classes.
const (
	// ClassProtocol covers malformed or truncated messages and event logs.
	// They are never retried.
	ClassProtocol Class = iota + 1
	// ClassTrust covers failed trust decisions. They are expected outcomes of
	// the protocol and point at compromise, staleness or configuration drift.
	ClassTrust
	// ClassResource covers unavailable collaborators. The caller may retry
	// the whole session.
	ClassResource
)

func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassTrust:
		return "trust"
	case ClassResource:
		return "resource"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Cause is the reason a session failed.
type Cause int

// Failure causes.
const (
	MalformedRequest Cause = iota + 1
	CollectionFailure
	TransportFailure
	Timeout
	Cancelled
	MalformedResponse
	AttestorError
	InvalidSignature
	NonceMismatch
	Truncated
	TrailingData
	MalformedEventLog
	PcrMismatch
	MissingReplayData
	DigestMismatch
	NoReferenceEntry
)

var causes = map[Cause]struct {
	name  string
	class Class
}{
	MalformedRequest:  {"MalformedRequest", ClassProtocol},
	CollectionFailure: {"CollectionFailure", ClassResource},
	TransportFailure:  {"TransportFailure", ClassResource},
	Timeout:           {"Timeout", ClassResource},
	Cancelled:         {"Cancelled", ClassResource},
	MalformedResponse: {"MalformedResponse", ClassProtocol},
	AttestorError:     {"AttestorError", ClassResource},
	InvalidSignature:  {"InvalidSignature", ClassTrust},
	NonceMismatch:     {"NonceMismatch", ClassTrust},
	Truncated:         {"Truncated", ClassProtocol},
	TrailingData:      {"TrailingData", ClassProtocol},
	MalformedEventLog: {"MalformedEventLog", ClassProtocol},
	PcrMismatch:       {"PcrMismatch", ClassTrust},
	MissingReplayData: {"MissingReplayData", ClassTrust},
	DigestMismatch:    {"DigestMismatch", ClassTrust},
	NoReferenceEntry:  {"NoReferenceEntry", ClassTrust},
}

func (c Cause) String() string {
	if info, ok := causes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

// MarshalText encodes c by name.
func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Class returns the class of c, or 0 for an unknown cause.
func (c Cause) Class() Class {
	return causes[c].class
}

// Retryable reports whether a new session might succeed where this one
// failed.
func (c Cause) Retryable() bool {
	return c.Class() == ClassResource
}

// ParseCause parses the name of a cause.
func ParseCause(name string) (Cause, error) {
	for c, info := range causes {
		if info.name == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cause %q", name)
}

// Error is a failed session.
type Error struct {
	Cause Cause
	Err   error
}

// Errorf returns an *Error for cause with a formatted message.
func Errorf(cause Cause, format string, args ...any) *Error {
	return &Error{Cause: cause, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Cause.String()
	}
	return fmt.Sprintf("%v: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same cause, so errors.Is(err,
// &Error{Cause: PcrMismatch}) tests for a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Cause == e.Cause
}

// CauseOf returns the cause recorded in err's chain, or 0 if there is none.
func CauseOf(err error) Cause {
	var e *Error
	if errors.As(err, &e) {
		return e.Cause
	}
	return 0
}
