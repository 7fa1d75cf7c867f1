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
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-measuredboot/internal/eventparse"
	"github.com/google/go-measuredboot/tcg"
)

// Verdict is the outcome of judging one event against a manifest.
type Verdict int

// Verdicts.
const (
	Verified Verdict = iota + 1
	DigestMismatch
	NoReferenceEntry
)

func (v Verdict) String() string {
	switch v {
	case Verified:
		return "Verified"
	case DigestMismatch:
		return "DigestMismatch"
	case NoReferenceEntry:
		return "NoReferenceEntry"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// MarshalText encodes v by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// EventVerdict records the verdict for a single event.
type EventVerdict struct {
	// Event is the event's position in the log.
	Event    int
	Index    int
	Type     tcg.EventType
	Name     string
	Verdict  Verdict
	Expected []byte
	Measured []byte
}

// Match judges every measuring event of log against manifest, in log order.
// EV_NO_ACTION events extend nothing and are not judged. An event without a
// usable component name has no reference entry.
func Match(log *tcg.EventLog, manifest *Manifest) []EventVerdict {
	var out []EventVerdict
	for _, e := range log.Events() {
		if e.Type == tcg.NoAction {
			continue
		}
		v := EventVerdict{Event: e.Num, Index: e.Index, Type: e.Type}
		v.Measured, _ = e.Digest(manifest.Alg())
		name, named := eventparse.ComponentName(e)
		v.Name = name
		entry, found := manifest.Lookup(name)
		switch {
		case !named || !found:
			v.Verdict = NoReferenceEntry
		case v.Measured != nil && subtle.ConstantTimeCompare(entry.Digest, v.Measured) == 1:
			v.Verdict = Verified
			v.Expected = entry.Digest
		default:
			v.Verdict = DigestMismatch
			v.Expected = entry.Digest
		}
		out = append(out, v)
	}
	return out
}

// Policy decides how events without a reference entry are treated. The zero
// value is not a valid policy; callers must choose one.
type Policy int

// Unknown component policies.
const (
	// PolicyFailClosed fails verification on any NoReferenceEntry verdict.
	PolicyFailClosed Policy = iota + 1
	// PolicyWarnOnly reports NoReferenceEntry verdicts without failing.
	PolicyWarnOnly
)

// ErrPolicyUnset is returned when no unknown component policy was chosen.
var ErrPolicyUnset = errors.New("unknown component policy is not set")

// ParsePolicy parses "fail-closed" or "warn-only".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "fail-closed":
		return PolicyFailClosed, nil
	case "warn-only":
		return PolicyWarnOnly, nil
	case "":
		return 0, ErrPolicyUnset
	}
	return 0, fmt.Errorf("unknown policy %q, want fail-closed or warn-only", s)
}

func (p Policy) String() string {
	switch p {
	case PolicyFailClosed:
		return "fail-closed"
	case PolicyWarnOnly:
		return "warn-only"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Summary counts the verdicts of a match.
type Summary struct {
	Verified         int `json:"verified" yaml:"verified"`
	DigestMismatch   int `json:"digest_mismatch" yaml:"digest_mismatch"`
	NoReferenceEntry int `json:"no_reference_entry" yaml:"no_reference_entry"`
}

// MatchError lists the events that failed verification.
type MatchError struct {
	// Verdict is DigestMismatch if any event mismatched, NoReferenceEntry
	// otherwise.
	Verdict Verdict
	Failed  []EventVerdict
}

func (e *MatchError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("event %d", f.Event)
		}
		names = append(names, fmt.Sprintf("%s: %v", name, f.Verdict))
	}
	return fmt.Sprintf("reference manifest verification failed with %v: %s", e.Verdict, strings.Join(names, ", "))
}

// Evaluate applies policy to verdicts. A DigestMismatch always fails; a
// NoReferenceEntry fails unless the policy is PolicyWarnOnly.
func Evaluate(verdicts []EventVerdict, policy Policy) (Summary, error) {
	var s Summary
	if policy != PolicyFailClosed && policy != PolicyWarnOnly {
		return s, ErrPolicyUnset
	}
	var mismatched, unknown []EventVerdict
	for _, v := range verdicts {
		switch v.Verdict {
		case Verified:
			s.Verified++
		case DigestMismatch:
			s.DigestMismatch++
			mismatched = append(mismatched, v)
		case NoReferenceEntry:
			s.NoReferenceEntry++
			unknown = append(unknown, v)
		default:
			return s, fmt.Errorf("event %d has invalid verdict %v", v.Event, v.Verdict)
		}
	}
	if len(mismatched) != 0 {
		failed := mismatched
		if policy == PolicyFailClosed {
			failed = append(failed, unknown...)
		}
		return s, &MatchError{Verdict: DigestMismatch, Failed: failed}
	}
	if len(unknown) != 0 && policy == PolicyFailClosed {
		return s, &MatchError{Verdict: NoReferenceEntry, Failed: unknown}
	}
	return s, nil
}
