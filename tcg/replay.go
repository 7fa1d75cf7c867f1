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

package tcg

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-measuredboot/register"
)

// ErrMissingDigest is returned when a measuring event has no digest for the
// algorithm being replayed.
var ErrMissingDigest = errors.New("event has no digest for the replay algorithm")

// Replay folds the event digests for alg into the PCRs they extend, in log
// order, and returns the final value of every PCR the log touches.
//
// EV_NO_ACTION events don't extend PCRs and are skipped. If TXT is enabled
// the first event for PCR0 is a StartupLocality event whose final byte
// indicates the locality from which TPM2_Startup() was issued; the initial
// value of PCR0 is equal to that locality.
func Replay(el *EventLog, alg register.HashAlg) (map[int][]byte, error) {
	h := alg.CryptoHash()
	if h == 0 {
		return nil, fmt.Errorf("unsupported replay algorithm %v", alg)
	}
	var locality byte
	replayed := make(map[int][]byte)
	for _, e := range el.events {
		if e.Type == NoAction {
			if e.Index == 0 && isStartupLocality(e.Data) {
				locality = e.Data[len(e.Data)-1]
			}
			continue
		}
		digest, ok := e.Digest(alg)
		if !ok {
			return nil, fmt.Errorf("event %d (PCR%d): %w: %v", e.Num, e.Index, ErrMissingDigest, alg)
		}
		current, ok := replayed[e.Index]
		if !ok {
			current = register.ResetValue(e.Index, h, locality)
		}
		replayed[e.Index] = register.Extend(h, current, digest)
	}
	return replayed, nil
}

func isStartupLocality(data []byte) bool {
	return len(data) == 17 && bytes.HasPrefix(data, []byte("StartupLocality\x00"))
}

// ReplayError describes the registers that failed to verify against the
// replayed event log.
type ReplayError struct {
	// InvalidMRs reports the set of registers whose replayed value differs
	// from the provided value.
	InvalidMRs []int
	// MissingMRs reports the set of provided registers that no event extends.
	MissingMRs []int
}

// Error returns a human-friendly description of replay failures.
func (e ReplayError) Error() string {
	switch {
	case len(e.InvalidMRs) != 0 && len(e.MissingMRs) != 0:
		return fmt.Sprintf("event log failed to verify: registers %v failed to replay and registers %v have no events", e.InvalidMRs, e.MissingMRs)
	case len(e.InvalidMRs) != 0:
		return fmt.Sprintf("event log failed to verify: the following registers failed to replay: %v", e.InvalidMRs)
	}
	return fmt.Sprintf("event log failed to verify: the following registers have no events: %v", e.MissingMRs)
}

// Compare checks every PCR in bank against the replayed values. A PCR absent
// from replayed is reported as missing even if it still holds its reset
// value.
func Compare(replayed map[int][]byte, bank register.PCRBank) error {
	var rErr ReplayError
	for _, pcr := range bank.PCRs {
		got, ok := replayed[pcr.Index]
		if !ok {
			rErr.MissingMRs = append(rErr.MissingMRs, pcr.Index)
			continue
		}
		if !bytes.Equal(got, pcr.Digest) {
			rErr.InvalidMRs = append(rErr.InvalidMRs, pcr.Index)
		}
	}
	if len(rErr.InvalidMRs) == 0 && len(rErr.MissingMRs) == 0 {
		return nil
	}
	sort.Ints(rErr.InvalidMRs)
	sort.Ints(rErr.MissingMRs)
	return rErr
}
