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
	"fmt"

	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

// State is a parsed and replayed event log.
type State struct {
	Log *tcg.EventLog
	// Alg is the bank the log was replayed in.
	Alg    register.HashAlg
	Events []Event
	// Replayed holds the final value of every PCR the log extends.
	Replayed map[int][]byte
}

// Inspect parses a PC Client event log and replays it in the bank of alg,
// without checking the result against any PCR values.
func Inspect(rawEventLog []byte, alg register.HashAlg, opts tcg.ParseOpts) (*State, error) {
	log, err := tcg.ParseEventLog(rawEventLog, opts)
	if err != nil {
		return nil, err
	}
	replayed, err := tcg.Replay(log, alg)
	if err != nil {
		return nil, err
	}
	st := &State{Log: log, Alg: alg, Replayed: replayed}
	for _, e := range log.Events() {
		st.Events = append(st.Events, newEvent(e, alg))
	}
	return st, nil
}

// Verify parses a PC Client event log and replays the parsed event log
// against the PCR bank.
//
// Parse failures are returned as *tcg.ParseError. When the replayed values
// disagree with pcrBank the returned error is a tcg.ReplayError and the
// returned State is still filled in, so callers can report what the log
// claims.
//
// It is the caller's responsibility to ensure that the passed PCR values can be
// trusted. Users can establish trust in PCR values by verifying them via a PCR
// quote.
func Verify(rawEventLog []byte, pcrBank register.PCRBank, opts tcg.ParseOpts) (*State, error) {
	if _, err := pcrBank.CryptoHash(); err != nil {
		return nil, err
	}
	st, err := Inspect(rawEventLog, pcrBank.TCGHashAlgo, opts)
	if err != nil {
		return nil, err
	}
	if err := tcg.Compare(st.Replayed, pcrBank); err != nil {
		return st, err
	}
	return st, nil
}

// ReplayedBank returns the replayed values of the given PCRs as a bank,
// skipping PCRs the log never extends.
func (s *State) ReplayedBank(indexes ...int) register.PCRBank {
	h := s.Alg.CryptoHash()
	bank := register.PCRBank{TCGHashAlgo: s.Alg}
	for _, idx := range indexes {
		if v, ok := s.Replayed[idx]; ok {
			bank.PCRs = append(bank.PCRs, register.PCR{Index: idx, Digest: v, DigestAlg: h})
		}
	}
	return bank
}

func (s *State) String() string {
	return fmt.Sprintf("%d events (%v), %d PCRs extended", len(s.Events), s.Alg, len(s.Replayed))
}
