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

package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

// Measurement is a component measured into a PCR at runtime. The event data
// is the component name; the digest is the hash of Content, or of the name
// when Content is nil.
type Measurement struct {
	PCR     int
	Type    tcg.EventType
	Name    string
	Content []byte
}

// SoftwareConfig configures a Software platform.
type SoftwareConfig struct {
	// Algs are the banks recorded in the log. Defaults to SHA-256.
	Algs []register.HashAlg
	// BaseLog is an optional crypto agile firmware log that runtime
	// measurements are appended to.
	BaseLog []byte
	// Signer signs quotes. Required.
	Signer *quote.Signer
}

// Software is a Platform whose PCRs exist only as the replay of its own
// event log. It is useful for tests and for hosts that keep a software
// measurement chain.
type Software struct {
	signer *quote.Signer
	algs   []register.HashAlg
	base   []byte

	mu  sync.Mutex
	enc *tcg.Encoder
}

var _ Platform = (*Software)(nil)

// NewSoftware returns a Software platform with no runtime measurements.
func NewSoftware(cfg SoftwareConfig) (*Software, error) {
	if cfg.Signer == nil {
		return nil, errors.New("a quote signer is required")
	}
	algs := cfg.Algs
	if len(algs) == 0 {
		algs = []register.HashAlg{register.HashSHA256}
	}
	enc, err := tcg.NewEncoder(algs...)
	if err != nil {
		return nil, err
	}
	s := &Software{signer: cfg.Signer, algs: algs, enc: enc}
	if len(cfg.BaseLog) > 0 {
		s.base = append([]byte(nil), cfg.BaseLog...)
		// Fail early if the runtime log could never be appended.
		if _, err := tcg.AppendEvents(s.base, enc.Bytes()); err != nil {
			return nil, fmt.Errorf("base log: %w", err)
		}
	}
	return s, nil
}

// Measure extends m into its PCR by appending it to the log.
func (s *Software) Measure(m Measurement) error {
	content := m.Content
	if content == nil {
		content = []byte(m.Name)
	}
	digests := make([]tcg.Digest, 0, len(s.algs))
	for _, alg := range s.algs {
		h := alg.CryptoHash().New()
		h.Write(content)
		digests = append(digests, tcg.Digest{Alg: alg, Data: h.Sum(nil)})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Append(m.PCR, m.Type, []byte(m.Name), digests...); err != nil {
		return fmt.Errorf("measuring %q: %w", m.Name, err)
	}
	return nil
}

// EventLog returns the firmware log followed by the runtime measurements.
func (s *Software) EventLog(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	runtime := s.enc.Bytes()
	s.mu.Unlock()
	if s.base == nil {
		return runtime, nil
	}
	return tcg.AppendEvents(s.base, runtime)
}

// PCRValues replays the log into the selected bank. PCRs the log never
// extends hold their reset value.
func (s *Software) PCRValues(ctx context.Context, sel quote.Selection) (register.PCRBank, error) {
	raw, err := s.EventLog(ctx)
	if err != nil {
		return register.PCRBank{}, err
	}
	log, err := tcg.ParseEventLog(raw, tcg.ParseOpts{})
	if err != nil {
		return register.PCRBank{}, fmt.Errorf("reading own event log: %w", err)
	}
	replayed, err := tcg.Replay(log, sel.Hash)
	if err != nil {
		return register.PCRBank{}, err
	}
	h := sel.Hash.CryptoHash()
	bank := register.PCRBank{TCGHashAlgo: sel.Hash}
	for _, idx := range sel.PCRs {
		v, ok := replayed[idx]
		if !ok {
			v = register.ResetValue(idx, h, 0)
		}
		bank.PCRs = append(bank.PCRs, register.PCR{Index: idx, Digest: v, DigestAlg: h})
	}
	return bank, nil
}

// Quote signs the current values of the selected PCRs together with nonce.
func (s *Software) Quote(ctx context.Context, sel quote.Selection, nonce []byte) (*quote.Quote, error) {
	bank, err := s.PCRValues(ctx, sel)
	if err != nil {
		return nil, err
	}
	q := &quote.Quote{
		Selection:      sel,
		PCRs:           bank.PCRs,
		QualifyingData: append([]byte(nil), nonce...),
	}
	if err := s.signer.Sign(q); err != nil {
		return nil, err
	}
	return q, nil
}
