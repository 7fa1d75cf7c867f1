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

package verifier

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	pb "github.com/google/go-measuredboot/proto/attestation"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/rim"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/go-measuredboot/tpmeventlog"
	"github.com/google/go-measuredboot/verdict"
)

// Verdict is the outcome of a session.
type Verdict int

// Session outcomes.
const (
	Failed Verdict = iota
	Verified
)

func (v Verdict) String() string {
	if v == Verified {
		return "Verified"
	}
	return "Failed"
}

// MarshalText encodes v by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Result is what a session learned about an attestor. Fields are filled in
// as far as the pipeline got before it stopped.
type Result struct {
	SessionID  string             `json:"session_id" yaml:"session_id"`
	AttestorID string             `json:"attestor_id,omitempty" yaml:"attestor_id,omitempty"`
	Verdict    Verdict            `json:"verdict" yaml:"verdict"`
	Cause      verdict.Cause      `json:"cause,omitempty" yaml:"cause,omitempty"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Events     []rim.EventVerdict `json:"events,omitempty" yaml:"events,omitempty"`
	Replayed   register.PCRBank   `json:"-" yaml:"-"`
	Summary    rim.Summary        `json:"summary" yaml:"summary"`
}

// Process runs the verification pipeline over a raw response, in order:
// decode, quote validation, event log parse, replay against the quoted PCRs,
// and reference manifest matching. It stops at the first failing stage and
// returns its *verdict.Error. Process has no side effects besides logging.
func Process(cfg *Config, nonce, raw []byte) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("verifier: invalid config: %w", err)
	}
	res := &Result{}
	err := process(cfg, nonce, raw, res)
	if err != nil {
		res.Verdict = Failed
		res.Cause = err.Cause
		res.Error = err.Error()
		return res, err
	}
	res.Verdict = Verified
	return res, nil
}

func process(cfg *Config, nonce, raw []byte, res *Result) *verdict.Error {
	logger := cfg.logger()

	var resp pb.Response
	if err := resp.Unmarshal(raw); err != nil {
		return &verdict.Error{Cause: verdict.MalformedResponse, Err: err}
	}
	res.AttestorID = resp.AttestorID
	if resp.Error != "" {
		return verdict.Errorf(verdict.AttestorError, "attestor %q: %s", resp.AttestorID, resp.Error)
	}

	q, vErr := quoteFromProto(resp.Quote)
	if vErr != nil {
		return vErr
	}
	vq, err := quote.Validate(q, nonce, cfg.TrustedKey)
	if err != nil {
		return quoteError(err)
	}
	if !vq.Selection.Equal(cfg.Selection) {
		return verdict.Errorf(verdict.MalformedResponse, "quote covers %v, requested %v", vq.Selection, cfg.Selection)
	}
	if err := checkResponsePCRs(resp.PCRs, vq.Bank); err != nil {
		return &verdict.Error{Cause: verdict.MalformedResponse, Err: err}
	}

	st, err := tpmeventlog.Verify(resp.EventLog, vq.Bank, cfg.ParseOpts)
	if st != nil {
		res.Replayed = st.ReplayedBank(vq.Selection.PCRs...)
	}
	if err != nil {
		return replayError(err)
	}
	logger.Debug("event log replayed", "events", len(st.Events), "bank", st.Alg.String())

	res.Events = rim.Match(st.Log, cfg.Manifest)
	for _, v := range res.Events {
		logVerdict(logger, cfg.Policy, v)
	}
	res.Summary, err = rim.Evaluate(res.Events, cfg.Policy)
	if err != nil {
		var mErr *rim.MatchError
		if errors.As(err, &mErr) && mErr.Verdict == rim.NoReferenceEntry {
			return &verdict.Error{Cause: verdict.NoReferenceEntry, Err: err}
		}
		return &verdict.Error{Cause: verdict.DigestMismatch, Err: err}
	}
	return nil
}

func logVerdict(logger *slog.Logger, policy rim.Policy, v rim.EventVerdict) {
	attrs := []any{"event", v.Event, "pcr", v.Index, "type", v.Type.String(), "component", v.Name}
	switch v.Verdict {
	case rim.Verified:
		logger.Info("component verified", attrs...)
	case rim.NoReferenceEntry:
		if policy == rim.PolicyWarnOnly {
			logger.Warn("component has no reference entry", attrs...)
			return
		}
		logger.Error("component has no reference entry", attrs...)
	case rim.DigestMismatch:
		attrs = append(attrs, "expected", fmt.Sprintf("%x", v.Expected), "measured", fmt.Sprintf("%x", v.Measured))
		logger.Error("component digest mismatch", attrs...)
	}
}

func quoteFromProto(pq *pb.Quote) (*quote.Quote, *verdict.Error) {
	if pq == nil {
		return nil, verdict.Errorf(verdict.MalformedResponse, "response carries no quote")
	}
	if pq.HashAlg > 0xffff {
		return nil, verdict.Errorf(verdict.MalformedResponse, "invalid quote hash algorithm 0x%x", pq.HashAlg)
	}
	alg, ok := register.HashAlgFromTCG(uint16(pq.HashAlg))
	if !ok {
		return nil, verdict.Errorf(verdict.MalformedResponse, "unsupported quote hash algorithm 0x%x", pq.HashAlg)
	}
	sel, err := quote.SelectionFromBitmap(alg, pq.PCRSelect)
	if err != nil {
		return nil, &verdict.Error{Cause: verdict.MalformedResponse, Err: err}
	}
	q := &quote.Quote{
		Selection:      sel,
		QualifyingData: pq.QualifyingData,
		Signature:      pq.Signature,
	}
	for _, v := range pq.PCRs {
		q.PCRs = append(q.PCRs, register.PCR{Index: int(v.Index), Digest: v.Value, DigestAlg: alg.CryptoHash()})
	}
	return q, nil
}

func quoteError(err error) *verdict.Error {
	switch {
	case errors.Is(err, quote.ErrNonceMismatch):
		return &verdict.Error{Cause: verdict.NonceMismatch, Err: err}
	case errors.Is(err, quote.ErrInvalidSignature):
		return &verdict.Error{Cause: verdict.InvalidSignature, Err: err}
	}
	return &verdict.Error{Cause: verdict.MalformedResponse, Err: err}
}

// checkResponsePCRs requires the PCR array of the response to be the quoted
// snapshot, index for index.
func checkResponsePCRs(pcrs []pb.PCRValue, quoted register.PCRBank) error {
	if len(pcrs) != len(quoted.PCRs) {
		return fmt.Errorf("response carries %d PCR values, quote covers %d", len(pcrs), len(quoted.PCRs))
	}
	for i, v := range pcrs {
		want := quoted.PCRs[i]
		if int(v.Index) != want.Index {
			return fmt.Errorf("response PCR value %d is for PCR %d, quote has PCR %d", i, v.Index, want.Index)
		}
		if !bytes.Equal(v.Value, want.Digest) {
			return fmt.Errorf("response value of PCR %d differs from the quoted value", want.Index)
		}
	}
	return nil
}

func replayError(err error) *verdict.Error {
	var rErr tcg.ReplayError
	if errors.As(err, &rErr) {
		if len(rErr.InvalidMRs) != 0 {
			return &verdict.Error{Cause: verdict.PcrMismatch, Err: err}
		}
		return &verdict.Error{Cause: verdict.MissingReplayData, Err: err}
	}
	switch {
	case errors.Is(err, tcg.ErrTruncated):
		return &verdict.Error{Cause: verdict.Truncated, Err: err}
	case errors.Is(err, tcg.ErrTrailingData):
		return &verdict.Error{Cause: verdict.TrailingData, Err: err}
	}
	return &verdict.Error{Cause: verdict.MalformedEventLog, Err: err}
}
