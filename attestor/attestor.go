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

// Package attestor answers attestation requests with evidence collected
// from a platform.
package attestor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	pb "github.com/google/go-measuredboot/proto/attestation"
	"github.com/google/go-measuredboot/platform"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/transport"
	"github.com/google/go-measuredboot/verdict"
)

// DefaultID identifies an attestor that was not given an id.
const DefaultID = "attestor456"

// maxNonceSize is the largest qualifying data a TPM accepts, the size of a
// SHA-512 digest.
const maxNonceSize = 64

// State is the position of a session in the attestor protocol.
type State int

// Attestor states. A session moves forward through them exactly once and
// stops in StateDone or StateError.
const (
	StateInit State = iota
	StateProcessRequest
	StateCollectData
	StateSendResponse
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateProcessRequest:
		return "ProcessRequest"
	case StateCollectData:
		return "CollectData"
	case StateSendResponse:
		return "SendResponse"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures attestor sessions.
type Config struct {
	// ID is reported to verifiers. Defaults to DefaultID.
	ID       string
	Platform platform.Platform
	// Timeout bounds the wait for the verifier's request. Zero waits until
	// the context is done.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one attestation exchange. It is owned by the goroutine that
// calls Run and must not be shared.
type Session struct {
	ID uuid.UUID

	cfg    Config
	tr     transport.Transport
	logger *slog.Logger
	state  State

	req      pb.Request
	sel      quote.Selection
	pcrs     register.PCRBank
	eventLog []byte
	err      *verdict.Error
}

// NewSession returns a session answering one request received on tr.
func NewSession(cfg Config, tr transport.Transport) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New()
	return &Session{
		ID:     id,
		cfg:    cfg,
		tr:     tr,
		logger: cfg.Logger.With("session", id.String(), "role", "attestor"),
		state:  StateInit,
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// Err returns the failure of a session that ended in StateError.
func (s *Session) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Run drives the session until it is done or fails. The returned error is a
// *verdict.Error.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Platform == nil {
		s.fail(ctx, verdict.Errorf(verdict.CollectionFailure, "no platform configured"))
		return s.Err()
	}
	for s.state != StateDone && s.state != StateError {
		s.logger.Debug("attestor state", "state", s.state)
		var err *verdict.Error
		switch s.state {
		case StateInit:
			s.reset()
			s.state = StateProcessRequest
		case StateProcessRequest:
			if err = s.processRequest(ctx); err == nil {
				s.state = StateCollectData
			}
		case StateCollectData:
			if err = s.collectData(ctx); err == nil {
				s.state = StateSendResponse
			}
		case StateSendResponse:
			if err = s.sendResponse(ctx); err == nil {
				s.state = StateDone
			}
		default:
			panic(fmt.Sprintf("attestor: unhandled state %v", s.state))
		}
		if err != nil {
			s.fail(ctx, err)
		}
	}
	if s.state == StateDone {
		s.logger.Info("attestation response sent", "verifier", s.req.VerifierID)
	}
	return s.Err()
}

func (s *Session) reset() {
	s.req = pb.Request{}
	s.sel = quote.Selection{}
	s.pcrs = register.PCRBank{}
	s.eventLog = nil
	s.err = nil
}

func (s *Session) processRequest(ctx context.Context) *verdict.Error {
	raw, err := s.tr.Receive(ctx, s.cfg.Timeout)
	if err != nil {
		return transportError(ctx, "receiving request", err)
	}
	if err := s.req.Unmarshal(raw); err != nil {
		return &verdict.Error{Cause: verdict.MalformedRequest, Err: err}
	}
	if len(s.req.Nonce) == 0 || len(s.req.Nonce) > maxNonceSize {
		return verdict.Errorf(verdict.MalformedRequest, "nonce is %d bytes, want 1 to %d", len(s.req.Nonce), maxNonceSize)
	}
	if s.req.HashAlg > 0xffff {
		return verdict.Errorf(verdict.MalformedRequest, "invalid hash algorithm 0x%x", s.req.HashAlg)
	}
	alg, ok := register.HashAlgFromTCG(uint16(s.req.HashAlg))
	if !ok {
		return verdict.Errorf(verdict.MalformedRequest, "unsupported hash algorithm 0x%x", s.req.HashAlg)
	}
	sel, err := quote.SelectionFromBitmap(alg, s.req.PCRSelect)
	if err != nil {
		return &verdict.Error{Cause: verdict.MalformedRequest, Err: err}
	}
	if len(sel.PCRs) == 0 {
		return verdict.Errorf(verdict.MalformedRequest, "no PCRs selected")
	}
	s.sel = sel
	s.logger.Info("attestation request", "verifier", s.req.VerifierID, "selection", sel.String())
	return nil
}

func (s *Session) collectData(ctx context.Context) *verdict.Error {
	pcrs, err := s.cfg.Platform.PCRValues(ctx, s.sel)
	if err != nil {
		return collectionError(ctx, "reading PCRs", err)
	}
	eventLog, err := s.cfg.Platform.EventLog(ctx)
	if err != nil {
		return collectionError(ctx, "reading event log", err)
	}
	s.pcrs = pcrs
	s.eventLog = eventLog
	return nil
}

func (s *Session) sendResponse(ctx context.Context) *verdict.Error {
	q, err := s.cfg.Platform.Quote(ctx, s.sel, s.req.Nonce)
	if err != nil {
		return collectionError(ctx, "quoting PCRs", err)
	}
	if !samePCRs(s.pcrs.PCRs, q.PCRs) {
		return verdict.Errorf(verdict.CollectionFailure, "PCRs changed while collecting evidence")
	}
	resp := &pb.Response{
		AttestorID: s.cfg.ID,
		PCRs:       pcrValues(s.pcrs.PCRs),
		EventLog:   s.eventLog,
		Quote:      quoteToProto(q),
	}
	if err := s.tr.Send(ctx, resp.Marshal()); err != nil {
		return transportError(ctx, "sending response", err)
	}
	return nil
}

// fail records err and, while the verifier can still be reached, tells it
// why no evidence is coming.
func (s *Session) fail(ctx context.Context, err *verdict.Error) {
	s.err = err
	s.state = StateError
	s.logger.Warn("attestation failed", "cause", err.Cause, "error", err.Err)
	switch err.Cause {
	case verdict.TransportFailure, verdict.Timeout, verdict.Cancelled:
		return
	}
	resp := &pb.Response{AttestorID: s.cfg.ID, Error: err.Error()}
	if sendErr := s.tr.Send(ctx, resp.Marshal()); sendErr != nil {
		s.logger.Debug("could not report failure", "error", sendErr)
	}
}

func transportError(ctx context.Context, op string, err error) *verdict.Error {
	switch {
	case ctx.Err() != nil:
		return &verdict.Error{Cause: verdict.Cancelled, Err: fmt.Errorf("%s: %w", op, err)}
	case errors.Is(err, transport.ErrTimeout):
		return &verdict.Error{Cause: verdict.Timeout, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &verdict.Error{Cause: verdict.TransportFailure, Err: fmt.Errorf("%s: %w", op, err)}
}

func collectionError(ctx context.Context, op string, err error) *verdict.Error {
	if ctx.Err() != nil {
		return &verdict.Error{Cause: verdict.Cancelled, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &verdict.Error{Cause: verdict.CollectionFailure, Err: fmt.Errorf("%s: %w", op, err)}
}

func samePCRs(a, b []register.PCR) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Index != b[i].Index || !bytes.Equal(a[i].Digest, b[i].Digest) {
			return false
		}
	}
	return true
}

func pcrValues(pcrs []register.PCR) []pb.PCRValue {
	out := make([]pb.PCRValue, 0, len(pcrs))
	for _, p := range pcrs {
		out = append(out, pb.PCRValue{Index: uint32(p.Index), Value: p.Digest})
	}
	return out
}

func quoteToProto(q *quote.Quote) *pb.Quote {
	bitmap := q.Selection.Bitmap()
	return &pb.Quote{
		HashAlg:        uint32(q.Selection.Hash.GoTPMAlg()),
		PCRSelect:      bitmap[:],
		PCRs:           pcrValues(q.PCRs),
		QualifyingData: q.QualifyingData,
		Signature:      q.Signature,
	}
}
