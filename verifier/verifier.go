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

// Package verifier challenges an attestor and judges the evidence it
// returns.
package verifier

import (
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	pb "github.com/google/go-measuredboot/proto/attestation"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/rim"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/go-measuredboot/transport"
	"github.com/google/go-measuredboot/verdict"
)

// Defaults for Config.
const (
	DefaultID        = "verifier123"
	DefaultNonceSize = 16
	// MinNonceSize and MaxNonceSize bound a configured nonce size.
	MinNonceSize = 8
	MaxNonceSize = 64
	DefaultTimeout   = 10 * time.Second
)

// Config holds everything a session needs to judge an attestor. The
// manifest and key are only read, so one Config can serve many concurrent
// sessions.
type Config struct {
	// ID is sent to the attestor. Defaults to DefaultID.
	ID string
	// Selection is the set of PCRs to quote.
	Selection  quote.Selection
	TrustedKey crypto.PublicKey
	Manifest   *rim.Manifest
	// Policy decides how components without a reference entry are treated.
	// It must be set.
	Policy rim.Policy
	// Timeout bounds the wait for the response. Defaults to DefaultTimeout.
	Timeout time.Duration
	// NonceSize is zero for DefaultNonceSize, otherwise between MinNonceSize
	// and MaxNonceSize.
	NonceSize int
	ParseOpts tcg.ParseOpts
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Rand is the nonce source. Defaults to crypto/rand.
	Rand io.Reader
}

// Validate reports every missing or invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := quote.NewSelection(c.Selection.Hash, c.Selection.PCRs...); err != nil {
		errs = append(errs, fmt.Errorf("selection: %w", err))
	} else if len(c.Selection.PCRs) == 0 {
		errs = append(errs, errors.New("selection: no PCRs selected"))
	}
	if c.TrustedKey == nil {
		errs = append(errs, errors.New("no trusted attestor key"))
	} else if _, err := quote.AlgorithmFor(c.TrustedKey); err != nil {
		errs = append(errs, fmt.Errorf("trusted key: %w", err))
	}
	if c.Manifest == nil {
		errs = append(errs, errors.New("no reference manifest"))
	}
	if c.Policy != rim.PolicyFailClosed && c.Policy != rim.PolicyWarnOnly {
		errs = append(errs, rim.ErrPolicyUnset)
	}
	if c.NonceSize != 0 && (c.NonceSize < MinNonceSize || c.NonceSize > MaxNonceSize) {
		errs = append(errs, fmt.Errorf("nonce size %d not in %d..%d", c.NonceSize, MinNonceSize, MaxNonceSize))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("negative timeout"))
	}
	return errors.Join(errs...)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultID
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.NonceSize == 0 {
		c.NonceSize = DefaultNonceSize
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// State is the position of a session in the verifier protocol.
type State int

// Verifier states. A session moves forward through them exactly once and
// stops in StateDone or StateError.
const (
	StateInit State = iota
	StateSendRequest
	StateWaitForResponse
	StateProcessResponse
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSendRequest:
		return "SendRequest"
	case StateWaitForResponse:
		return "WaitForResponse"
	case StateProcessResponse:
		return "ProcessResponse"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one challenge of one attestor. It is owned by the goroutine
// that calls Run and must not be shared.
type Session struct {
	ID uuid.UUID

	cfg    Config
	tr     transport.Transport
	logger *slog.Logger
	state  State

	nonce  []byte
	raw    []byte
	result *Result
	err    *verdict.Error
}

// NewSession validates cfg and returns a session that talks to an attestor
// over tr.
func NewSession(cfg Config, tr transport.Transport) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("verifier: invalid config: %w", err)
	}
	cfg = cfg.withDefaults()
	id := uuid.New()
	cfg.Logger = cfg.Logger.With("session", id.String(), "role", "verifier")
	return &Session{
		ID:     id,
		cfg:    cfg,
		tr:     tr,
		logger: cfg.Logger,
		state:  StateInit,
	}, nil
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// Nonce returns the challenge sent to the attestor.
func (s *Session) Nonce() []byte {
	return s.nonce
}

// Run challenges the attestor and verifies its response. The Result is
// always returned; the error is a *verdict.Error unless the attestor was
// Verified.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	for s.state != StateDone && s.state != StateError {
		s.logger.Debug("verifier state", "state", s.state)
		var err *verdict.Error
		switch s.state {
		case StateInit:
			s.nonce, s.raw, s.result, s.err = nil, nil, nil, nil
			s.state = StateSendRequest
		case StateSendRequest:
			if err = s.sendRequest(ctx); err == nil {
				s.state = StateWaitForResponse
			}
		case StateWaitForResponse:
			if err = s.waitForResponse(ctx); err == nil {
				s.state = StateProcessResponse
			}
		case StateProcessResponse:
			if err = s.processResponse(); err == nil {
				s.state = StateDone
			}
		default:
			panic(fmt.Sprintf("verifier: unhandled state %v", s.state))
		}
		if err != nil {
			s.err = err
			s.state = StateError
		}
	}
	if s.result == nil {
		s.result = &Result{Verdict: Failed}
	}
	s.result.SessionID = s.ID.String()
	if s.err != nil {
		s.result.Verdict = Failed
		s.result.Cause = s.err.Cause
		s.result.Error = s.err.Error()
		s.logger.Warn("attestation failed", "attestor", s.result.AttestorID, "cause", s.err.Cause, "error", s.err.Err)
		return s.result, s.err
	}
	s.logger.Info("attestation verified", "attestor", s.result.AttestorID,
		"verified", s.result.Summary.Verified, "unknown", s.result.Summary.NoReferenceEntry)
	return s.result, nil
}

func (s *Session) sendRequest(ctx context.Context) *verdict.Error {
	nonce := make([]byte, s.cfg.NonceSize)
	if _, err := io.ReadFull(s.cfg.Rand, nonce); err != nil {
		return &verdict.Error{Cause: verdict.CollectionFailure, Err: fmt.Errorf("generating nonce: %w", err)}
	}
	s.nonce = nonce
	bitmap := s.cfg.Selection.Bitmap()
	req := &pb.Request{
		Nonce:      nonce,
		VerifierID: s.cfg.ID,
		HashAlg:    uint32(s.cfg.Selection.Hash.GoTPMAlg()),
		PCRSelect:  bitmap[:],
	}
	if err := s.tr.Send(ctx, req.Marshal()); err != nil {
		return transportError(ctx, "sending request", err)
	}
	return nil
}

func (s *Session) waitForResponse(ctx context.Context) *verdict.Error {
	raw, err := s.tr.Receive(ctx, s.cfg.Timeout)
	if err != nil {
		return transportError(ctx, "waiting for response", err)
	}
	s.raw = raw
	return nil
}

func (s *Session) processResponse() *verdict.Error {
	res, err := Process(&s.cfg, s.nonce, s.raw)
	s.result = res
	if err != nil {
		var vErr *verdict.Error
		if errors.As(err, &vErr) {
			return vErr
		}
		return &verdict.Error{Cause: verdict.MalformedResponse, Err: err}
	}
	return nil
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
