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

package quote

import (
	"bytes"
	"crypto"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/google/go-measuredboot/register"
)

// Validation failures. Validate wraps exactly one of these.
var (
	ErrNonceMismatch    = errors.New("quote qualifying data does not match the nonce")
	ErrMalformedQuote   = errors.New("malformed quote")
	ErrInvalidSignature = errors.New("invalid quote signature")
)

// ValidatedQuote is a quote whose freshness and signature have been checked.
// Its PCR values can be trusted to come from the holder of the key.
type ValidatedQuote struct {
	Selection Selection
	Bank      register.PCRBank
}

// Validate checks q against the nonce the verifier sent and the attestor's
// trusted public key.
//
// The nonce is compared before anything else, so a replayed quote is
// rejected with ErrNonceMismatch even if its signature is valid. The
// signature must be a COSE_Sign1 message over q.Message() made with the
// private key of trusted.
func Validate(q *Quote, nonce []byte, trusted crypto.PublicKey) (*ValidatedQuote, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: no quote", ErrMalformedQuote)
	}
	if len(nonce) == 0 || subtle.ConstantTimeCompare(q.QualifyingData, nonce) != 1 {
		return nil, ErrNonceMismatch
	}
	msg, err := q.Message()
	if err != nil {
		return nil, err
	}
	if err := verifySignature(msg, q.Signature, trusted); err != nil {
		return nil, err
	}
	return &ValidatedQuote{Selection: q.Selection, Bank: q.Bank()}, nil
}

func verifySignature(msg, sig []byte, trusted crypto.PublicKey) error {
	alg, err := AlgorithmFor(trusted)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	verifier, err := cose.NewVerifier(alg, trusted)
	if err != nil {
		return fmt.Errorf("%w: init verifier: %v", ErrInvalidSignature, err)
	}
	var sign1 cose.Sign1Message
	if err := sign1.UnmarshalCBOR(sig); err != nil {
		return fmt.Errorf("%w: decoding COSE_Sign1: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(sign1.Payload, msg) {
		return fmt.Errorf("%w: signed payload does not cover this quote", ErrInvalidSignature)
	}
	if err := sign1.Verify(nil, verifier); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
