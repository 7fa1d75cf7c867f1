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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/veraison/go-cose"
)

// AlgorithmFor returns the COSE signature algorithm used with pub.
func AlgorithmFor(pub crypto.PublicKey) (cose.Algorithm, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return cose.AlgorithmES256, nil
		case elliptic.P384():
			return cose.AlgorithmES384, nil
		case elliptic.P521():
			return cose.AlgorithmES512, nil
		}
		return 0, fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
	case *rsa.PublicKey:
		return cose.AlgorithmPS256, nil
	case ed25519.PublicKey:
		return cose.AlgorithmEdDSA, nil
	}
	return 0, fmt.Errorf("unsupported public key type %T", pub)
}

// Signer produces quote signatures with a private key. The key never leaves
// the platform that owns it.
type Signer struct {
	signer cose.Signer
	pub    crypto.PublicKey
	rand   io.Reader
}

// NewSigner returns a Signer backed by key.
func NewSigner(key crypto.Signer) (*Signer, error) {
	pub := key.Public()
	alg, err := AlgorithmFor(pub)
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(alg, key)
	if err != nil {
		return nil, fmt.Errorf("creating COSE signer: %w", err)
	}
	return &Signer{signer: signer, pub: pub, rand: rand.Reader}, nil
}

// Public returns the public half of the signing key.
func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign sets q.Signature to a COSE_Sign1 message over q.Message().
func (s *Signer) Sign(q *Quote) error {
	msg, err := q.Message()
	if err != nil {
		return err
	}
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: s.signer.Algorithm(),
		},
	}
	sig, err := cose.Sign1(s.rand, s.signer, headers, msg, nil)
	if err != nil {
		return fmt.Errorf("signing quote: %w", err)
	}
	q.Signature = sig
	return nil
}
