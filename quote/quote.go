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

// Package quote implements the signed PCR quote exchanged during attestation:
// its canonical encoding, signing and validation.
package quote

import (
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/google/go-measuredboot/register"
)

// generatedMagic is the TPM_GENERATED_VALUE that starts every attestation
// structure produced by a TPM.
const generatedMagic uint32 = 0xff544347

// Quote is a signed statement of the values of a set of PCRs, bound to a
// verifier supplied nonce.
type Quote struct {
	Selection Selection
	// PCRs holds one value per selected index, in selection order.
	PCRs           []register.PCR
	QualifyingData []byte
	// Signature is a COSE_Sign1 message whose payload is Message().
	Signature []byte
}

// Message returns the canonical byte encoding covered by the signature. It
// follows the TPMS_ATTEST layout of a TPM2_Quote:
//
//	magic | tag | qualifyingData | hashAlg | sizeofSelect | pcrSelect | pcrDigest
//
// where pcrDigest is the hash of the concatenated selected PCR values.
func (q *Quote) Message() ([]byte, error) {
	if err := q.checkStructure(); err != nil {
		return nil, err
	}
	h := q.Selection.Hash.CryptoHash()
	composite := h.New()
	for _, pcr := range q.PCRs {
		composite.Write(pcr.Digest)
	}
	bitmap := q.Selection.Bitmap()
	return tpmutil.Pack(
		generatedMagic,
		tpm2.TagAttestQuote,
		tpmutil.U16Bytes(q.QualifyingData),
		uint16(q.Selection.Hash.GoTPMAlg()),
		uint8(sizeOfSelect),
		tpmutil.RawBytes(bitmap[:]),
		tpmutil.U16Bytes(composite.Sum(nil)),
	)
}

// Bank returns the quoted PCR values as a bank.
func (q *Quote) Bank() register.PCRBank {
	h := q.Selection.Hash.CryptoHash()
	bank := register.PCRBank{TCGHashAlgo: q.Selection.Hash}
	for _, pcr := range q.PCRs {
		bank.PCRs = append(bank.PCRs, register.PCR{
			Index:     pcr.Index,
			Digest:    append([]byte(nil), pcr.Digest...),
			DigestAlg: h,
		})
	}
	return bank
}

func (q *Quote) checkStructure() error {
	sel, err := NewSelection(q.Selection.Hash, q.Selection.PCRs...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}
	if len(sel.PCRs) == 0 {
		return fmt.Errorf("%w: empty PCR selection", ErrMalformedQuote)
	}
	if len(q.PCRs) != len(sel.PCRs) {
		return fmt.Errorf("%w: %d PCR values for %d selected PCRs", ErrMalformedQuote, len(q.PCRs), len(sel.PCRs))
	}
	size := sel.Hash.Size()
	for i, pcr := range q.PCRs {
		if pcr.Index != sel.PCRs[i] {
			return fmt.Errorf("%w: PCR value %d is for PCR %d, want PCR %d", ErrMalformedQuote, i, pcr.Index, sel.PCRs[i])
		}
		if len(pcr.Digest) != size {
			return fmt.Errorf("%w: PCR %d digest is %d bytes, want %d", ErrMalformedQuote, pcr.Index, len(pcr.Digest), size)
		}
	}
	if len(q.QualifyingData) > 0xffff {
		return fmt.Errorf("%w: qualifying data too large", ErrMalformedQuote)
	}
	return nil
}
