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

// Package register contains measurement register-specific implementations.
package register

import (
	"crypto"
	"fmt"
	"sort"
	"strings"

	// Ensure hashes are available.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/google/go-tpm/legacy/tpm2"
)

// NumPCRs is the number of PCRs in a PC Client TPM bank.
const NumPCRs = 24

// PCRBank is a bank of PCRs that all correspond to the same hash algorithm.
type PCRBank struct {
	TCGHashAlgo HashAlg
	PCRs        []PCR
}

// CryptoHash returns the crypto.Hash algorithm related to the PCR bank.
func (b PCRBank) CryptoHash() (crypto.Hash, error) {
	cryptoHash := b.TCGHashAlgo.CryptoHash()
	if cryptoHash == 0 {
		return crypto.Hash(0), fmt.Errorf("received a bad PCR bank of type %s", b.TCGHashAlgo)
	}
	var invalidPCRs []int
	for _, pcr := range b.PCRs {
		if pcr.DigestAlg != cryptoHash || len(pcr.Digest) != cryptoHash.Size() {
			invalidPCRs = append(invalidPCRs, pcr.Index)
		}
	}
	if len(invalidPCRs) != 0 {
		return crypto.Hash(0), fmt.Errorf("found an invalid hash algorithm in PCRs %v for bank of algorithm type %s", invalidPCRs, b.TCGHashAlgo)
	}
	return cryptoHash, nil
}

// Lookup returns the PCR with the given index.
func (b PCRBank) Lookup(index int) (PCR, bool) {
	for _, pcr := range b.PCRs {
		if pcr.Index == index {
			return pcr, true
		}
	}
	return PCR{}, false
}

// Indexes returns the sorted PCR indexes held by the bank.
func (b PCRBank) Indexes() []int {
	idx := make([]int, 0, len(b.PCRs))
	for _, pcr := range b.PCRs {
		idx = append(idx, pcr.Index)
	}
	sort.Ints(idx)
	return idx
}

// PCR encapsulates the value of a PCR at a point in time.
type PCR struct {
	Index     int
	Digest    []byte
	DigestAlg crypto.Hash
}

// ResetValue returns the value held by a PCR right after platform reset.
//
// PCRs 17 through 22 are reset by a dynamic launch and hold all ones until
// then. PCR0 carries the locality TPM2_Startup was issued from in its final
// byte.
func ResetValue(index int, h crypto.Hash, locality byte) []byte {
	v := make([]byte, h.Size())
	if index >= 17 && index <= 22 {
		for i := range v {
			v[i] = 0xff
		}
		return v
	}
	if index == 0 {
		v[len(v)-1] = locality
	}
	return v
}

// Extend folds digest into old, returning H(old || digest).
func Extend(h crypto.Hash, old, digest []byte) []byte {
	hasher := h.New()
	hasher.Write(old)
	hasher.Write(digest)
	return hasher.Sum(nil)
}

// HashAlg identifies a hashing Algorithm using its TCG algorithm id.
type HashAlg uint8

// Valid hash algorithms.
var (
	HashSHA1   = HashAlg(tpm2.AlgSHA1)
	HashSHA256 = HashAlg(tpm2.AlgSHA256)
	HashSHA384 = HashAlg(tpm2.AlgSHA384)
)

// ParseHashAlg converts a name such as "sha256" or "SHA-256" into a HashAlg.
func ParseHashAlg(name string) (HashAlg, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "") {
	case "sha1":
		return HashSHA1, nil
	case "sha256":
		return HashSHA256, nil
	case "sha384":
		return HashSHA384, nil
	}
	return 0, fmt.Errorf("unsupported hash algorithm %q", name)
}

// HashAlgFromTCG converts a TCG algorithm id into a HashAlg.
func HashAlgFromTCG(id uint16) (HashAlg, bool) {
	switch tpm2.Algorithm(id) {
	case tpm2.AlgSHA1:
		return HashSHA1, true
	case tpm2.AlgSHA256:
		return HashSHA256, true
	case tpm2.AlgSHA384:
		return HashSHA384, true
	}
	return 0, false
}

// CryptoHash turns the hash algo into a crypto.Hash
func (a HashAlg) CryptoHash() crypto.Hash {
	switch a {
	case HashSHA1:
		return crypto.SHA1
	case HashSHA256:
		return crypto.SHA256
	case HashSHA384:
		return crypto.SHA384
	}
	return 0
}

// Size returns the digest size of the algorithm, or 0 if it is unknown.
func (a HashAlg) Size() int {
	h := a.CryptoHash()
	if h == 0 {
		return 0
	}
	return h.Size()
}

// GoTPMAlg returns the go-tpm definition of this crypto.Hash, based on the
// TCG Algorithm Registry.
func (a HashAlg) GoTPMAlg() tpm2.Algorithm {
	switch a {
	case HashSHA1:
		return tpm2.AlgSHA1
	case HashSHA256:
		return tpm2.AlgSHA256
	case HashSHA384:
		return tpm2.AlgSHA384
	}
	return 0
}

// String returns a human-friendly representation of the hash algorithm.
func (a HashAlg) String() string {
	switch a {
	case HashSHA1:
		return "SHA1"
	case HashSHA256:
		return "SHA256"
	case HashSHA384:
		return "SHA384"
	}
	return fmt.Sprintf("HashAlg<%d>", int(a))
}
