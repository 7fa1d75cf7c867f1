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
	"fmt"
	"sort"

	"github.com/google/go-measuredboot/register"
)

// sizeOfSelect is the size of a PC Client PCR selection bitmap in bytes.
const sizeOfSelect = register.NumPCRs / 8

// Selection is a set of PCR indexes within one hash bank.
type Selection struct {
	Hash register.HashAlg
	PCRs []int
}

// NewSelection returns a selection over pcrs in the bank of hash. The
// indexes are sorted; duplicates and indexes outside 0-23 are rejected.
func NewSelection(hash register.HashAlg, pcrs ...int) (Selection, error) {
	if hash.CryptoHash() == 0 {
		return Selection{}, fmt.Errorf("unsupported selection hash %v", hash)
	}
	sorted := append([]int(nil), pcrs...)
	sort.Ints(sorted)
	for i, idx := range sorted {
		if idx < 0 || idx >= register.NumPCRs {
			return Selection{}, fmt.Errorf("invalid PCR index: %d", idx)
		}
		if i > 0 && sorted[i-1] == idx {
			return Selection{}, fmt.Errorf("PCR %d selected twice", idx)
		}
	}
	return Selection{Hash: hash, PCRs: sorted}, nil
}

// Bitmap returns the pcrSelect bitmap of the selection, PCR n being bit n%8
// of byte n/8.
func (s Selection) Bitmap() [sizeOfSelect]byte {
	var mask [sizeOfSelect]byte
	for _, idx := range s.PCRs {
		if idx < 0 || idx >= register.NumPCRs {
			continue
		}
		mask[idx/8] |= 1 << uint(idx%8)
	}
	return mask
}

// SelectionFromBitmap decodes a pcrSelect bitmap.
func SelectionFromBitmap(hash register.HashAlg, bitmap []byte) (Selection, error) {
	if len(bitmap) != sizeOfSelect {
		return Selection{}, fmt.Errorf("PCR selection bitmap is %d bytes, want %d", len(bitmap), sizeOfSelect)
	}
	var pcrs []int
	for idx := 0; idx < register.NumPCRs; idx++ {
		if bitmap[idx/8]&(1<<uint(idx%8)) != 0 {
			pcrs = append(pcrs, idx)
		}
	}
	return NewSelection(hash, pcrs...)
}

// Contains reports whether index is selected.
func (s Selection) Contains(index int) bool {
	for _, idx := range s.PCRs {
		if idx == index {
			return true
		}
	}
	return false
}

// Equal reports whether both selections cover the same PCRs of the same bank.
func (s Selection) Equal(o Selection) bool {
	return s.Hash == o.Hash && s.Bitmap() == o.Bitmap() && len(s.PCRs) == len(o.PCRs)
}

func (s Selection) String() string {
	return fmt.Sprintf("%v:%v", s.Hash, s.PCRs)
}
