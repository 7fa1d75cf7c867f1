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

package eventparse

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
)

// DigestEquals returns an error if the Event digest for alg does not match
// the hash of b.
func DigestEquals(e tcg.Event, alg register.HashAlg, b []byte) error {
	digest, ok := e.Digest(alg)
	if !ok || len(digest) == 0 {
		return errors.New("no digests present")
	}
	h := alg.CryptoHash()
	if h == 0 {
		return fmt.Errorf("cannot compare hash of algorithm %v", alg)
	}
	hasher := h.New()
	hasher.Write(b)
	if bytes.Equal(hasher.Sum(nil), digest) {
		return nil
	}
	return fmt.Errorf("digest (len %d) does not match", len(digest))
}
