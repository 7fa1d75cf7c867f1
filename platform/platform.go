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

// Package platform is the attestor's view of the hardware root of trust: it
// reads PCR values, the measurement log and produces signed quotes.
package platform

import (
	"context"

	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
)

// Platform collects attestation evidence. Signing is delegated to the
// platform so the attestor never holds a private key.
type Platform interface {
	// PCRValues returns the current value of every selected PCR, in
	// selection order.
	PCRValues(ctx context.Context, sel quote.Selection) (register.PCRBank, error)
	// EventLog returns the raw measurement log.
	EventLog(ctx context.Context) ([]byte, error)
	// Quote returns a signed quote over the selected PCRs bound to nonce.
	Quote(ctx context.Context, sel quote.Selection, nonce []byte) (*quote.Quote, error)
}
