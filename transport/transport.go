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

// Package transport moves opaque attestation messages between a verifier and
// an attestor.
//
// Two implementations are provided: Conn frames messages over any net.Conn
// with a 4-byte big-endian length prefix, and Pipe connects two in-process
// endpoints for tests and embedded use.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no message arrives in time.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed is returned once either end of the transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrMessageTooLarge is returned for messages above MaxMessageSize.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// MaxMessageSize bounds a single message. Event logs are the bulk of a
// response and stay well below this.
const MaxMessageSize = 16 << 20

// Transport sends and receives whole messages.
type Transport interface {
	// Send transmits msg. It blocks until the message is handed off or ctx
	// is done.
	Send(ctx context.Context, msg []byte) error
	// Receive waits for the next message. A timeout of zero waits until ctx
	// is done.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}
