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

package transport

import (
	"context"
	"sync"
	"time"
)

// Pipe is one end of an in-memory Transport created by NewPipe.
type Pipe struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once

	sendErr error
	recvErr error
}

// PipeOption configures the first end returned by NewPipe.
type PipeOption func(*Pipe)

// WithSendError makes every Send fail with err.
func WithSendError(err error) PipeOption {
	return func(p *Pipe) {
		p.sendErr = err
	}
}

// WithRecvError makes every Receive fail with err.
func WithRecvError(err error) PipeOption {
	return func(p *Pipe) {
		p.recvErr = err
	}
}

// NewPipe returns two connected ends. Closing either end closes both;
// messages already sent can still be received.
func NewPipe(opts ...PipeOption) (*Pipe, *Pipe) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &Pipe{in: ba, out: ab, done: done, once: once}
	b := &Pipe{in: ab, out: ba, done: done, once: once}
	for _, opt := range opts {
		opt(a)
	}
	return a, b
}

// Send queues a copy of msg for the other end.
func (p *Pipe) Send(ctx context.Context, msg []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	if len(msg) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), msg...):
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message sent by the other end.
func (p *Pipe) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if p.recvErr != nil {
		return nil, p.recvErr
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
