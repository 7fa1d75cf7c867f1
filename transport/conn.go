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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is a Transport over a stream connection.
type Conn struct {
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewConn wraps c. The Conn takes ownership of c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Dial connects to a TCP address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes msg as a single frame.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.conn.SetWriteDeadline(time.Time{})
	stop := interruptOnDone(ctx, c.conn.SetWriteDeadline)
	defer stop()

	frame := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	if _, err := c.conn.Write(frame); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

// Receive reads the next frame.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, c.classify(ctx, err)
		}
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	stop := interruptOnDone(ctx, c.conn.SetReadDeadline)
	defer stop()

	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, c.classify(ctx, err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrMessageTooLarge, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(c.conn, msg); err != nil {
		return nil, c.classify(ctx, err)
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// interruptOnDone unblocks pending I/O by moving the deadline into the past
// once ctx is done.
func interruptOnDone(ctx context.Context, setDeadline func(time.Time) error) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		setDeadline(time.Unix(1, 0))
	})
}

func (c *Conn) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
