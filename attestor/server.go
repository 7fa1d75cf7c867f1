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

package attestor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-measuredboot/transport"
)

// Server runs one attestor session per accepted connection.
type Server struct {
	cfg Config
	wg  sync.WaitGroup
}

// NewServer returns a server answering with evidence from cfg.Platform.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Platform == nil {
		return nil, errors.New("attestor: a platform is required")
	}
	return &Server{cfg: cfg.withDefaults()}, nil
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("attestor: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for running sessions to finish. Sessions share nothing but the
// platform.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.cfg.Logger.Info("attestor listening", "addr", ln.Addr().String(), "id", s.cfg.ID)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("attestor: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, c)
		}()
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	tr := transport.NewConn(c)
	defer tr.Close()
	sess := NewSession(s.cfg, tr)
	if err := sess.Run(ctx); err != nil {
		s.cfg.Logger.Debug("session ended in error", "session", sess.ID.String(), "remote", c.RemoteAddr().String(), "error", err)
	}
}
