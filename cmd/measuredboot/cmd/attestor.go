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

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/google/go-measuredboot/attestor"
	"github.com/google/go-measuredboot/internal/config"
	"github.com/google/go-measuredboot/platform"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/tcg"
)

func init() {
	rootCmd.AddCommand(attestorCmd)
	attestorCmd.AddCommand(attestorServeCmd)
	attestorServeCmd.Flags().String("listen", "", "Listen address (overrides attestor.listen)")
}

var attestorCmd = &cobra.Command{
	Use:   "attestor",
	Short: "Run the attestor side of the protocol",
}

var attestorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer quote requests from verifiers",
	Long: `Serve quote requests over TCP until interrupted.

The attestor keeps a software measurement chain: the optional firmware
event log named by attestor.event_log, followed by one event for every
entry in attestor.measurements. Quotes are signed with attestor.key.

Examples:
  measuredboot attestor serve -c measuredboot.yaml
  measuredboot attestor serve --listen 0.0.0.0:7443`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Attestor.Listen = listen
		}
		if err := cfg.ValidateAttestor(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		p, err := newSoftwarePlatform(cfg.Attestor)
		if err != nil {
			return err
		}
		srv, err := attestor.NewServer(attestor.Config{
			ID:       cfg.Attestor.ID,
			Platform: p,
			Timeout:  time.Duration(cfg.Attestor.Timeout),
			Logger:   slog.Default(),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, cfg.Attestor.Listen)
	},
}

// newSoftwarePlatform builds the measurement chain described by a.
func newSoftwarePlatform(a config.Attestor) (*platform.Software, error) {
	keyPEM, err := os.ReadFile(a.Key)
	if err != nil {
		return nil, fmt.Errorf("reading attestor key: %w", err)
	}
	key, err := quote.ParseSignerPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Key, err)
	}
	signer, err := quote.NewSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Key, err)
	}

	var base []byte
	if a.EventLog != "" {
		if base, err = os.ReadFile(a.EventLog); err != nil {
			return nil, fmt.Errorf("reading firmware event log: %w", err)
		}
	}
	p, err := platform.NewSoftware(platform.SoftwareConfig{BaseLog: base, Signer: signer})
	if err != nil {
		return nil, err
	}

	for _, m := range a.Measurements {
		typ, err := tcg.ParseEventType(m.Type)
		if err != nil {
			return nil, err
		}
		pm := platform.Measurement{PCR: m.PCR, Type: typ, Name: m.Name}
		if m.File != "" {
			if pm.Content, err = os.ReadFile(m.File); err != nil {
				return nil, fmt.Errorf("measuring %s: %w", m.Name, err)
			}
		}
		if err := p.Measure(pm); err != nil {
			return nil, err
		}
		slog.Debug("measured component", "pcr", m.PCR, "type", typ, "name", m.Name)
	}
	return p, nil
}
