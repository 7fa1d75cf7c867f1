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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/google/go-measuredboot/internal/config"
	"github.com/google/go-measuredboot/internal/rimstore"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/rim"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/go-measuredboot/transport"
	"github.com/google/go-measuredboot/verifier"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

// errNotVerified makes the process exit non-zero after the result has been
// printed.
var errNotVerified = errors.New("attestation failed")

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().String("policy", "", "Unknown component policy: fail-closed or warn-only (overrides rim.policy)")
	verifyCmd.Flags().String("rim", "", "Reference manifest file (overrides rim.file)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify [address]",
	Short: "Attest a platform against a reference manifest",
	Long: `Request a quote from an attestor and verify it.

The command exits with a non-zero status unless the platform is verified.

Examples:
  measuredboot verify -c measuredboot.yaml
  measuredboot verify 10.0.0.7:7443 --rim rim.xml --policy fail-closed
  measuredboot verify -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Verifier.Address = args[0]
		}
		if policy, _ := cmd.Flags().GetString("policy"); policy != "" {
			cfg.RIM.Policy = policy
		}
		if file, _ := cmd.Flags().GetString("rim"); file != "" {
			cfg.RIM.File = file
			cfg.RIM.Store = ""
		}
		if err := cfg.ValidateVerifier(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx := cmd.Context()
		vcfg, err := verifierConfig(ctx, cfg)
		if err != nil {
			return err
		}
		dialCtx, cancel := context.WithTimeout(ctx, vcfg.Timeout)
		tr, err := transport.Dial(dialCtx, cfg.Verifier.Address)
		cancel()
		if err != nil {
			return err
		}
		defer tr.Close()

		sess, err := verifier.NewSession(vcfg, tr)
		if err != nil {
			return err
		}
		res, runErr := sess.Run(ctx)
		if res == nil {
			return runErr
		}
		if err := printResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.Verdict != verifier.Verified {
			return fmt.Errorf("%w: %v", errNotVerified, runErr)
		}
		return nil
	},
}

// verifierConfig loads the trusted key and reference manifest named by c.
func verifierConfig(ctx context.Context, c config.Config) (verifier.Config, error) {
	sel, err := c.Verifier.Selection()
	if err != nil {
		return verifier.Config{}, err
	}
	policy, err := c.RIM.ParsedPolicy()
	if err != nil {
		return verifier.Config{}, err
	}
	keyPEM, err := os.ReadFile(c.Verifier.TrustedKey)
	if err != nil {
		return verifier.Config{}, fmt.Errorf("reading trusted key: %w", err)
	}
	key, err := quote.ParsePublicKeyPEM(keyPEM)
	if err != nil {
		return verifier.Config{}, fmt.Errorf("%s: %w", c.Verifier.TrustedKey, err)
	}
	manifest, err := loadManifest(ctx, c.RIM)
	if err != nil {
		return verifier.Config{}, err
	}
	return verifier.Config{
		ID:         c.Verifier.ID,
		Selection:  sel,
		TrustedKey: key,
		Manifest:   manifest,
		Policy:     policy,
		Timeout:    time.Duration(c.Verifier.Timeout),
		NonceSize:  c.Verifier.NonceSize,
		ParseOpts:  c.Verifier.ParseOpts(),
		Logger:     slog.Default(),
	}, nil
}

func loadManifest(ctx context.Context, r config.RIM) (*rim.Manifest, error) {
	if r.File != "" {
		return rim.LoadFile(r.File)
	}
	store, err := rimstore.Open(ctx, r.Store)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(ctx, r.Controller)
}

type eventView struct {
	Event    int           `json:"event" yaml:"event"`
	PCR      int           `json:"pcr" yaml:"pcr"`
	Type     tcg.EventType `json:"type" yaml:"type"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Verdict  rim.Verdict   `json:"verdict" yaml:"verdict"`
	Expected string        `json:"expected,omitempty" yaml:"expected,omitempty"`
	Measured string        `json:"measured,omitempty" yaml:"measured,omitempty"`
}

type pcrView struct {
	PCR   int    `json:"pcr" yaml:"pcr"`
	Value string `json:"value" yaml:"value"`
}

type resultView struct {
	SessionID  string           `json:"session_id" yaml:"session_id"`
	AttestorID string           `json:"attestor_id,omitempty" yaml:"attestor_id,omitempty"`
	Verdict    verifier.Verdict `json:"verdict" yaml:"verdict"`
	Cause      string           `json:"cause,omitempty" yaml:"cause,omitempty"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
	Summary    rim.Summary      `json:"summary" yaml:"summary"`
	Events     []eventView      `json:"events,omitempty" yaml:"events,omitempty"`
	Replayed   []pcrView        `json:"replayed,omitempty" yaml:"replayed,omitempty"`
}

func newResultView(res *verifier.Result) resultView {
	v := resultView{
		SessionID:  res.SessionID,
		AttestorID: res.AttestorID,
		Verdict:    res.Verdict,
		Error:      res.Error,
		Summary:    res.Summary,
	}
	if res.Cause != 0 {
		v.Cause = res.Cause.String()
	}
	for _, e := range res.Events {
		v.Events = append(v.Events, eventView{
			Event:    e.Event,
			PCR:      e.Index,
			Type:     e.Type,
			Name:     e.Name,
			Verdict:  e.Verdict,
			Expected: hex.EncodeToString(e.Expected),
			Measured: hex.EncodeToString(e.Measured),
		})
	}
	for _, p := range res.Replayed.PCRs {
		v.Replayed = append(v.Replayed, pcrView{PCR: p.Index, Value: hex.EncodeToString(p.Digest)})
	}
	return v
}

func printResult(w io.Writer, res *verifier.Result) error {
	view := newResultView(res)
	if outputFormat != "table" {
		return formatOutput(w, view)
	}

	fmt.Fprintf(w, "Session:  %s\n", res.SessionID)
	if res.AttestorID != "" {
		fmt.Fprintf(w, "Attestor: %s\n", res.AttestorID)
	}
	if res.Verdict == verifier.Verified {
		fmt.Fprintf(w, "Verdict:  %s\n", okFmt(res.Verdict))
	} else {
		fmt.Fprintf(w, "Verdict:  %s (%s)\n", errFmt(res.Verdict), res.Cause)
		if res.Error != "" {
			fmt.Fprintf(w, "Error:    %s\n", res.Error)
		}
	}

	if len(view.Events) > 0 {
		fmt.Fprintln(w, "\nComponents:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "EVENT\tPCR\tTYPE\tNAME\tVERDICT")
		for _, e := range view.Events {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", e.Event, e.PCR, e.Type, truncate(e.Name, 40), verdictColor(e.Verdict))
		}
		tw.Flush()
		fmt.Fprintf(w, "\n%d verified, %d mismatched, %d without reference\n",
			res.Summary.Verified, res.Summary.DigestMismatch, res.Summary.NoReferenceEntry)
	}
	return nil
}

func verdictColor(v rim.Verdict) string {
	switch v {
	case rim.Verified:
		return okFmt(v)
	case rim.NoReferenceEntry:
		return warnFmt(v)
	default:
		return errFmt(v)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
