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
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/go-measuredboot/tpmeventlog"
)

func init() {
	rootCmd.AddCommand(eventlogCmd)
	eventlogCmd.AddCommand(eventlogDumpCmd)
	eventlogDumpCmd.Flags().String("hash", "sha256", "Bank to replay: sha1, sha256 or sha384")
	eventlogDumpCmd.Flags().Bool("allow-padding", false, "Accept 0xFF padding after the last event")
}

var eventlogCmd = &cobra.Command{
	Use:   "eventlog",
	Short: "Inspect TCG event logs",
}

var eventlogDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Parse and replay an event log",
	Long: `Print every event of a binary PC Client event log and the PCR values
the log replays to.

Examples:
  measuredboot eventlog dump /sys/kernel/security/tpm0/binary_bios_measurements
  measuredboot eventlog dump boot.log --hash sha1 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hashName, _ := cmd.Flags().GetString("hash")
		padding, _ := cmd.Flags().GetBool("allow-padding")
		alg, err := register.ParseHashAlg(hashName)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		st, err := tpmeventlog.Inspect(raw, alg, tcg.ParseOpts{AllowPadding: padding})
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		view := newEventLogView(st)
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), view)
		}
		printEventLog(cmd.OutOrStdout(), view)
		return nil
	},
}

type logEventView struct {
	Num      uint32        `json:"num" yaml:"num"`
	PCR      uint32        `json:"pcr" yaml:"pcr"`
	Type     tcg.EventType `json:"type" yaml:"type"`
	Digest   string        `json:"digest,omitempty" yaml:"digest,omitempty"`
	Data     string        `json:"data" yaml:"data"`
	Verified bool          `json:"data_verified" yaml:"data_verified"`
}

type eventLogView struct {
	HashAlg  string         `json:"hash_alg" yaml:"hash_alg"`
	Events   []logEventView `json:"events" yaml:"events"`
	Replayed []pcrView      `json:"replayed" yaml:"replayed"`
}

func newEventLogView(st *tpmeventlog.State) eventLogView {
	v := eventLogView{HashAlg: st.Alg.String()}
	for _, e := range st.Events {
		v.Events = append(v.Events, logEventView{
			Num:      e.Num(),
			PCR:      e.MRIndex(),
			Type:     e.UntrustedType(),
			Digest:   hex.EncodeToString(e.ReplayedDigest()),
			Data:     hex.EncodeToString(e.RawData()),
			Verified: e.DigestVerified(),
		})
	}
	indexes := make([]int, 0, len(st.Replayed))
	for idx := range st.Replayed {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, p := range st.ReplayedBank(indexes...).PCRs {
		v.Replayed = append(v.Replayed, pcrView{PCR: p.Index, Value: hex.EncodeToString(p.Digest)})
	}
	return v
}

func printEventLog(w io.Writer, v eventLogView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUM\tPCR\tTYPE\tDIGEST\tDATA")
	for _, e := range v.Events {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", e.Num, e.PCR, e.Type, truncate(e.Digest, 16), truncate(e.Data, 32))
	}
	tw.Flush()

	fmt.Fprintf(w, "\nReplayed %s PCRs:\n", v.HashAlg)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range v.Replayed {
		fmt.Fprintf(tw, "  %d\t%s\n", p.PCR, p.Value)
	}
	tw.Flush()
}
