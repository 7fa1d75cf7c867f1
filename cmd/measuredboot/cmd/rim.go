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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/google/go-measuredboot/internal/rimstore"
	"github.com/google/go-measuredboot/rim"
)

const defaultStore = "rim.db"

func init() {
	rootCmd.AddCommand(rimCmd)
	rimCmd.AddCommand(rimImportCmd, rimShowCmd)
	rimCmd.PersistentFlags().String("store", "", "RIM database (default: rim.store, or "+defaultStore+")")
	rimImportCmd.Flags().Bool("replace", false, "Remove the controller's earlier manifests")
	rimShowCmd.Flags().Bool("latest", false, "Show only the most recently imported manifest")
}

var rimCmd = &cobra.Command{
	Use:   "rim",
	Short: "Manage reference integrity manifests",
}

var rimImportCmd = &cobra.Command{
	Use:   "import <controller> <file>",
	Short: "Import a manifest for a controller",
	Long: `Import a SWID, CycloneDX, CBOR or YAML manifest into the RIM database.

Manifests imported for the same controller are merged when loaded, and must
agree on the digest of any component they share.

Examples:
  measuredboot rim import bmc-0 firmware-1.2.swidtag.xml
  measuredboot rim import bmc-0 sbom.xml --replace`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")
		m, err := rim.LoadFile(args[1])
		if err != nil {
			return err
		}

		store, err := rimstore.Open(cmd.Context(), storePath(cmd))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Import(cmd.Context(), args[0], m, replace); err != nil {
			return fmt.Errorf("importing %s: %w", args[1], err)
		}

		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), newManifestView(m))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries for %s\n", m.Len(), args[0])
		return nil
	},
}

var rimShowCmd = &cobra.Command{
	Use:   "show <controller>",
	Short: "Show the merged manifest of a controller",
	Long: `Show the manifest a verifier would load for a controller: every imported
manifest merged, or with --latest only the most recent import.

Examples:
  measuredboot rim show bmc-0
  measuredboot rim show bmc-0 --latest -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		latest, _ := cmd.Flags().GetBool("latest")
		store, err := rimstore.Open(cmd.Context(), storePath(cmd))
		if err != nil {
			return err
		}
		defer store.Close()

		var m *rim.Manifest
		if latest {
			m, err = store.LoadLatest(cmd.Context(), args[0])
		} else {
			m, err = store.Load(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}

		view := newManifestView(m)
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), view)
		}
		printManifest(cmd.OutOrStdout(), view)
		return nil
	},
}

func storePath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("store"); path != "" {
		return path
	}
	if cfg.RIM.Store != "" {
		return cfg.RIM.Store
	}
	return defaultStore
}

type entryView struct {
	Name    string `json:"name" yaml:"name"`
	Digest  string `json:"digest" yaml:"digest"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Size    uint64 `json:"size,omitempty" yaml:"size,omitempty"`
}

type manifestView struct {
	TagID         string      `json:"tag_id,omitempty" yaml:"tag_id,omitempty"`
	Version       string      `json:"version,omitempty" yaml:"version,omitempty"`
	PlatformModel string      `json:"platform_model,omitempty" yaml:"platform_model,omitempty"`
	HashAlg       string      `json:"hash_alg" yaml:"hash_alg"`
	Entries       []entryView `json:"entries" yaml:"entries"`
}

func newManifestView(m *rim.Manifest) manifestView {
	md := m.Metadata()
	v := manifestView{
		TagID:         md.TagID,
		Version:       md.Version,
		PlatformModel: md.PlatformModel,
		HashAlg:       m.Alg().String(),
	}
	for _, e := range m.Entries() {
		v.Entries = append(v.Entries, entryView{Name: e.Name, Digest: hex.EncodeToString(e.Digest), Version: e.Version, Size: e.Size})
	}
	return v
}

func printManifest(w io.Writer, v manifestView) {
	if v.TagID != "" {
		fmt.Fprintf(w, "Tag:      %s\n", v.TagID)
	}
	if v.PlatformModel != "" {
		fmt.Fprintf(w, "Platform: %s\n", v.PlatformModel)
	}
	fmt.Fprintf(w, "Hash:     %s\n\n", v.HashAlg)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tDIGEST")
	for _, e := range v.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", truncate(e.Name, 40), e.Version, e.Digest)
	}
	tw.Flush()
}
