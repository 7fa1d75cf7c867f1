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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/google/go-measuredboot/quote"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().Bool("force", false, "Overwrite existing key files")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <dir>",
	Short: "Generate an attestor quote signing key",
	Long: `Generate an ECDSA P-256 key pair for signing quotes.

The private key is written to <dir>/attestor.key and the public key, which
verifiers trust, to <dir>/attestor.pub.

Examples:
  measuredboot keygen /etc/measuredboot
  measuredboot keygen . --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		dir := args[0]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		priv, err := quote.MarshalPrivateKeyPEM(key)
		if err != nil {
			return err
		}
		pub, err := quote.MarshalPublicKeyPEM(key.Public())
		if err != nil {
			return err
		}

		keyPath := filepath.Join(dir, "attestor.key")
		pubPath := filepath.Join(dir, "attestor.pub")
		if err := writeNewFile(keyPath, priv, 0o600, force); err != nil {
			return fmt.Errorf("writing private key: %w", err)
		}
		if err := writeNewFile(pubPath, pub, 0o644, force); err != nil {
			return fmt.Errorf("writing public key: %w", err)
		}

		out := map[string]string{"private_key": keyPath, "public_key": pubPath}
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\n", keyPath, pubPath)
		return nil
	},
}
