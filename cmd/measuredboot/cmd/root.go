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

// Package cmd implements the measuredboot CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/google/go-measuredboot/internal/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	outputFormat string
	configPath   string

	// cfg is loaded before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "measuredboot",
	Short: "Measured boot attestation over TPM style event logs",
	Long: `measuredboot attests the boot state of a platform.

The attestor answers quote requests with PCR values, its event log and a
signed quote. The verifier checks the quote signature and nonce, replays
the event log against the quoted PCRs and matches every measured component
against a reference integrity manifest (RIM).`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q: want table, json or yaml", outputFormat)
		}

		cfg = config.Default()
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: built-in defaults)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// formatOutput handles output formatting based on the --output flag.
func formatOutput(w io.Writer, data any) error {
	switch outputFormat {
	case "json":
		return outputJSON(w, data)
	case "yaml":
		return outputYAML(w, data)
	default:
		// Table format is handled by each command
		return nil
	}
}

func outputJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(w io.Writer, data any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// writeNewFile creates path with perm, refusing to replace an existing file
// unless force is set.
func writeNewFile(path string, data []byte, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
