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

// Package config loads the measuredboot YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/rim"
	"github.com/google/go-measuredboot/tcg"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the whole configuration file.
type Config struct {
	LogLevel string   `yaml:"log_level"`
	Attestor Attestor `yaml:"attestor"`
	Verifier Verifier `yaml:"verifier"`
	RIM      RIM      `yaml:"rim"`
}

// Measurement is a runtime measurement the attestor records at startup.
type Measurement struct {
	PCR  int    `yaml:"pcr"`
	Type string `yaml:"type"`
	Name string `yaml:"name"`
	// File is measured by content when set; otherwise the name is measured.
	File string `yaml:"file,omitempty"`
}

// Attestor configures `attestor serve`.
type Attestor struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
	// Key is a PEM private key used to sign quotes.
	Key string `yaml:"key"`
	// EventLog is an optional crypto agile firmware log measurements are
	// appended to.
	EventLog     string        `yaml:"event_log,omitempty"`
	Timeout      Duration      `yaml:"timeout"`
	Measurements []Measurement `yaml:"measurements,omitempty"`
}

// Verifier configures `verify`.
type Verifier struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	// TrustedKey is the attestor's PEM public key.
	TrustedKey   string   `yaml:"trusted_key"`
	Hash         string   `yaml:"hash"`
	PCRs         []int    `yaml:"pcrs"`
	NonceSize    int      `yaml:"nonce_size"`
	Timeout      Duration `yaml:"timeout"`
	AllowPadding bool     `yaml:"allow_padding"`
}

// RIM says where the reference manifest comes from and how unknown
// components are treated.
type RIM struct {
	// File is a SWID, CycloneDX, CBOR or YAML manifest.
	File string `yaml:"file,omitempty"`
	// Store and Controller select manifests imported into a rimstore
	// database.
	Store      string `yaml:"store,omitempty"`
	Controller string `yaml:"controller,omitempty"`
	// Policy is "fail-closed" or "warn-only". It has no default.
	Policy string `yaml:"policy"`
}

// Default returns the built-in configuration. The RIM policy is left unset
// on purpose and must be chosen.
func Default() Config {
	return Config{
		LogLevel: "info",
		Attestor: Attestor{
			ID:      "attestor456",
			Listen:  "127.0.0.1:7443",
			Key:     "attestor.key",
			Timeout: Duration(30 * time.Second),
		},
		Verifier: Verifier{
			ID:         "verifier123",
			Address:    "127.0.0.1:7443",
			TrustedKey: "attestor.pub",
			Hash:       "sha256",
			PCRs:       []int{0, 1, 2, 3, 4, 5, 6, 7},
			NonceSize:  16,
			Timeout:    Duration(10 * time.Second),
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Level returns the configured slog level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Selection returns the PCRs the verifier requests.
func (v Verifier) Selection() (quote.Selection, error) {
	alg, err := register.ParseHashAlg(v.Hash)
	if err != nil {
		return quote.Selection{}, err
	}
	return quote.NewSelection(alg, v.PCRs...)
}

// ParseOpts returns the event log parser options.
func (v Verifier) ParseOpts() tcg.ParseOpts {
	return tcg.ParseOpts{AllowPadding: v.AllowPadding}
}

// ParsedPolicy returns the unknown component policy.
func (r RIM) ParsedPolicy() (rim.Policy, error) {
	return rim.ParsePolicy(r.Policy)
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	return errors.Join(c.ValidateAttestor(), c.ValidateVerifier())
}

// ValidateAttestor checks the settings `attestor serve` uses.
func (c Config) ValidateAttestor() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.Attestor.validate()...)
	return errors.Join(errs...)
}

// ValidateVerifier checks the settings `verify` uses.
func (c Config) ValidateVerifier() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.Verifier.validate()...)
	if _, err := c.RIM.ParsedPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("rim.policy: %w", err))
	}
	if c.RIM.File == "" && c.RIM.Store == "" {
		errs = append(errs, errors.New("rim: one of file or store is required"))
	}
	if c.RIM.Store != "" && c.RIM.Controller == "" {
		errs = append(errs, errors.New("rim.controller: required with rim.store"))
	}
	return errors.Join(errs...)
}

func (a Attestor) validate() []error {
	var errs []error
	if a.Listen == "" {
		errs = append(errs, errors.New("attestor.listen: required"))
	}
	if a.Key == "" {
		errs = append(errs, errors.New("attestor.key: required"))
	}
	if a.Timeout < 0 {
		errs = append(errs, errors.New("attestor.timeout: negative"))
	}
	for i, m := range a.Measurements {
		if m.PCR < 0 || m.PCR >= register.NumPCRs {
			errs = append(errs, fmt.Errorf("attestor.measurements[%d].pcr: %d out of range", i, m.PCR))
		}
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("attestor.measurements[%d].name: required", i))
		}
		if _, err := tcg.ParseEventType(m.Type); err != nil {
			errs = append(errs, fmt.Errorf("attestor.measurements[%d].type: %w", i, err))
		}
	}
	return errs
}

func (v Verifier) validate() []error {
	var errs []error
	if v.Address == "" {
		errs = append(errs, errors.New("verifier.address: required"))
	}
	if v.TrustedKey == "" {
		errs = append(errs, errors.New("verifier.trusted_key: required"))
	}
	if sel, err := v.Selection(); err != nil {
		errs = append(errs, fmt.Errorf("verifier.pcrs: %w", err))
	} else if len(sel.PCRs) == 0 {
		errs = append(errs, errors.New("verifier.pcrs: at least one PCR is required"))
	}
	if v.NonceSize < 8 || v.NonceSize > 64 {
		errs = append(errs, fmt.Errorf("verifier.nonce_size: %d not in 8..64", v.NonceSize))
	}
	if v.Timeout <= 0 {
		errs = append(errs, errors.New("verifier.timeout: must be positive"))
	}
	return errs
}
