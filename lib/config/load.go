// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"dario.cat/mergo"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is the site configuration file read when no
// -config flag is given.
const DefaultConfigFile = "/etc/nmpi-dispatch/config.yml"

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoConfig = errors.New("config file is empty")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file path, or "-" to read from Stdin.
	Path string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to the default config file location.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger, Path: DefaultConfigFile}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/nmpi-dispatch/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", DefaultConfigFile, "Site configuration `file` (default may be overridden by setting an NMPI_CONFIG environment variable)")
	if path := os.Getenv("NMPI_CONFIG"); path != "" {
		ldr.Path = path
	}
}

// Load reads the config file, fills in defaults for unset keys, and
// checks the result.
func (ldr *Loader) Load() (*nmpi.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := ldr.load(buf)
	if err != nil {
		return nil, err
	}
	if err = cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (ldr *Loader) load(buf []byte) (*nmpi.Config, error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, ErrNoConfig
	}
	var cfg, defaults nmpi.Config
	err := yaml.Unmarshal(DefaultYAML, &defaults)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	ldr.checkUnknownKeys(buf)
	// Keys the site config leaves unset (or sets to a zero value)
	// take the default value.
	err = mergo.Merge(&cfg, defaults)
	if err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	return &cfg, nil
}

// Log a warning if the config file has keys that are not used by
// nmpi.Config, like a typo in a key name.
func (ldr *Loader) checkUnknownKeys(buf []byte) {
	if ldr.Logger == nil {
		return
	}
	js, err := yaml.YAMLToJSON(buf)
	if err != nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	var cfg nmpi.Config
	if err := dec.Decode(&cfg); err != nil {
		ldr.Logger.Warnf("config file %s: %s", ldr.Path, err)
	}
}
