// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nmpi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config is the top-level configuration of a dispatch service, as
// loaded from the YAML config file.
type Config struct {
	SystemLogs      SystemLogsConfig
	Services        ServicesConfig
	ManagementToken string
	Queue           QueueConfig
	Machines        MachinesConfig
	Executors       ExecutorsConfig
	JobStore        JobStoreConfig
	Outputs         OutputsConfig
}

type SystemLogsConfig struct {
	Format   string
	LogLevel string
}

type ServicesConfig struct {
	// Address to listen on, like ":8080".
	Listen string
	// URL executors use to reach this service, including the
	// trailing slash.
	ExternalURL string
}

type QueueConfig struct {
	URL          string
	Hardware     string
	Username     string
	APIKey       string
	EmptyBackoff Duration
	LogCacheSize int
	Insecure     bool
}

type MachinesConfig struct {
	// "fixed" or "spalloc"
	Mode    string
	Fixed   []FixedMachineConfig
	Spalloc SpallocConfig
}

type FixedMachineConfig struct {
	Name       string
	Version    string
	Width      int
	Height     int
	Boards     int
	BMPDetails string
}

type SpallocConfig struct {
	Host              string
	Port              int
	Owner             string
	KeepaliveInterval Duration
	ReconnectInterval Duration
	MaxRetryInterval  Duration
}

type ExecutorsConfig struct {
	// "local" or "vm"
	Mode string
	// Command template for local executors. "%U" is replaced by
	// the callback URL, "%I" by the executor ID, "%%" by "%".
	Command string
	// Directory where local executors run.
	WorkDir         string
	MaxLogBytes     int
	RestartOnExit   bool
	RestartInterval Duration
	VM              VMConfig
}

type VMConfig struct {
	MaxVMs int
	Image  string
	// Command template for the VM payload; same substitutions as
	// ExecutorsConfig.Command.
	Command string
	Network string
}

type JobStoreConfig struct {
	// "memory" or "postgres"
	Driver     string
	Connection PostgreSQLConnection
	MaxOpen    int
}

// PostgreSQLConnection is a set of libpq connection parameters.
type PostgreSQLConnection map[string]string

// String returns the connection parameters as a libpq connection
// string.
func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		s += k
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}

type OutputsConfig struct {
	// "local" or "s3"
	Mode      string
	Directory string
	BaseURL   string
	// Directory where outputs uploaded by executors are staged
	// until the job finishes.
	StagingDirectory string
	S3               S3Config
}

type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

// Check returns an error describing the first problem found in the
// configuration, or nil if it is usable.
func (cfg *Config) Check() error {
	if cfg.Queue.URL == "" {
		return errors.New("Queue.URL is not configured")
	}
	if _, err := url.Parse(cfg.Queue.URL); err != nil {
		return fmt.Errorf("Queue.URL: %w", err)
	}
	if cfg.Queue.Hardware == "" {
		return errors.New("Queue.Hardware is not configured")
	}
	if cfg.Services.ExternalURL == "" {
		return errors.New("Services.ExternalURL is not configured")
	}
	switch cfg.Machines.Mode {
	case "fixed":
		if len(cfg.Machines.Fixed) == 0 {
			return errors.New("Machines.Mode is fixed, but Machines.Fixed is empty")
		}
		for i, m := range cfg.Machines.Fixed {
			if m.Name == "" || m.Boards < 1 {
				return fmt.Errorf("Machines.Fixed[%d] needs a Name and Boards>0", i)
			}
		}
	case "spalloc":
		if cfg.Machines.Spalloc.Host == "" {
			return errors.New("Machines.Mode is spalloc, but Machines.Spalloc.Host is empty")
		}
		if cfg.Machines.Spalloc.Owner == "" {
			return errors.New("Machines.Spalloc.Owner is not configured")
		}
	default:
		return fmt.Errorf("unsupported Machines.Mode %q", cfg.Machines.Mode)
	}
	switch cfg.Executors.Mode {
	case "local":
		if cfg.Executors.Command == "" {
			return errors.New("Executors.Command is not configured")
		}
	case "vm":
		if cfg.Executors.VM.Image == "" {
			return errors.New("Executors.VM.Image is not configured")
		}
	default:
		return fmt.Errorf("unsupported Executors.Mode %q", cfg.Executors.Mode)
	}
	switch cfg.JobStore.Driver {
	case "memory":
	case "postgres":
		if len(cfg.JobStore.Connection) == 0 {
			return errors.New("JobStore.Driver is postgres, but JobStore.Connection is empty")
		}
	default:
		return fmt.Errorf("unsupported JobStore.Driver %q", cfg.JobStore.Driver)
	}
	switch cfg.Outputs.Mode {
	case "local":
		if cfg.Outputs.Directory == "" || cfg.Outputs.BaseURL == "" {
			return errors.New("Outputs.Mode is local, but Outputs.Directory or Outputs.BaseURL is empty")
		}
	case "s3":
		if cfg.Outputs.S3.Bucket == "" {
			return errors.New("Outputs.Mode is s3, but Outputs.S3.Bucket is empty")
		}
	default:
		return fmt.Errorf("unsupported Outputs.Mode %q", cfg.Outputs.Mode)
	}
	return nil
}
