// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/bldr/pkg/retry"
)

type BldrConfig struct {
	// Root holds cache/, store/ and srvc/.
	Root string `yaml:"root" validate:"required"`

	// Upstream is the default artifact depot: an http(s) URL, a file://
	// URL or a directory. Empty means offline.
	Upstream string `yaml:"upstream,omitempty"`

	Fetch      FetchConfig      `yaml:"fetch"`
	Install    InstallConfig    `yaml:"install"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type FetchConfig struct {
	Retry          retry.Config  `yaml:"retry"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
}

type InstallConfig struct {
	Parallelism int `yaml:"parallelism" validate:"gte=1,lte=64"`
	MaxDepth    int `yaml:"max_depth" validate:"gte=1,lte=1024"`
}

type SupervisorConfig struct {
	GraceTimeout      time.Duration `yaml:"grace_timeout" validate:"gt=0"`
	MaxRestarts       int           `yaml:"max_restarts" validate:"gte=1"`
	RestartBackoff    retry.Config  `yaml:"restart_backoff"`
	BackoffResetAfter time.Duration `yaml:"backoff_reset_after" validate:"gt=0"`
	InitialConfigWait time.Duration `yaml:"initial_config_wait" validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"` // http(s) backends
	StrictRender      bool          `yaml:"strict_render"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"` // auto: JSON unless stderr is a terminal
	Dir    string `yaml:"dir,omitempty"`
}

// TelemetryConfig selects the OpenTelemetry exporters used by `bldr start`.
type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none prometheus stdout"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" validate:"required_if=Traces otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// CacheDir, StoreDir and SrvcDir are the layout under Root.
func (c BldrConfig) CacheDir() string { return filepath.Join(c.Root, "cache") }
func (c BldrConfig) StoreDir() string { return filepath.Join(c.Root, "store") }
func (c BldrConfig) SrvcDir() string { return filepath.Join(c.Root, "srvc") }

// defaultRoot is ~/.bldr, or .bldr in the working directory without a home.
func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bldr"
	}
	return filepath.Join(home, ".bldr")
}

func DefaultConfig() BldrConfig {
	return BldrConfig{
		Root: defaultRoot(),
		Fetch: FetchConfig{
			Retry:          retry.DefaultConfig(),
			AttemptTimeout: 5 * time.Minute,
		},
		Install: InstallConfig{
			Parallelism: 4,
			MaxDepth:    64,
		},
		Supervisor: SupervisorConfig{
			GraceTimeout: 10 * time.Second,
			MaxRestarts:  5,
			RestartBackoff: retry.Config{
				MaxAttempts:    1,
				InitialBackoff: time.Second,
				MaxBackoff:     time.Minute,
				BackoffFactor:  2.0,
				JitterFactor:   0.2,
			},
			BackoffResetAfter: time.Minute,
			InitialConfigWait: 5 * time.Second,
			PollInterval:      30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			Traces:  "none",
			Metrics: "prometheus",
		},
	}
}
