// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/pkg/telemetry"
	"github.com/AleutianAI/bldr/services/supervisor"
	"github.com/AleutianAI/bldr/services/supervisor/backend"
)

type startFlags struct {
	backend string
	strict  bool
	listen  string
}

// newStartCmd builds `bldr start`.
//
// # Description
//
// Runs one service in the foreground until SIGINT or SIGTERM. The
// configuration backend comes from --backend, then BLDR_CONFIG_BACKEND,
// and falls back to <SERVICE>_* environment variables.
//
// # Examples
//
//	bldr start redis
//	bldr start redis --backend consul://127.0.0.1:8500/bldr/redis
//	bldr start redis --backend file:///etc/bldr/redis.yaml --listen :9631
func newStartCmd(a *app) *cobra.Command {
	var f startFlags
	cmd := &cobra.Command{
		Use:   "start <service>",
		Short: "Supervise a service with live configuration",
		Long: `Starts the package the service points at, renders its configuration
templates, and restarts it when the effective configuration changes.

Backends:
  env (default)          <SERVICE>_* environment variables
  file:///path.yaml      a YAML or JSON file, watched for changes
  http(s)://host/path    a JSON document, polled
  consul://host:port/kv  a Consul KV prefix, long-polled

Examples:
  bldr start redis
  bldr start redis --backend consul://127.0.0.1:8500/bldr/redis
  bldr start redis --backend file:///etc/bldr/redis.yaml --listen :9631`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStart(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.backend, "backend", "", "config backend (default $"+backend.TargetEnv+")")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "fail renders that reference missing keys")
	cmd.Flags().StringVar(&f.listen, "listen", "", "serve /status and /metrics on this address")
	return cmd
}

func (a *app) runStart(cmd *cobra.Command, service string, f startFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tc := a.cfg.Telemetry
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "bldr-" + service,
		Version:      version,
		Traces:       tc.Traces,
		Metrics:      tc.Metrics,
		OTLPEndpoint: tc.OTLPEndpoint,
		OTLPInsecure: tc.OTLPInsecure,
		Output:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	sc := a.cfg.Supervisor
	target := f.backend
	if target == "" {
		target = os.Getenv(backend.TargetEnv)
	}
	logger := a.logger.Slog()
	be, err := backend.Select(target, service, sc.PollInterval, backend.Options{Logger: logger})
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		Service:           service,
		SrvcRoot:          a.cfg.SrvcDir(),
		Backend:           be,
		Strict:            f.strict || sc.StrictRender,
		GraceTimeout:      sc.GraceTimeout,
		MaxRestarts:       sc.MaxRestarts,
		RestartBackoff:    sc.RestartBackoff,
		BackoffResetAfter: sc.BackoffResetAfter,
		InitialConfigWait: sc.InitialConfigWait,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if f.listen != "" {
		srv := newStatusServer(f.listen, sup, logger)
		go srv.run()
		defer srv.shutdown()
	}

	// Cancelling ctx stops the service gracefully; Wait also returns when
	// restarts are exhausted.
	if err := sup.Start(ctx); err != nil {
		return err
	}
	return sup.Wait()
}
