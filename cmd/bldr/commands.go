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
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/cmd/bldr/config"
	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore/cache"
	"github.com/AleutianAI/bldr/services/pkgstore/install"
	"github.com/AleutianAI/bldr/services/pkgstore/store"
)

// app carries what every command needs after setup.
type app struct {
	configPath string
	logLevel   string

	cfg    config.BldrConfig
	logger *logging.Logger

	// stderr receives console logs.
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "bldr",
		Short: "Install content-addressed packages and supervise them as services",
		Long: `bldr installs packages into a content-addressed store, activates
them per service, and runs services with live configuration from the
environment, files, HTTP endpoints or Consul.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.bldr/bldr.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newInstallCmd(a),
		newPackCmd(a),
		newStartCmd(a),
		newRollbackCmd(a),
		newLookupCmd(a),
		newStoreCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	path := a.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   lvl,
		LogDir:  cfg.Log.Dir,
		Service: "bldr",
		JSON:    a.jsonLogs(),
		Output:  a.stderr,
	})
	if created {
		a.logger.Info("first run, created config", "path", path)
	}
	return nil
}

// jsonLogs reports whether console logs should be JSON: always for
// "json", never for "text", and for "auto" when stderr is not a terminal.
func (a *app) jsonLogs() bool {
	switch a.cfg.Log.Format {
	case "json":
		return true
	case "text":
		return false
	}
	f, ok := a.stderr.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) teardown() {
	if a.logger != nil {
		a.logger.Close()
	}
}

// openStore opens the store. The caller closes it.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, store.Config{Dir: a.cfg.StoreDir(), Logger: a.logger.Slog()})
}

// openCache opens the cache with the configured default upstream.
func (a *app) openCache() (*cache.Cache, error) {
	var src cache.Source
	if a.cfg.Upstream != "" {
		s, err := cache.SourceFor(a.cfg.Upstream, a.logger.Slog())
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", a.cfg.Upstream, err)
		}
		src = s
	}
	return cache.New(cache.Config{
		Dir:            a.cfg.CacheDir(),
		Source:         src,
		Retry:          a.cfg.Fetch.Retry,
		AttemptTimeout: a.cfg.Fetch.AttemptTimeout,
		Logger:         a.logger.Slog(),
	})
}

// installer opens store and cache and returns an Installer with a
// function that releases them.
func (a *app) installer(ctx context.Context) (*install.Installer, func(), error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := a.openCache()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	in, err := install.New(install.Config{
		Store:       st,
		Cache:       c,
		SrvcRoot:    a.cfg.SrvcDir(),
		MaxDepth:    a.cfg.Install.MaxDepth,
		Parallelism: a.cfg.Install.Parallelism,
		Logger:      a.logger.Slog(),
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return in, func() { st.Close() }, nil
}
