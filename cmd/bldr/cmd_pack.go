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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/services/pkgstore/artifact"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

type packFlags struct {
	name       string
	version    string
	derivation string
	source     string
	revision   string
	script     string
	flags      []string
	deps       []string
	exec       string
	args       []string
	env        []string
	release    string
	output     string
}

// newPackCmd builds `bldr pack`.
func newPackCmd(a *app) *cobra.Command {
	var f packFlags
	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Pack a build output directory into an artifact",
		Long: `Packs every file under <dir> into a .bart artifact whose name carries
the package Identity computed from name, version and build inputs.

Examples:
  bldr pack ./out --name redis --version 7.2.4 --source https://download.redis.io/redis-7.2.4.tar.gz \
    --script build.sh --exec bin/redis-server --arg /srvc/redis/config/redis.conf -o ./dist`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPack(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "package name (required)")
	fl.StringVar(&f.version, "version", "", "package version (required)")
	fl.StringVar(&f.derivation, "derivation", "", "derivation")
	fl.StringVar(&f.source, "source", "", "source location")
	fl.StringVar(&f.revision, "revision", "", "source revision or digest")
	fl.StringVar(&f.script, "script", "", "build script text or @file")
	fl.StringArrayVar(&f.flags, "flag", nil, "build flag key=value (repeatable)")
	fl.StringArrayVar(&f.deps, "dep", nil, "dependency identity (repeatable)")
	fl.StringVar(&f.exec, "exec", "", "service command, relative to the package root or on PATH")
	fl.StringArrayVar(&f.args, "arg", nil, "service argument (repeatable)")
	fl.StringArrayVar(&f.env, "env", nil, "service environment KEY=VALUE (repeatable)")
	fl.StringVar(&f.release, "release", "", "release timestamp "+identity.ReleaseLayout+" (default now)")
	fl.StringVarP(&f.output, "output", "o", ".", "output directory")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func (a *app) runPack(cmd *cobra.Command, dir string, f packFlags) error {
	opts, err := f.options(dir)
	if err != nil {
		return err
	}
	path, m, err := artifact.PackFile(cmd.Context(), opts, f.output)
	if err != nil {
		return err
	}
	a.logger.Info("packed", "package", m.ArtifactName().String(), "files", len(m.Files))
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func (f packFlags) options(dir string) (artifact.PackOptions, error) {
	opts := artifact.PackOptions{
		Dir:        dir,
		Name:       f.name,
		Version:    f.version,
		Derivation: f.derivation,
		BuildInputs: identity.BuildInputs{
			Source:   f.source,
			Revision: f.revision,
		},
		Exec: identity.Exec{Command: f.exec, Args: f.args},
	}

	script := f.script
	if strings.HasPrefix(script, "@") {
		b, err := os.ReadFile(script[1:])
		if err != nil {
			return opts, fmt.Errorf("read script: %w", err)
		}
		script = string(b)
	}
	opts.BuildInputs.Script = script

	for _, kv := range f.flags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return opts, fmt.Errorf("flag %q: want key=value", kv)
		}
		opts.BuildInputs.Flags = append(opts.BuildInputs.Flags, identity.Flag{Key: k, Value: v})
	}
	for _, d := range f.deps {
		id, err := identity.ParseIdentity(d)
		if err != nil {
			return opts, fmt.Errorf("dep %q: %w", d, err)
		}
		opts.BuildInputs.Deps = append(opts.BuildInputs.Deps, id)
	}
	if len(f.env) > 0 {
		opts.Exec.Env = make(map[string]string, len(f.env))
		for _, kv := range f.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return opts, fmt.Errorf("env %q: want KEY=VALUE", kv)
			}
			opts.Exec.Env[k] = v
		}
	}
	if f.release != "" {
		t, err := time.Parse(identity.ReleaseLayout, f.release)
		if err != nil {
			return opts, fmt.Errorf("release %q: %w", f.release, err)
		}
		opts.Release = t
	}
	return opts, nil
}
