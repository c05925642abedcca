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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/pkg/ux"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/install"
	"github.com/AleutianAI/bldr/services/pkgstore/resolve"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

type installFlags struct {
	version    string
	shasum     string
	derivation string
	upstream   string
	service    string
	pins       []string
}

// newInstallCmd builds `bldr install`.
//
// # Examples
//
//	bldr install redis                         # newest redis from the upstream
//	bldr install redis --version ">= 7, < 8"
//	bldr install redis --shasum 3b1f...        # an exact build
//	bldr install ./dist/redis!7.2.4!<release>!<identity>!linux!amd64.bart --service redis
func newInstallCmd(a *app) *cobra.Command {
	var f installFlags
	cmd := &cobra.Command{
		Use:   "install <name | artifact.bart>",
		Short: "Install a package and its dependencies into the store",
		Long: `Resolves the package and its dependency closure, fetches missing
artifacts into the cache, verifies them, and extracts them into the store.
With --service the service is pointed at the installed package.

Examples:
  bldr install redis
  bldr install redis --version ">= 7, < 8" --service redis
  bldr install redis --shasum <identity>
  bldr install ./dist/redis!7.2.4!20250101120000!<identity>!linux!amd64.bart`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInstall(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.version, "version", "", "version or constraint")
	cmd.Flags().StringVar(&f.shasum, "shasum", "", "exact package identity")
	cmd.Flags().StringVar(&f.derivation, "derivation", "", "derivation to select")
	cmd.Flags().StringVarP(&f.upstream, "url", "u", "", "upstream depot (overrides config)")
	cmd.Flags().StringVar(&f.service, "service", "", "point this service at the installed package")
	cmd.Flags().StringArrayVar(&f.pins, "pin", nil, "pin a dependency: name=version or name@identity (repeatable)")
	return cmd
}

func (a *app) runInstall(cmd *cobra.Command, target string, f installFlags) error {
	ctx := cmd.Context()
	req := install.Request{
		Name:       target,
		Version:    f.version,
		Derivation: f.derivation,
		Upstream:   f.upstream,
		Service:    f.service,
	}
	if f.shasum != "" {
		id, err := identity.ParseIdentity(f.shasum)
		if err != nil {
			return err
		}
		req.Identity = id
	}
	pins, err := parsePins(f.pins)
	if err != nil {
		return err
	}
	req.Pins = pins

	in, closeAll, err := a.installer(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	var res *install.Result
	if strings.HasSuffix(target, identity.ArtifactExt) {
		res, err = in.InstallFile(ctx, target, req)
	} else {
		res, err = in.Install(ctx, req)
	}
	if err != nil {
		return err
	}

	p := ux.NewPrinter(cmd.OutOrStdout())
	for _, e := range res.Entries {
		p.Success("%s", e.Manifest.StoreDirName())
	}
	if f.service != "" {
		p.Pointer(f.service, res.Root.Dir)
	}
	return nil
}

// parsePins reads name=version and name@identity pins.
func parsePins(raw []string) (map[string]resolve.Pin, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	pins := make(map[string]resolve.Pin, len(raw))
	for _, p := range raw {
		if name, id, ok := strings.Cut(p, "@"); ok && name != "" {
			parsed, err := identity.ParseIdentity(id)
			if err != nil {
				return nil, fmt.Errorf("pin %q: %w", p, err)
			}
			pins[name] = resolve.Pin{Identity: parsed}
			continue
		}
		name, version, ok := strings.Cut(p, "=")
		if !ok || name == "" || version == "" {
			return nil, fmt.Errorf("pin %q: want name=version or name@identity", p)
		}
		pins[name] = resolve.Pin{Version: version}
	}
	return pins, nil
}
