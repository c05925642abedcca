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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/pkg/ux"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/store"
)

type lookupFlags struct {
	version    string
	derivation string
	shasum     string
	all        bool
}

// newLookupCmd builds `bldr lookup`, which prints the store directory of
// the newest matching entry, or every entry with --all.
func newLookupCmd(a *app) *cobra.Command {
	var f lookupFlags
	cmd := &cobra.Command{
		Use:   "lookup <name>",
		Short: "Find an installed package in the store",
		Long: `Prints the store directory of the newest installed entry matching the
query. Newest means latest release; ties go to the greater identity.

Examples:
  bldr lookup redis
  bldr lookup redis --version 7.2.4 --derivation core
  bldr lookup redis --shasum <identity>
  bldr lookup redis --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLookup(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.version, "version", "", "exact version")
	cmd.Flags().StringVar(&f.derivation, "derivation", "", "derivation")
	cmd.Flags().StringVar(&f.shasum, "shasum", "", "exact identity")
	cmd.Flags().BoolVar(&f.all, "all", false, "list every entry, oldest first")
	return cmd
}

func (a *app) runLookup(cmd *cobra.Command, name string, f lookupFlags) error {
	ctx := cmd.Context()
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	p := ux.NewPrinter(cmd.OutOrStdout())
	if f.all {
		recs, err := st.Entries(ctx, name)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{r.Version, r.Release, r.Derivation, r.Identity.String()})
		}
		return p.Table([]string{"VERSION", "RELEASE", "DERIVATION", "IDENTITY"}, rows)
	}

	var e *store.Entry
	switch {
	case f.shasum != "":
		id, perr := identity.ParseIdentity(f.shasum)
		if perr != nil {
			return perr
		}
		e, err = st.Specific(ctx, name, id)
	case f.derivation != "":
		e, err = st.LatestDerivation(ctx, name, f.version, f.derivation)
	default:
		e, err = st.LatestPackage(ctx, name, f.version)
	}
	if err != nil {
		return err
	}
	p.Line(e.Dir)
	return nil
}
