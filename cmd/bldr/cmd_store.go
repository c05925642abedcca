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

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bldr/pkg/ux"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// newStoreCmd groups store maintenance commands.
func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the package store",
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the store index from the entries on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			ux.NewPrinter(cmd.OutOrStdout()).Success("indexed %d entries", n)
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify <name | identity>...",
		Short: "Re-hash installed entries against their manifests",
		Long: `Verifies every entry of each named package, or the single entry of
each identity given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var ids []identity.Identity
			for _, arg := range args {
				if id, perr := identity.ParseIdentity(arg); perr == nil {
					ids = append(ids, id)
					continue
				}
				recs, err := st.Entries(ctx, arg)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					return fmt.Errorf("no entries for %s", arg)
				}
				for _, r := range recs {
					ids = append(ids, r.Identity)
				}
			}

			var result *multierror.Error
			p := ux.NewPrinter(cmd.OutOrStdout())
			for _, id := range ids {
				if err := st.Verify(ctx, id); err != nil {
					p.Error("%s: %v", id.Short(), err)
					result = multierror.Append(result, err)
					continue
				}
				p.Success("%s", id.Short())
			}
			return result.ErrorOrNil()
		},
	}

	cmd.AddCommand(reindex, verify)
	return cmd
}
