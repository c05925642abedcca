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
)

func newRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <service>",
		Short: "Point a service back at its previously active package",
		Long: `Swaps the service's current pointer back to the entry it pointed at
before the last install. A running supervisor picks the change up on its
next restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			in, closeAll, err := a.installer(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			dir, err := in.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			ux.NewPrinter(cmd.OutOrStdout()).Pointer(args[0], dir)
			return nil
		},
	}
}
