// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/quantcompact/services/compactor/partition"
	"github.com/AleutianAI/quantcompact/services/compactor/runner"
)

func runCleanup(cmd *cobra.Command, args []string) error {
	if !partition.IsDate(cleanupFrom) || !partition.IsDate(cleanupTo) {
		return fmt.Errorf("cleanup: --from and --to must be YYYYMMDD dates")
	}
	if cleanupFrom > cleanupTo {
		return fmt.Errorf("cleanup: --from must not be after --to")
	}
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunCleanup(ctx, cleanupFrom, cleanupTo)
	})
}

func runCleanupLocks(cmd *cobra.Command, args []string) error {
	if cleanupDate != "" && !partition.IsDate(cleanupDate) {
		return fmt.Errorf("cleanup-locks: --date must be a YYYYMMDD date")
	}
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunCleanupLocks(ctx, cleanupDate)
	})
}

func runWipe(cmd *cobra.Command, args []string) error {
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunWipe(ctx, wipeApply)
	})
}
