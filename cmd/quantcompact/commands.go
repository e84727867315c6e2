// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configFile      string
	parallel        int
	exchangesFlag   string
	streamsFlag     string
	symbolsFlag     string
	maxPartitions   int
	maxSymbols      int
	maxDays         int
	overwrite       bool
	retryQuarantine bool
	verbose         bool
	quiet           bool
	logDir          string

	backfillFrom string
	backfillTo   string

	cleanupFrom string
	cleanupTo   string
	cleanupDate string

	wipeApply bool

	quicktestCount int
	quicktestKeep  bool

	rootCmd = &cobra.Command{
		Use:           "quantcompact",
		Short:         "Compact per-partition market-data parquet files into daily files",
		Long: `quantcompact turns the many small parquet files the ingester writes per
(exchange, stream, symbol, date) partition into one sorted daily file with
a dense seq column, publishing data, metadata and quality sidecars
atomically to the compact store.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	dailyCmd = &cobra.Command{
		Use:   "daily",
		Short: "Compact yesterday's partitions (idempotent)",
		RunE:  runDaily, // Defined in cmd_run.go
	}

	catchUpCmd = &cobra.Command{
		Use:     "catch-up",
		Aliases: []string{"catchup"},
		Short:   "Compact every missing day forward from the journal watermark",
		RunE:    runCatchUp, // Defined in cmd_run.go
	}

	backfillCmd = &cobra.Command{
		Use:   "backfill",
		Short: "Compact pending days newest-first, or an explicit --from/--to range",
		RunE:  runBackfill, // Defined in cmd_run.go
	}

	quicktestCmd = &cobra.Command{
		Use:   "quicktest",
		Short: "Wipe the compact store, compact a few small partitions, and verify",
		RunE:  runQuicktest, // Defined in cmd_run.go
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Erase compact artifacts and journal entries for a date range",
		RunE:  runCleanup, // Defined in cmd_admin.go
	}

	cleanupLocksCmd = &cobra.Command{
		Use:   "cleanup-locks",
		Short: "Reap stale partition locks",
		RunE:  runCleanupLocks, // Defined in cmd_admin.go
	}

	wipeCmd = &cobra.Command{
		Use:   "wipe",
		Short: "DANGER: delete the entire compact store (dry-run unless --apply)",
		RunE:  runWipe, // Defined in cmd_admin.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [file.parquet]",
		Short: "Print row count and schema of a local parquet file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // Defined in cmd_inspect.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "optional YAML config file overlaying the environment")
	pf.IntVar(&parallel, "parallel", 0, "partition fan-out (default from config)")
	pf.StringVar(&exchangesFlag, "exchanges", "", "comma-separated exchanges, or @file with one per line")
	pf.StringVar(&streamsFlag, "streams", "", "comma-separated streams, or @file")
	pf.StringVar(&symbolsFlag, "symbols", "", "comma-separated symbols, or @file")
	pf.IntVar(&maxPartitions, "max-partitions-per-day", 0, "cap partitions per day (0 = unlimited)")
	pf.IntVar(&maxSymbols, "max-symbols", 0, "cap distinct symbols per day (0 = unlimited)")
	pf.IntVar(&maxDays, "max-days", 0, "cap days per run (0 = unlimited)")
	pf.BoolVar(&overwrite, "overwrite", false, "re-run partitions already journaled success")
	pf.BoolVar(&retryQuarantine, "retry-quarantine", false, "re-run quarantined partitions")
	pf.BoolVar(&verbose, "verbose", false, "debug logging")
	pf.BoolVar(&quiet, "quiet", false, "errors only on stderr")
	pf.StringVar(&logDir, "log-dir", "", "write JSON logs to this directory")

	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "range start YYYYMMDD (inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "range end YYYYMMDD (inclusive)")

	cleanupCmd.Flags().StringVar(&cleanupFrom, "from", "", "range start YYYYMMDD (inclusive)")
	cleanupCmd.Flags().StringVar(&cleanupTo, "to", "", "range end YYYYMMDD (inclusive)")
	cleanupLocksCmd.Flags().StringVar(&cleanupDate, "date", "", "only this date's locks")

	wipeCmd.Flags().BoolVar(&wipeApply, "apply", false, "actually delete (default is dry-run)")

	quicktestCmd.Flags().IntVar(&quicktestCount, "count", 3, "partitions to compact")
	quicktestCmd.Flags().BoolVar(&quicktestKeep, "keep", false, "keep the compacted output instead of wiping after")

	rootCmd.AddCommand(dailyCmd, catchUpCmd, backfillCmd, quicktestCmd,
		cleanupCmd, cleanupLocksCmd, wipeCmd, inspectCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// parseListFlag splits a comma list, or loads one entry per line from a
// file when the value starts with '@'.
func parseListFlag(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "@") {
		data, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("reading list file %s: %w", value[1:], err)
		}
		var out []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				out = append(out, line)
			}
		}
		return out, nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
