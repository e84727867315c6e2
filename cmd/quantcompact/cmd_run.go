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
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/config"
	"github.com/AleutianAI/quantcompact/services/compactor/metrics"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/runner"
	"github.com/AleutianAI/quantcompact/services/compactor/worker"
)

// withRunner assembles config, logging, stores and the runner, wires
// signal handling, and invokes the mode. The first SIGINT/SIGTERM sets the
// cooperative shutdown flag; a second one terminates immediately.
func withRunner(fn func(ctx context.Context, r *runner.Runner) error) error {
	cfg := config.FromEnv()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return err
		}
	}
	if parallel > 0 {
		cfg.Parallel = parallel
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	if quiet {
		level = logging.LevelError
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "compactor",
	})
	defer logger.Close()

	ctx := context.Background()
	raw, err := objstore.NewS3(ctx, objstore.S3Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.RawBucket,
	})
	if err != nil {
		return err
	}
	compact, err := objstore.NewS3(ctx, objstore.S3Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.CompactAccessKey,
		SecretKey: cfg.CompactSecretKey,
		Bucket:    cfg.CompactBucket,
	})
	if err != nil {
		return err
	}

	opts, err := runnerOptions(cfg)
	if err != nil {
		return err
	}

	// First signal: cooperative shutdown. Second signal: hard exit.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sigs
		logger.Warn("shutdown requested, finishing current batches")
		opts.Shutdown.Set()
		cancel()
		<-sigs
		logger.Error("second interrupt, terminating immediately")
		os.Exit(130)
	}()

	r := runner.New(raw, compact, logger, metrics.New(prometheus.DefaultRegisterer), opts)
	return fn(ctx, r)
}

func runnerOptions(cfg config.Config) (runner.Options, error) {
	exchanges, err := parseListFlag(exchangesFlag)
	if err != nil {
		return runner.Options{}, err
	}
	streams, err := parseListFlag(streamsFlag)
	if err != nil {
		return runner.Options{}, err
	}
	symbols, err := parseListFlag(symbolsFlag)
	if err != nil {
		return runner.Options{}, err
	}

	return runner.Options{
		Parallel: cfg.Parallel,
		Filters: runner.Filters{
			Exchanges: exchanges,
			Streams:   streams,
			Symbols:   symbols,
		},
		Limits: runner.Limits{
			MaxPartitionsPerDay: maxPartitions,
			MaxSymbols:          maxSymbols,
			MaxDays:             maxDays,
		},
		Overwrite:       overwrite,
		RetryQuarantine: retryQuarantine,
		Worker: worker.Options{
			RawBucket: cfg.RawBucket,
		},
		Shutdown: runner.NewFlag(),
	}, nil
}

func runDaily(cmd *cobra.Command, args []string) error {
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunDaily(ctx)
	})
}

func runCatchUp(cmd *cobra.Command, args []string) error {
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunCatchUp(ctx)
	})
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if (backfillFrom == "") != (backfillTo == "") {
		return fmt.Errorf("backfill: --from and --to must be set together")
	}
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunBackfill(ctx, backfillFrom, backfillTo)
	})
}

func runQuicktest(cmd *cobra.Command, args []string) error {
	return withRunner(func(ctx context.Context, r *runner.Runner) error {
		return r.RunQuicktest(ctx, quicktestCount, !quicktestKeep)
	})
}
