// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runner dispatches compaction modes and fans work out across
// partitions.
//
// Modes: daily (yesterday only), catch-up (forward from the watermark),
// backfill (reverse, or an explicit range), cleanup (erase a date range),
// wipe (erase the compact store), quicktest (wipe, compact a few small
// partitions, verify). Every mode honors the same filters and limits.
//
// Each worker goroutine builds its own Worker over the shared stores;
// cross-worker safety is entirely the store's conditional PUTs, so the
// same binary can run on many hosts at once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/discovery"
	"github.com/AleutianAI/quantcompact/services/compactor/metrics"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
	"github.com/AleutianAI/quantcompact/services/compactor/planner"
	"github.com/AleutianAI/quantcompact/services/compactor/state"
	"github.com/AleutianAI/quantcompact/services/compactor/worker"
)

// ErrShutdown is returned by modes interrupted by the shutdown flag.
var ErrShutdown = errors.New("runner: shutdown requested")

// ErrPartitionsFailed is returned by quicktest when partitions end in a
// failure status.
var ErrPartitionsFailed = errors.New("runner: partitions failed")

const dateLayout = "20060102"

// Filters restrict which partitions a run touches. Empty slices match
// everything.
type Filters struct {
	Exchanges []string
	Streams   []string
	Symbols   []string
}

func (f Filters) matches(p partition.Partition) bool {
	return matchesOne(f.Exchanges, p.Exchange) &&
		matchesOne(f.Streams, p.Stream) &&
		matchesOne(f.Symbols, p.Symbol)
}

func matchesOne(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return true
		}
	}
	return false
}

// Limits bound a run. Zero means unlimited.
type Limits struct {
	MaxPartitionsPerDay int
	MaxSymbols          int
	MaxDays             int
}

// Options configure a Runner.
type Options struct {
	Parallel        int
	Filters         Filters
	Limits          Limits
	Overwrite       bool
	RetryQuarantine bool

	// Worker carries per-partition options (download pool size, merge
	// tuning, raw bucket name for reproducers).
	Worker worker.Options

	// Today injects the current date; defaults to UTC now. Dates are
	// opaque strings everywhere else.
	Today func() string

	// Shutdown is the cooperative cancellation flag shared with workers
	// and mergers.
	Shutdown *Flag
}

// DaySummary aggregates one date's partition outcomes.
type DaySummary struct {
	Date    string
	Results []worker.Result
	Counts  map[string]int
}

// Aborted reports whether any partition was cut short by shutdown.
func (s DaySummary) Aborted() bool { return s.Counts[state.StatusAborted] > 0 }

// AllTerminal reports whether every partition reached a terminal planning
// status (nothing locked, aborted or stalled mid-run).
func (s DaySummary) AllTerminal() bool {
	for status, n := range s.Counts {
		if n == 0 {
			continue
		}
		switch status {
		case state.StatusSuccess, state.StatusSkipped, state.StatusQuarantine, state.StatusNoFiles:
		default:
			return false
		}
	}
	return true
}

// Runner executes compaction modes against a pair of stores.
type Runner struct {
	raw     objstore.Store
	compact objstore.Store
	journal *state.Journal
	disc    *discovery.Discovery
	logger  *logging.Logger
	metrics *metrics.Metrics
	opts    Options
}

// New assembles a Runner.
func New(raw, compact objstore.Store, logger *logging.Logger, m *metrics.Metrics, opts Options) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.Today == nil {
		opts.Today = func() string { return time.Now().UTC().Format(dateLayout) }
	}
	if opts.Shutdown == nil {
		opts.Shutdown = NewFlag()
	}
	journal := state.NewJournal(compact, logger)
	journal.SetLockTimeoutHook(m.JournalLockWaits.Inc)
	return &Runner{
		raw:     raw,
		compact: compact,
		journal: journal,
		disc:    discovery.New(raw),
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Journal exposes the runner's journal view, mainly for tests and the CLI
// cleanup paths.
func (r *Runner) Journal() *state.Journal { return r.journal }

func (r *Runner) shuttingDown() bool { return r.opts.Shutdown.IsSet() }

// RunDaily compacts yesterday only. Idempotent: already-compacted
// partitions skip via the journal.
func (r *Runner) RunDaily(ctx context.Context) error {
	target := yesterdayOf(r.opts.Today())
	r.logger.Info("daily run", "date", target)
	summary, err := r.processDate(ctx, target)
	if err != nil {
		return err
	}
	r.logSummary(summary)
	if summary.Aborted() {
		return ErrShutdown
	}
	return nil
}

// RunCatchUp processes every missing date between the watermark and today,
// oldest first, advancing the watermark after each fully processed day. A
// fresh store (no watermark) compacts yesterday only.
func (r *Runner) RunCatchUp(ctx context.Context) error {
	today := r.opts.Today()
	rawDates, err := r.disc.DiscoverDates(ctx)
	if err != nil {
		return fmt.Errorf("discovering dates: %w", err)
	}
	doc := r.journal.Read(ctx)

	var plan []string
	if doc.LastCompactedDate == "" {
		yesterday := yesterdayOf(today)
		if containsDate(rawDates, yesterday) {
			plan = []string{yesterday}
			r.logger.Info("fresh start: processing yesterday only", "date", yesterday)
		}
	} else {
		plan = planner.New(rawDates, doc, today).CatchUp()
	}
	plan = r.limitDays(plan)

	if len(plan) == 0 {
		r.logger.Info("no missing days, catch-up complete", "last_compacted_date", doc.LastCompactedDate)
		return nil
	}
	r.logger.Info("catch-up required", "days", len(plan))

	for _, date := range plan {
		if r.shuttingDown() {
			return ErrShutdown
		}
		summary, err := r.processDate(ctx, date)
		if err != nil {
			return err
		}
		r.logSummary(summary)
		if summary.Aborted() {
			return ErrShutdown
		}
		if len(summary.Results) == 0 {
			r.logger.Warn("no partitions found for date", "date", date)
			continue
		}
		if !summary.AllTerminal() {
			r.logger.Warn("day not fully processed, stopping catch-up", "date", date)
			return nil
		}
		if err := r.journal.UpdateLastCompactedDate(ctx, date); err != nil {
			return err
		}
	}
	return nil
}

// RunBackfill processes pending dates newest-first, or an explicit
// inclusive [from, to] range when both bounds are set. Fully terminal days
// are journaled so the reverse planner stops re-visiting them.
func (r *Runner) RunBackfill(ctx context.Context, from, to string) error {
	today := r.opts.Today()
	rawDates, err := r.disc.DiscoverDates(ctx)
	if err != nil {
		return fmt.Errorf("discovering dates: %w", err)
	}

	var plan []string
	if from != "" && to != "" {
		for i := len(rawDates) - 1; i >= 0; i-- {
			d := rawDates[i]
			if d >= from && d <= to && d < today {
				plan = append(plan, d)
			}
		}
	} else {
		plan = planner.New(rawDates, r.journal.Read(ctx), today).Reverse()
	}
	plan = r.limitDays(plan)

	if len(plan) == 0 {
		r.logger.Info("backfill complete: no pending dates")
		return nil
	}
	r.logger.Info("backfill starting", "days", len(plan))

	for _, date := range plan {
		if r.shuttingDown() {
			return ErrShutdown
		}
		summary, err := r.processDate(ctx, date)
		if err != nil {
			return err
		}
		r.logSummary(summary)
		if summary.Aborted() {
			return ErrShutdown
		}
		if len(summary.Results) > 0 && summary.AllTerminal() {
			if err := r.journal.LogDay(ctx, date, state.StatusSuccess); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunCleanup deletes compact artifacts, .tmp leftovers and locks for every
// date in [from, to], then erases the range from the journal.
func (r *Runner) RunCleanup(ctx context.Context, from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("cleanup requires a date range")
	}
	objects, err := r.compact.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing compact store: %w", err)
	}

	deleted := 0
	for _, obj := range objects {
		date, ok := dateOfKey(obj.Key)
		if !ok || date < from || date > to {
			continue
		}
		if err := r.compact.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("deleting %s: %w", obj.Key, err)
		}
		deleted++
	}
	r.logger.Info("cleanup removed objects", "count", deleted, "from", from, "to", to)

	if err := r.journal.ForgetRange(ctx, from, to); err != nil {
		return err
	}
	if _, err := r.journal.CleanupStaleLocks(ctx, ""); err != nil {
		return err
	}
	return nil
}

// RunCleanupLocks reaps stale partition locks, optionally for one date.
func (r *Runner) RunCleanupLocks(ctx context.Context, date string) error {
	removed, err := r.journal.CleanupStaleLocks(ctx, date)
	if err != nil {
		return err
	}
	r.metrics.StaleLocksReaped.Add(float64(removed))
	r.logger.Info("stale lock cleanup finished", "removed", removed)
	return nil
}

// RunWipe deletes the entire compact store. Dry-run unless apply is set.
func (r *Runner) RunWipe(ctx context.Context, apply bool) error {
	objects, err := r.compact.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing compact store: %w", err)
	}
	if !apply {
		r.logger.Info("wipe dry-run", "objects", len(objects))
		return nil
	}
	for _, obj := range objects {
		if err := r.compact.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("deleting %s: %w", obj.Key, err)
		}
	}
	r.logger.Info("compact store wiped", "objects", len(objects))
	return nil
}

// RunQuicktest wipes the compact store, compacts the n smallest partitions
// of the most recent complete date, and reports failures as an error.
// With wipeAfter the store is wiped again at the end.
func (r *Runner) RunQuicktest(ctx context.Context, n int, wipeAfter bool) error {
	if n <= 0 {
		n = 3
	}
	if err := r.RunWipe(ctx, true); err != nil {
		return err
	}

	today := r.opts.Today()
	rawDates, err := r.disc.DiscoverDates(ctx)
	if err != nil {
		return fmt.Errorf("discovering dates: %w", err)
	}
	var target string
	for i := len(rawDates) - 1; i >= 0; i-- {
		if rawDates[i] < today {
			target = rawDates[i]
			break
		}
	}
	if target == "" {
		return fmt.Errorf("quicktest: no complete dates in raw store")
	}

	partitions, err := r.disc.DiscoverPartitionsForDate(ctx, target)
	if err != nil {
		return err
	}
	partitions = r.filterPartitions(partitions)
	if len(partitions) == 0 {
		return fmt.Errorf("quicktest: no partitions for %s", target)
	}

	// Smallest partitions first, by raw byte size.
	sizes := make(map[string]int64, len(partitions))
	for _, p := range partitions {
		objects, err := r.raw.List(ctx, p.RawPrefix())
		if err != nil {
			return err
		}
		var total int64
		for _, obj := range objects {
			total += obj.Size
		}
		sizes[p.Key()] = total
	}
	sort.Slice(partitions, func(i, j int) bool {
		si, sj := sizes[partitions[i].Key()], sizes[partitions[j].Key()]
		if si != sj {
			return si < sj
		}
		return partitions[i].Key() < partitions[j].Key()
	})
	if len(partitions) > n {
		partitions = partitions[:n]
	}

	r.logger.Info("quicktest", "date", target, "partitions", len(partitions))
	summary := r.processPartitions(ctx, target, partitions)
	r.logSummary(summary)

	var failed int
	for _, res := range summary.Results {
		switch res.Status {
		case state.StatusSuccess, state.StatusSkipped, state.StatusNoFiles:
		default:
			failed++
			r.logger.Error("quicktest partition failed",
				"partition", res.Partition.Key(), "status", res.Status, "error", res.Error)
		}
	}

	if wipeAfter {
		if err := r.RunWipe(ctx, true); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrPartitionsFailed, failed, len(summary.Results))
	}
	return nil
}

// processDate discovers, filters and compacts one date's partitions.
func (r *Runner) processDate(ctx context.Context, date string) (DaySummary, error) {
	partitions, err := r.disc.DiscoverPartitionsForDate(ctx, date)
	if err != nil {
		return DaySummary{}, fmt.Errorf("discovering partitions for %s: %w", date, err)
	}
	partitions = r.filterPartitions(partitions)
	r.logger.Info("processing date", "date", date, "partitions", len(partitions))
	return r.processPartitions(ctx, date, partitions), nil
}

// processPartitions fans partitions out over the worker pool. Each
// goroutine gets its own Worker and journal view.
func (r *Runner) processPartitions(ctx context.Context, date string, partitions []partition.Partition) DaySummary {
	summary := DaySummary{Date: date, Counts: make(map[string]int)}
	results := make([]worker.Result, len(partitions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallel)
	for i, p := range partitions {
		if r.shuttingDown() {
			results[i] = worker.Result{Partition: p, Status: state.StatusAborted}
			continue
		}
		g.Go(func() error {
			w := r.newWorker()
			results[i] = w.Process(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.Status == "" {
			continue
		}
		summary.Results = append(summary.Results, res)
		summary.Counts[res.Status]++
	}
	return summary
}

func (r *Runner) newWorker() *worker.Worker {
	opts := r.opts.Worker
	opts.Overwrite = r.opts.Overwrite
	opts.RetryQuarantine = r.opts.RetryQuarantine
	opts.CheckShutdown = r.opts.Shutdown.IsSet
	journal := state.NewJournal(r.compact, r.logger)
	journal.SetLockTimeoutHook(r.metrics.JournalLockWaits.Inc)
	return worker.New(r.raw, r.compact, journal, r.logger, r.metrics, opts)
}

// filterPartitions applies the exchange/stream/symbol filters and the
// per-day limits.
func (r *Runner) filterPartitions(partitions []partition.Partition) []partition.Partition {
	var out []partition.Partition
	symbols := make(map[string]struct{})
	for _, p := range partitions {
		if !r.opts.Filters.matches(p) {
			continue
		}
		if max := r.opts.Limits.MaxSymbols; max > 0 {
			if _, seen := symbols[p.Symbol]; !seen && len(symbols) >= max {
				continue
			}
		}
		symbols[p.Symbol] = struct{}{}
		out = append(out, p)
		if max := r.opts.Limits.MaxPartitionsPerDay; max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func (r *Runner) limitDays(plan []string) []string {
	if max := r.opts.Limits.MaxDays; max > 0 && len(plan) > max {
		return plan[:max]
	}
	return plan
}

func (r *Runner) logSummary(s DaySummary) {
	args := []any{"date", s.Date, "partitions", len(s.Results)}
	for _, status := range []string{
		state.StatusSuccess, state.StatusSkipped, state.StatusQuarantine,
		state.StatusNoFiles, state.StatusLocked, state.StatusAborted,
		state.StatusDownloadFailed,
	} {
		if n := s.Counts[status]; n > 0 {
			args = append(args, status, n)
		}
	}
	r.logger.Info("date processed", args...)
}

// dateOfKey extracts the date a compact-store key belongs to: hive-style
// artifact keys carry "/date=<D>/", lock keys end in "/<D>.lock".
func dateOfKey(key string) (string, bool) {
	if idx := strings.Index(key, "date="); idx >= 0 {
		rest := key[idx+len("date="):]
		if slash := strings.Index(rest, "/"); slash == 8 && partition.IsDate(rest[:8]) {
			return rest[:8], true
		}
	}
	if strings.HasPrefix(key, state.LocksPrefix) && strings.HasSuffix(key, ".lock") {
		trimmed := strings.TrimSuffix(key, ".lock")
		if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && partition.IsDate(trimmed[idx+1:]) {
			return trimmed[idx+1:], true
		}
	}
	return "", false
}

func containsDate(dates []string, date string) bool {
	for _, d := range dates {
		if d == date {
			return true
		}
	}
	return false
}

// yesterdayOf computes the date one day before a YYYYMMDD date.
func yesterdayOf(today string) string {
	t, err := time.Parse(dateLayout, today)
	if err != nil {
		return today
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}
