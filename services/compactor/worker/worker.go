// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker runs the per-partition compaction pipeline.
//
// The pipeline is strictly ordered: journal pre-check, artifact healing,
// lock, quality gate, list, download, merge, verify, atomic publish,
// journal update, release. Publication is data -> meta -> quality, each
// via a .tmp upload promoted by server-side copy, so a reader that treats
// the quality sidecar as the done marker never sees data without its
// metadata. Any uncaught failure quarantines the partition with enough
// diagnostics in the journal to triage it offline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/merge"
	"github.com/AleutianAI/quantcompact/services/compactor/metrics"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
	"github.com/AleutianAI/quantcompact/services/compactor/quality"
	"github.com/AleutianAI/quantcompact/services/compactor/state"
)

// DefaultDownloadConcurrency bounds the parallel blob download pool.
const DefaultDownloadConcurrency = 50

// schemaVersion is stamped into the metadata sidecar.
const schemaVersion = 1

// Error types recorded with quarantine entries.
const (
	ErrorTypeDictConflict  = "DICT_CONFLICT"
	ErrorTypeSnappyCorrupt = "SNAPPY_CORRUPT"
	ErrorTypeOther         = "OTHER"
)

// Options configure a Worker.
type Options struct {
	// Overwrite re-runs partitions already journaled success.
	Overwrite bool

	// RetryQuarantine re-runs partitions journaled quarantine.
	RetryQuarantine bool

	// DownloadConcurrency bounds the download pool. Default 50.
	DownloadConcurrency int

	// Merge carries merger tuning; zero fields take merger defaults.
	Merge merge.Options

	// CheckShutdown is polled between pipeline steps and inside the
	// merger.
	CheckShutdown func() bool

	// WorkDir hosts per-partition scratch directories. Empty means the
	// system temp directory.
	WorkDir string

	// RawBucket names the raw bucket in reproducer commands.
	RawBucket string
}

// Result is the outcome of one partition run.
type Result struct {
	Partition       partition.Partition
	Status          string
	SkipReason      string
	FilesProcessed  int
	TotalSizeBytes  int64
	OutputSizeBytes int64
	Rows            int64
	DayQuality      string
	SHA256          string
	Error           string
	ErrorType       string
	FailingKey      string
	ReproducerCmd   string

	ListTime     time.Duration
	DownloadTime time.Duration
	MergeTime    time.Duration
	VerifyTime   time.Duration
	UploadTime   time.Duration
	QualityTime  time.Duration
}

// Meta is the metadata sidecar document.
type Meta struct {
	Rows              int64    `json:"rows"`
	TsEventMin        *int64   `json:"ts_event_min"`
	TsEventMax        *int64   `json:"ts_event_max"`
	SHA256            string   `json:"sha256"`
	SourceFiles       int      `json:"source_files"`
	SchemaVersion     int      `json:"schema_version"`
	StreamType        string   `json:"stream_type"`
	OrderingColumns   []string `json:"ordering_columns"`
	DayQuality        string   `json:"day_quality"`
	PostFilterVersion string   `json:"post_filter_version"`
}

// Worker compacts one partition at a time. Each runner process builds its
// own Worker with its own store clients; cross-worker coordination happens
// entirely through the store's conditional PUTs.
type Worker struct {
	raw     objstore.Store
	compact objstore.Store
	journal *state.Journal
	locks   *state.LockManager
	eval    *quality.Evaluator
	logger  *logging.Logger
	metrics *metrics.Metrics
	opts    Options

	// pathToKey maps local download paths back to raw object keys for
	// failure diagnostics. Reset per partition.
	pathToKey map[string]string
}

// New assembles a Worker.
func New(raw, compact objstore.Store, journal *state.Journal, logger *logging.Logger, m *metrics.Metrics, opts Options) *Worker {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = DefaultDownloadConcurrency
	}
	return &Worker{
		raw:     raw,
		compact: compact,
		journal: journal,
		locks:   state.NewLockManager(compact, logger),
		eval:    quality.NewEvaluator(raw, logger),
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

func (w *Worker) shutdown() bool {
	return w.opts.CheckShutdown != nil && w.opts.CheckShutdown()
}

// Process runs the pipeline for one partition. Failures are folded into
// the returned status, never raised: one broken partition must not stop a
// day.
func (w *Worker) Process(ctx context.Context, p partition.Partition) Result {
	res := Result{Partition: p, Status: "unknown", DayQuality: quality.QualityUnknown}
	log := w.logger.With("partition", p.Key())

	// 1. Journal pre-check.
	status, _ := w.journal.PartitionStatus(ctx, p.Key())
	if status == state.StatusSuccess && !w.opts.Overwrite {
		res.Status = state.StatusSkipped
		return res
	}
	if status == state.StatusQuarantine && !w.opts.Overwrite && !w.opts.RetryQuarantine {
		res.Status = state.StatusQuarantine
		res.SkipReason = "already_quarantined"
		log.Info("skipping previously quarantined partition")
		return res
	}

	// 2. Artifact healing: finished work whose journal write was lost.
	if !w.opts.Overwrite {
		switch status {
		case "", state.StatusInProgress, state.StatusStalled:
			if healed := w.healFromArtifacts(ctx, p, &res); healed {
				return res
			}
		}
	}

	// 3. Lock.
	acquired, err := w.locks.Acquire(ctx, p)
	if err != nil {
		log.Error("acquiring lock", "error", err)
		res.Status = state.StatusLocked
		return res
	}
	if !acquired {
		log.Info("partition locked by another worker")
		res.Status = state.StatusLocked
		return res
	}
	defer w.locks.Release(ctx, p)

	// 4. Mark in progress immediately after taking the lock.
	w.logJournal(ctx, p, &res, state.StatusInProgress)

	err = w.compactPartition(ctx, p, &res, log)
	switch {
	case err == nil:
		// Terminal status already journaled by compactPartition.
	case errors.Is(err, merge.ErrShutdown) || errors.Is(err, context.Canceled):
		res.Status = state.StatusAborted
		res.Error = "shutdown requested"
		log.Warn("partition aborted by shutdown")
		w.logJournal(ctx, p, &res, state.StatusAborted)
	default:
		w.quarantine(ctx, p, &res, err, log)
	}

	w.metrics.PartitionsTotal.WithLabelValues(res.Status).Inc()
	return res
}

// compactPartition is steps 5-11. A returned shutdown or cancellation error
// aborts the partition and any other returned error quarantines it;
// terminal non-error outcomes journal themselves and return nil.
func (w *Worker) compactPartition(ctx context.Context, p partition.Partition, res *Result, log *logging.Logger) error {
	if w.shutdown() {
		return merge.ErrShutdown
	}

	// 5. Quality gate.
	t0 := time.Now()
	report, err := w.eval.EvaluateDay(ctx, p.Date)
	res.QualityTime = time.Since(t0)
	if err != nil {
		return fmt.Errorf("quality evaluation: %w", err)
	}
	res.DayQuality = report.DayQuality

	switch report.DayQuality {
	case quality.QualityBad:
		res.Status = state.StatusQuarantine
		log.Warn("quarantining partition: BAD day quality")
		w.logJournal(ctx, p, res, state.StatusQuarantine)
		return nil
	case quality.QualityPartial:
		res.Status = state.StatusSkipped
		res.Error = "partial day data, retry expected"
		log.Info("skipping partition: partial day, waiting for more data")
		w.logJournal(ctx, p, res, state.StatusSkipped)
		return nil
	}

	// 6. List raw files.
	t0 = time.Now()
	rawFiles, err := w.listRawFiles(ctx, p)
	res.ListTime = time.Since(t0)
	if err != nil {
		return err
	}
	if len(rawFiles) == 0 {
		res.Status = state.StatusNoFiles
		w.logJournal(ctx, p, res, state.StatusNoFiles)
		return nil
	}
	res.FilesProcessed = len(rawFiles)
	for _, f := range rawFiles {
		res.TotalSizeBytes += f.Size
	}

	workDir, err := os.MkdirTemp(w.opts.WorkDir, "compact_"+p.Symbol+"_")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if w.shutdown() {
		return merge.ErrShutdown
	}

	// 7. Download with the bounded pool.
	t0 = time.Now()
	localFiles := w.downloadFiles(ctx, rawFiles, workDir, log)
	res.DownloadTime = time.Since(t0)
	if len(localFiles) == 0 {
		res.Status = state.StatusDownloadFailed
		res.Error = "no files downloaded"
		w.logJournal(ctx, p, res, state.StatusDownloadFailed)
		return nil
	}

	// 8. Merge.
	outputPath := filepath.Join(workDir, "data.parquet")
	t0 = time.Now()
	mergeRes, err := w.merge(localFiles, outputPath, p.Stream)
	res.MergeTime = time.Since(t0)
	if err != nil {
		return err
	}
	res.Rows = mergeRes.Rows
	res.SHA256 = mergeRes.SHA256
	w.metrics.MergeDuration.Observe(res.MergeTime.Seconds())
	w.metrics.RowsWritten.Add(float64(mergeRes.Rows))

	if info, err := os.Stat(outputPath); err == nil {
		res.OutputSizeBytes = info.Size()
	}

	// 9. Verify before anything leaves this host.
	t0 = time.Now()
	verifyErr := merge.VerifyOutput(outputPath, mergeRes.Rows, w.opts.Merge.BatchSize)
	res.VerifyTime = time.Since(t0)
	if verifyErr != nil {
		return verifyErr
	}

	if w.shutdown() {
		return merge.ErrShutdown
	}

	// 10. Atomic publish: everything to .tmp, then promote in order.
	t0 = time.Now()
	if err := w.publish(ctx, p, outputPath, mergeRes, report, len(rawFiles)); err != nil {
		return err
	}
	res.UploadTime = time.Since(t0)

	// 11. Journal success; the deferred release drops the lock after.
	res.Status = state.StatusSuccess
	w.logJournal(ctx, p, res, state.StatusSuccess)

	log.Info("partition compacted",
		"sha256", shortSHA(mergeRes.SHA256),
		"rows", mergeRes.Rows,
		"files_in", len(rawFiles),
		"list_s", res.ListTime.Seconds(),
		"download_s", res.DownloadTime.Seconds(),
		"merge_s", res.MergeTime.Seconds(),
		"upload_s", res.UploadTime.Seconds(),
	)
	return nil
}

// healFromArtifacts reconciles journal state with already-published
// artifacts: a complete artifact set with no lock means a previous run
// finished but lost its journal write. Returns true when the partition was
// healed (res is filled as skipped).
func (w *Worker) healFromArtifacts(ctx context.Context, p partition.Partition, res *Result) bool {
	lockExists, err := w.locks.Held(ctx, p)
	if err != nil {
		return false // conservative: assume an active lock
	}
	if lockExists {
		return false
	}

	for _, key := range []string{p.DataKey(), p.MetaKey(), p.QualityKey()} {
		exists, err := w.compact.Exists(ctx, key)
		if err != nil || !exists {
			return false
		}
	}

	var meta Meta
	if body, err := w.compact.Get(ctx, p.MetaKey()); err == nil {
		_ = json.Unmarshal(body, &meta)
	}

	entry := state.PartitionEntry{
		Status:            state.StatusSuccess,
		DayQualityPost:    orUnknown(meta.DayQuality),
		PostFilterVersion: orDefault(meta.PostFilterVersion, quality.PostFilterVersion),
		Rows:              meta.Rows,
	}
	if err := w.journal.LogPartition(ctx, p.Key(), entry); err != nil {
		w.logger.Error("healing journal entry", "partition", p.Key(), "error", err)
	}

	res.Status = state.StatusSkipped
	res.SkipReason = "artifact_exists"
	res.Rows = meta.Rows
	w.logger.Info("artifacts already exist, state healed", "partition", p.Key())
	return true
}

// listRawFiles lists the partition's parquet objects, excluding hidden
// sidecars ("._" names).
func (w *Worker) listRawFiles(ctx context.Context, p partition.Partition) ([]objstore.ObjectInfo, error) {
	objects, err := w.raw.List(ctx, p.RawPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing raw files: %w", err)
	}
	files := objects[:0]
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".parquet") {
			continue
		}
		base := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
		if strings.HasPrefix(base, "._") || strings.Contains(obj.Key, "/._") {
			continue
		}
		files = append(files, obj)
	}
	return files, nil
}

// downloadFiles fetches raw files concurrently with a bounded pool. Local
// names are prefixed with the zero-padded listing index so lexicographic
// order of downloads matches listing order. Individual failures are
// tolerated; only the successful set is returned, sorted.
func (w *Worker) downloadFiles(ctx context.Context, files []objstore.ObjectInfo, dir string, log *logging.Logger) []string {
	w.pathToKey = make(map[string]string, len(files))

	sem := make(chan struct{}, w.opts.DownloadConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var localFiles []string

	for idx, f := range files {
		wg.Add(1)
		go func(idx int, key string, size int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			name := fmt.Sprintf("%04d_%s", idx, filepath.Base(key))
			localPath := filepath.Join(dir, name)
			if err := w.raw.Download(ctx, key, localPath); err != nil {
				log.Warn("download failed", "key", key, "error", err)
				return
			}
			mu.Lock()
			localFiles = append(localFiles, localPath)
			w.pathToKey[localPath] = key
			mu.Unlock()
			w.metrics.BytesDownloaded.Add(float64(size))
		}(idx, f.Key, f.Size)
	}
	wg.Wait()

	sort.Strings(localFiles)
	return localFiles
}

// merge runs the streaming merger. The worker always injects seq; trade
// streams pre-select plain mode: dictionaries decoded, plain output, fast
// path off.
func (w *Worker) merge(inputs []string, outputPath, stream string) (merge.Result, error) {
	opts := w.opts.Merge
	opts.AddSeqColumn = true
	opts.CheckShutdown = w.opts.CheckShutdown
	if strings.EqualFold(stream, "trade") {
		opts.DecodeDictionaries = true
		opts.ForcePlainOutput = true
		opts.DisableFastPath = true
	}
	return merge.New(inputs, outputPath, opts, w.logger).Merge()
}

// publish uploads all three artifacts with a .tmp suffix, then promotes
// them in order data -> meta -> quality via copy+delete. A crash between
// steps leaves only .tmp leftovers for cleanup to sweep.
func (w *Worker) publish(ctx context.Context, p partition.Partition, outputPath string, mergeRes merge.Result, report quality.DayReport, sourceFiles int) error {
	meta := Meta{
		Rows:              mergeRes.Rows,
		TsEventMin:        mergeRes.TsEventMin,
		TsEventMax:        mergeRes.TsEventMax,
		SHA256:            mergeRes.SHA256,
		SourceFiles:       sourceFiles,
		SchemaVersion:     schemaVersion,
		StreamType:        p.Stream,
		OrderingColumns:   []string{merge.TsEventColumn, merge.SeqColumn},
		DayQuality:        report.DayQuality,
		PostFilterVersion: quality.PostFilterVersion,
	}

	if err := w.compact.Upload(ctx, outputPath, p.DataKey()+".tmp"); err != nil {
		return fmt.Errorf("uploading data: %w", err)
	}
	if err := w.putJSON(ctx, p.MetaKey()+".tmp", meta); err != nil {
		return fmt.Errorf("uploading metadata: %w", err)
	}
	if err := w.putJSON(ctx, p.QualityKey()+".tmp", report); err != nil {
		return fmt.Errorf("uploading quality report: %w", err)
	}

	for _, key := range []string{p.DataKey(), p.MetaKey(), p.QualityKey()} {
		w.logger.Debug("promoting artifact", "key", key)
		if err := w.compact.Copy(ctx, key+".tmp", key); err != nil {
			return fmt.Errorf("promoting %s: %w", key, err)
		}
		if err := w.compact.Delete(ctx, key+".tmp"); err != nil {
			return fmt.Errorf("removing %s.tmp: %w", key, err)
		}
	}
	return nil
}

func (w *Worker) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return w.compact.Put(ctx, key, body, "application/json")
}

// quarantine journals a failed partition with triage diagnostics: error
// class, the raw key implicated by the error message, and a reproducer
// command.
func (w *Worker) quarantine(ctx context.Context, p partition.Partition, res *Result, err error, log *logging.Logger) {
	msg := err.Error()
	res.Status = state.StatusQuarantine
	res.Error = msg
	res.ErrorType = classifyError(msg)
	res.FailingKey = w.findFailingKey(msg)
	if res.FailingKey != "" {
		res.ReproducerCmd = w.reproducerCmd(res.FailingKey)
	}

	log.Error("quarantining partition",
		"error_type", res.ErrorType,
		"failing_key", res.FailingKey,
		"error", msg,
	)
	w.logJournal(ctx, p, res, state.StatusQuarantine)
}

// findFailingKey maps a local path mentioned in the error message back to
// its raw object key, falling back to the first downloaded file.
func (w *Worker) findFailingKey(msg string) string {
	paths := make([]string, 0, len(w.pathToKey))
	for path := range w.pathToKey {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if strings.Contains(msg, path) {
			return w.pathToKey[path]
		}
	}
	if len(paths) > 0 {
		return w.pathToKey[paths[0]]
	}
	return ""
}

func (w *Worker) reproducerCmd(key string) string {
	bucket := w.opts.RawBucket
	if bucket == "" {
		bucket = "$S3_BUCKET"
	}
	return fmt.Sprintf(
		"aws --endpoint-url \"$S3_ENDPOINT\" s3 cp 's3://%s/%s' repro.parquet && quantcompact inspect repro.parquet",
		bucket, key,
	)
}

func (w *Worker) logJournal(ctx context.Context, p partition.Partition, res *Result, status string) {
	entry := state.PartitionEntry{
		Status:            status,
		DayQualityPost:    res.DayQuality,
		PostFilterVersion: quality.PostFilterVersion,
		Rows:              res.Rows,
		TotalSizeBytes:    res.TotalSizeBytes,
		ErrorType:         res.ErrorType,
		FailingKey:        res.FailingKey,
		Error:             res.Error,
		ReproducerCmd:     res.ReproducerCmd,
	}
	if err := w.journal.LogPartition(ctx, p.Key(), entry); err != nil {
		w.logger.Error("journaling partition status", "partition", p.Key(), "status", status, "error", err)
	}
}

func classifyError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "more than one dictionary"):
		return ErrorTypeDictConflict
	case strings.Contains(lower, "snappy"), strings.Contains(lower, "corrupt"):
		return ErrorTypeSnappyCorrupt
	default:
		return ErrorTypeOther
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func orUnknown(s string) string {
	if s == "" {
		return quality.QualityUnknown
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
