// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package merge implements the streaming external k-way merge that turns a
// partition's raw parquet files into one sorted, seq-annotated output.
//
// Three execution paths share one writer:
//
//   - fast concat, when every input carries ts_event statistics and the
//     per-file ranges are non-overlapping and ascending: batches stream
//     through in file order with no cross-file comparison;
//   - direct k-way, the general case: a min-heap over per-file streams
//     keyed by (ts_event, file_idx, row_idx) yields a total, deterministic
//     order;
//   - hierarchical, when the input count exceeds the open-file budget:
//     consecutive chunks merge into intermediates (seq injection off),
//     then the intermediates merge into the final output.
//
// Memory is bounded: one decoded batch per open input plus one output
// buffer, independent of total row count.
package merge

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/AleutianAI/quantcompact/pkg/logging"
)

// Defaults. Batch and buffer sizes bound merger memory at
// O(MaxOpenFiles * BatchSize + OutputBufferSize) rows.
const (
	DefaultBatchSize        = 100_000
	DefaultOutputBufferSize = 200_000
	DefaultMaxOpenFiles     = 1200
	DefaultLogInterval      = 5_000_000
)

// ErrShutdown is returned when CheckShutdown reports true at a batch
// boundary. The worker maps it to the aborted status.
var ErrShutdown = errors.New("merge: shutdown requested")

// ErrEncodingConflict signals that the inputs disagree on schema encoding
// (the "more than one dictionary" class of failure). Merge retries once
// with dictionary decoding before surfacing it.
var ErrEncodingConflict = errors.New("merge: more than one dictionary encoding across inputs")

// Options tune one merge run.
type Options struct {
	BatchSize        int
	OutputBufferSize int
	MaxOpenFiles     int
	LogInterval      int64

	// AddSeqColumn injects the dense seq column after ts_event.
	AddSeqColumn bool

	// DecodeDictionaries normalizes every input to its underlying value
	// types, tolerating per-file encoding drift.
	DecodeDictionaries bool

	// ForcePlainOutput writes the output without dictionary encoding.
	// Pre-selected for trade streams.
	ForcePlainOutput bool

	// DisableFastPath forces the k-way path even for disjoint inputs.
	DisableFastPath bool

	// CheckShutdown is polled at batch boundaries; true aborts the merge
	// with ErrShutdown.
	CheckShutdown func() bool

	// ScratchDir hosts hierarchical-merge intermediates. Empty means the
	// system temp directory.
	ScratchDir string
}

// DefaultOptions returns production defaults with seq injection on.
func DefaultOptions() Options {
	return Options{
		BatchSize:        DefaultBatchSize,
		OutputBufferSize: DefaultOutputBufferSize,
		MaxOpenFiles:     DefaultMaxOpenFiles,
		LogInterval:      DefaultLogInterval,
		AddSeqColumn:     true,
	}
}

// Timings breaks a merge down into its phases, in seconds.
type Timings struct {
	Init  float64 `json:"init"`
	Loop  float64 `json:"loop"`
	Flush float64 `json:"flush"`
}

// Result is the merge completion metadata. TsEventMin/Max are nil when no
// rows were written.
type Result struct {
	Rows       int64   `json:"rows"`
	TsEventMin *int64  `json:"ts_event_min"`
	TsEventMax *int64  `json:"ts_event_max"`
	SHA256     string  `json:"sha256"`
	InputParts int     `json:"input_parts"`
	DurationMS int64   `json:"duration_ms"`
	Timings    Timings `json:"timings"`
}

// Merger merges a sorted list of input files into one output file.
type Merger struct {
	inputs []string
	output string
	opts   Options
	logger *logging.Logger

	// per-run state, reset on every run
	out         *outputSchema
	writer      *parquet.GenericWriter[any]
	buffer      []parquet.Row
	rowsWritten int64
	appended    int64
	tsMin       int64
	tsMax       int64
	haveBounds  bool
	tInit       time.Duration
	tLoop       time.Duration
	tFlush      time.Duration
}

// New builds a Merger. Inputs are sorted lexicographically regardless of
// caller order; file_idx in the sort key is the index in that sorted list.
func New(inputs []string, output string, opts Options, logger *logging.Logger) *Merger {
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = DefaultOutputBufferSize
	}
	if opts.MaxOpenFiles < 2 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = DefaultLogInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Merger{inputs: sorted, output: output, opts: opts, logger: logger}
}

// Merge runs the merge, retrying once with dictionary decoding if the
// inputs turn out to be encoding-incompatible.
func (m *Merger) Merge() (Result, error) {
	res, err := m.run()
	if err != nil && !m.plain() && isEncodingConflict(err) {
		m.logger.Warn("encoding conflict; retrying with dictionary decoding", "error", err)
		m.opts.DecodeDictionaries = true
		return m.run()
	}
	return res, err
}

// plain reports whether inputs are normalized and the output written
// without dictionary encoding.
func (m *Merger) plain() bool {
	return m.opts.DecodeDictionaries || m.opts.ForcePlainOutput
}

func (m *Merger) shutdown() bool {
	return m.opts.CheckShutdown != nil && m.opts.CheckShutdown()
}

func (m *Merger) run() (Result, error) {
	m.reset()
	start := time.Now()

	if len(m.inputs) == 0 {
		return Result{}, fmt.Errorf("merge: no input files")
	}
	if len(m.inputs) > m.opts.MaxOpenFiles {
		return m.hierarchical()
	}

	files := make([]*inputFile, 0, len(m.inputs))
	defer func() {
		for _, in := range files {
			in.close()
		}
	}()
	for _, path := range m.inputs {
		in, err := openInput(path)
		if err != nil {
			return Result{}, err
		}
		files = append(files, in)
	}

	if err := m.validateInputs(files); err != nil {
		return Result{}, err
	}

	out, err := buildOutputSchema(files[0].pfile.Schema(), m.opts.AddSeqColumn, m.plain())
	if err != nil {
		return Result{}, err
	}
	m.out = out

	remaps := make([][]int, len(files))
	for i, in := range files {
		remap, err := out.remapFor(in.pfile.Schema())
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", in.path, err)
		}
		remaps[i] = remap
	}

	outFile, err := os.Create(m.output)
	if err != nil {
		return Result{}, fmt.Errorf("creating output %s: %w", m.output, err)
	}
	m.writer = parquet.NewGenericWriter[any](outFile, out.schema, parquet.Compression(&parquet.Zstd))

	runErr := func() error {
		if !m.opts.DisableFastPath {
			if ok, reason := m.checkOrdering(files); ok {
				m.logger.Info("fast path selected: inputs are strictly ordered")
				return m.fastConcat(files, remaps)
			} else {
				m.logger.Debug("fast path rejected", "reason", reason)
			}
		}
		return m.kwayMerge(files, remaps)
	}()
	if runErr != nil {
		m.writer.Close()
		outFile.Close()
		os.Remove(m.output)
		return Result{}, runErr
	}

	if err := m.writer.Close(); err != nil {
		outFile.Close()
		return Result{}, fmt.Errorf("closing output writer: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return Result{}, fmt.Errorf("closing output %s: %w", m.output, err)
	}

	sha, err := hashFile(m.output)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Rows:       m.rowsWritten,
		SHA256:     sha,
		InputParts: len(m.inputs),
		DurationMS: time.Since(start).Milliseconds(),
		Timings: Timings{
			Init:  m.tInit.Seconds(),
			Loop:  m.tLoop.Seconds(),
			Flush: m.tFlush.Seconds(),
		},
	}
	if m.haveBounds {
		lo, hi := m.tsMin, m.tsMax
		res.TsEventMin = &lo
		res.TsEventMax = &hi
	}
	return res, nil
}

func (m *Merger) reset() {
	m.out = nil
	m.writer = nil
	m.buffer = m.buffer[:0]
	m.rowsWritten = 0
	m.appended = 0
	m.haveBounds = false
	m.tInit, m.tLoop, m.tFlush = 0, 0, 0
}

// validateInputs rejects schema disagreements and null event times before
// any row is read. In strict mode a schema mismatch is an encoding
// conflict (retryable with decoding); in plain mode it is a hard error.
func (m *Merger) validateInputs(files []*inputFile) error {
	refSig := schemaSignature(files[0].pfile.Schema(), m.plain())
	for _, in := range files[1:] {
		if sig := schemaSignature(in.pfile.Schema(), m.plain()); sig != refSig {
			if !m.plain() {
				return fmt.Errorf("%s: schema differs from %s: %w", in.path, files[0].path, ErrEncodingConflict)
			}
			return fmt.Errorf("%s: schema incompatible with %s even after decoding", in.path, files[0].path)
		}
	}

	for _, in := range files {
		if in.tsLeaf < 0 {
			return fmt.Errorf("%s: missing %s column", in.path, TsEventColumn)
		}
		field := in.pfile.Schema().Fields()[in.tsLeaf]
		if field.Leaf() && field.Type().Kind() != parquet.Int64 {
			return fmt.Errorf("%s: %s must be int64, got %s", in.path, TsEventColumn, field.Type())
		}
		for _, rg := range in.pfile.Metadata().RowGroups {
			if in.tsLeaf < len(rg.Columns) && rg.Columns[in.tsLeaf].MetaData.Statistics.NullCount > 0 {
				return fmt.Errorf("%s: null %s values are not supported", in.path, TsEventColumn)
			}
		}
	}
	return nil
}

// checkOrdering reports whether the inputs qualify for the fast path:
// every file has ts_event statistics and the [min, max] ranges ascend
// without overlap in file order.
func (m *Merger) checkOrdering(files []*inputFile) (bool, string) {
	if len(files) <= 1 {
		return true, "single_file"
	}
	var prevMax int64
	for i, in := range files {
		if in.tsLeaf < 0 {
			return false, "missing_ts_event"
		}
		lo, hi, ok := tsEventBounds(in.pfile, in.tsLeaf)
		if !ok {
			return false, "missing_stats:" + filepath.Base(in.path)
		}
		if i > 0 && lo < prevMax {
			return false, fmt.Sprintf("overlap:current_min(%d) < prev_max(%d) at %s", lo, prevMax, filepath.Base(in.path))
		}
		prevMax = hi
	}
	return true, "strictly_ordered"
}

// fastConcat streams batches through in file order, buffering rows and
// flushing at OutputBufferSize exactly like kwayMerge so both paths produce
// the same row groups. Bounds come from the statistics the path
// precondition already proved present.
func (m *Merger) fastConcat(files []*inputFile, remaps [][]int) error {
	t0 := time.Now()
	defer func() { m.tLoop += time.Since(t0) }()

	for i, in := range files {
		if lo, hi, ok := tsEventBounds(in.pfile, in.tsLeaf); ok {
			m.observeTS(lo)
			m.observeTS(hi)
		}

		s, err := newFileStream(i, in, m.opts.BatchSize, remaps[i])
		if err != nil {
			return err
		}
		for s.hasRows() {
			if m.shutdown() {
				s.close()
				return ErrShutdown
			}
			for r := 0; r < s.batchLen; r++ {
				// Buffered rows can outlive this batch, so values are cloned.
				m.buffer = append(m.buffer, m.transformRow(s.batch[r], s.remap, true))
				if len(m.buffer) >= m.opts.OutputBufferSize {
					if err := m.flushBuffer(); err != nil {
						s.close()
						return err
					}
				}
			}
			if err := s.loadNextBatch(); err != nil {
				s.close()
				return err
			}
		}
		s.close()
	}
	return m.flushBuffer()
}

// kwayMerge is the general path: pop the smallest key, buffer the row,
// advance its stream, re-push, flush the buffer at the configured size.
func (m *Merger) kwayMerge(files []*inputFile, remaps [][]int) error {
	tInit := time.Now()
	streams := make([]*fileStream, 0, len(files))
	defer func() {
		for _, s := range streams {
			s.close()
		}
	}()

	h := make(streamHeap, 0, len(files))
	for i, in := range files {
		s, err := newFileStream(i, in, m.opts.BatchSize, remaps[i])
		if err != nil {
			return err
		}
		streams = append(streams, s)
		if s.hasRows() {
			key, err := s.currentKey()
			if err != nil {
				return err
			}
			h = append(h, heapEntry{key: key, stream: s})
		}
	}
	heap.Init(&h)
	m.tInit = time.Since(tInit)

	tLoop := time.Now()
	defer func() { m.tLoop += time.Since(tLoop) }()

	var lastLog int64
	for h.Len() > 0 {
		entry := heap.Pop(&h).(heapEntry)
		s := entry.stream
		m.observeTS(entry.key.ts)

		// The row outlives this stream's batch, so its values are cloned.
		m.buffer = append(m.buffer, m.transformRow(s.currentRow(), s.remap, true))

		if err := s.advance(); err != nil {
			return err
		}
		if s.hasRows() {
			key, err := s.currentKey()
			if err != nil {
				return err
			}
			heap.Push(&h, heapEntry{key: key, stream: s})
		}

		if len(m.buffer) >= m.opts.OutputBufferSize {
			if m.shutdown() {
				return ErrShutdown
			}
			if err := m.flushBuffer(); err != nil {
				return err
			}
		}

		if m.rowsWritten-lastLog >= m.opts.LogInterval {
			m.logger.Info("merge progress", "rows_written", m.rowsWritten)
			lastLog = m.rowsWritten
		}
	}

	return m.flushBuffer()
}

// transformRow rebuilds a row in output leaf order, shifting column
// indexes past the seq slot and stamping the dense sequence value.
func (m *Merger) transformRow(row parquet.Row, remap []int, clone bool) parquet.Row {
	out := make(parquet.Row, len(m.out.leafNames))
	for _, v := range row {
		src := v.Column()
		dst := src
		if src >= 0 && src < len(remap) {
			dst = remap[src]
		}
		if clone {
			v = v.Clone()
		}
		out[dst] = v.Level(v.RepetitionLevel(), v.DefinitionLevel(), dst)
	}
	if m.out.seqLeaf >= 0 {
		out[m.out.seqLeaf] = parquet.Int64Value(m.appended).Level(0, 0, m.out.seqLeaf)
	}
	m.appended++
	return out
}

func (m *Merger) flushBuffer() error {
	if len(m.buffer) == 0 {
		return nil
	}
	if err := m.writeRows(m.buffer); err != nil {
		return err
	}
	m.buffer = m.buffer[:0]
	return nil
}

// writeRows writes one row-group-aligned batch: every write is followed by
// a Flush so row groups in the output line up with buffer flushes.
func (m *Merger) writeRows(rows []parquet.Row) error {
	t0 := time.Now()
	defer func() { m.tFlush += time.Since(t0) }()

	if _, err := m.writer.WriteRows(rows); err != nil {
		return fmt.Errorf("writing %d rows: %w", len(rows), err)
	}
	if err := m.writer.Flush(); err != nil {
		return fmt.Errorf("flushing row group: %w", err)
	}
	m.rowsWritten += int64(len(rows))
	return nil
}

func (m *Merger) observeTS(ts int64) {
	if !m.haveBounds {
		m.tsMin, m.tsMax = ts, ts
		m.haveBounds = true
		return
	}
	if ts < m.tsMin {
		m.tsMin = ts
	}
	if ts > m.tsMax {
		m.tsMax = ts
	}
}

// hierarchical merges consecutive chunks of MaxOpenFiles inputs into
// scratch intermediates without seq injection, then merges the
// intermediates into the final output. The scratch directory is removed on
// every path.
func (m *Merger) hierarchical() (Result, error) {
	scratch, err := os.MkdirTemp(m.opts.ScratchDir, "merge_intermediate_")
	if err != nil {
		return Result{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	chunkOpts := m.opts
	chunkOpts.AddSeqColumn = false

	var intermediates []string
	chunkIdx := 0
	for i := 0; i < len(m.inputs); i += m.opts.MaxOpenFiles {
		if m.shutdown() {
			return Result{}, ErrShutdown
		}
		end := i + m.opts.MaxOpenFiles
		if end > len(m.inputs) {
			end = len(m.inputs)
		}
		chunkOut := filepath.Join(scratch, fmt.Sprintf("chunk_%04d.parquet", chunkIdx))
		m.logger.Info("merging chunk", "chunk", chunkIdx, "from", i, "to", end-1)

		sub := New(m.inputs[i:end], chunkOut, chunkOpts, m.logger)
		if _, err := sub.Merge(); err != nil {
			return Result{}, fmt.Errorf("merging chunk %d: %w", chunkIdx, err)
		}
		intermediates = append(intermediates, chunkOut)
		chunkIdx++
	}

	m.logger.Info("all chunks merged", "intermediates", len(intermediates))
	final := New(intermediates, m.output, m.opts, m.logger)
	return final.Merge()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isEncodingConflict matches both our sentinel and reader errors phrased
// the way columnar libraries report dictionary clashes.
func isEncodingConflict(err error) bool {
	if errors.Is(err, ErrEncodingConflict) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "more than one dictionary")
}
