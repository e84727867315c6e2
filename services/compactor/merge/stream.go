// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package merge

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// inputFile is an opened parquet input. The os handle stays open for the
// whole merge so row groups can be read lazily.
type inputFile struct {
	path   string
	osFile *os.File
	pfile  *parquet.File
	tsLeaf int
}

// openInput opens and indexes one input file.
func openInput(path string) (*inputFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	pfile, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &inputFile{
		path:   path,
		osFile: f,
		pfile:  pfile,
		tsLeaf: leafIndex(pfile.Schema(), TsEventColumn),
	}, nil
}

func (in *inputFile) close() {
	if in.osFile != nil {
		in.osFile.Close()
		in.osFile = nil
	}
}

// fileStream reads one input batch at a time for the k-way merge. It holds
// exactly one decoded batch plus the current intra-batch position, keeping
// merger memory bounded by batch size regardless of file size.
type fileStream struct {
	fileIdx int
	in      *inputFile
	remap   []int

	rowGroups []parquet.RowGroup
	rgIdx     int
	rows      parquet.Rows

	batch     []parquet.Row
	batchLen  int
	batchIdx  int
	exhausted bool

	// globalRowIdx numbers rows within this file; it is the third
	// component of the deterministic sort key.
	globalRowIdx int64
}

// newFileStream positions the stream on the first row.
func newFileStream(fileIdx int, in *inputFile, batchSize int, remap []int) (*fileStream, error) {
	s := &fileStream{
		fileIdx:   fileIdx,
		in:        in,
		remap:     remap,
		rowGroups: in.pfile.RowGroups(),
		batch:     make([]parquet.Row, batchSize),
	}
	if err := s.loadNextBatch(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// loadNextBatch advances to the next non-empty batch, crossing row-group
// boundaries as needed.
func (s *fileStream) loadNextBatch() error {
	for {
		if s.rows == nil {
			if s.rgIdx >= len(s.rowGroups) {
				s.exhausted = true
				s.batchLen = 0
				return nil
			}
			s.rows = s.rowGroups[s.rgIdx].Rows()
			s.rgIdx++
		}

		n, err := s.rows.ReadRows(s.batch)
		if n > 0 {
			s.batchLen = n
			s.batchIdx = 0
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading batch from %s: %w", s.in.path, err)
		}
		if cerr := s.rows.Close(); cerr != nil {
			return fmt.Errorf("closing row group of %s: %w", s.in.path, cerr)
		}
		s.rows = nil
	}
}

// hasRows reports whether the stream still has unread rows.
func (s *fileStream) hasRows() bool { return !s.exhausted }

// currentRow returns the current row. Values are only valid until the next
// loadNextBatch; callers that buffer rows must clone values.
func (s *fileStream) currentRow() parquet.Row { return s.batch[s.batchIdx] }

// currentKey returns the deterministic sort key of the current row:
// (ts_event, file_idx, in-file row index). ts_event must be a non-null
// int64.
func (s *fileStream) currentKey() (mergeKey, error) {
	row := s.currentRow()
	if s.in.tsLeaf < 0 || s.in.tsLeaf >= len(row) {
		return mergeKey{}, fmt.Errorf("%s: row has no %s column", s.in.path, TsEventColumn)
	}
	v := row[s.in.tsLeaf]
	if v.IsNull() {
		return mergeKey{}, fmt.Errorf("%s: null %s at row %d", s.in.path, TsEventColumn, s.globalRowIdx)
	}
	return mergeKey{ts: v.Int64(), fileIdx: s.fileIdx, rowIdx: s.globalRowIdx}, nil
}

// advance moves to the next row, loading the next batch lazily.
func (s *fileStream) advance() error {
	s.batchIdx++
	s.globalRowIdx++
	if s.batchIdx >= s.batchLen {
		return s.loadNextBatch()
	}
	return nil
}

func (s *fileStream) close() {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
}

// mergeKey orders rows totally: ts_event ascending, ties broken by file
// index then in-file row index, which makes the merge deterministic for
// any input set.
type mergeKey struct {
	ts      int64
	fileIdx int
	rowIdx  int64
}

func (k mergeKey) less(other mergeKey) bool {
	if k.ts != other.ts {
		return k.ts < other.ts
	}
	if k.fileIdx != other.fileIdx {
		return k.fileIdx < other.fileIdx
	}
	return k.rowIdx < other.rowIdx
}

// streamHeap is the k-way merge frontier, a min-heap over current-row
// keys. It implements container/heap.Interface.
type streamHeap []heapEntry

type heapEntry struct {
	key    mergeKey
	stream *fileStream
}

func (h streamHeap) Len() int            { return len(h) }
func (h streamHeap) Less(i, j int) bool  { return h[i].key.less(h[j].key) }
func (h streamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
