// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package merge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// parquetMagic is the 4-byte trailer every intact parquet file ends with.
var parquetMagic = []byte("PAR1")

// VerifyOutput re-opens a just-written output file, stream-counts its rows
// against the expected count, and checks the trailing magic. It runs
// before upload so a corrupt local write never reaches the store.
func VerifyOutput(path string, expectedRows int64, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("verify: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("verify: stat %s: %w", path, err)
	}

	pfile, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return fmt.Errorf("verify: %s is not readable: %w", path, err)
	}

	var actual int64
	batch := make([]parquet.Row, batchSize)
	for _, rg := range pfile.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(batch)
			actual += int64(n)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				rows.Close()
				return fmt.Errorf("verify: reading %s: %w", path, err)
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("verify: closing row group of %s: %w", path, err)
		}
	}

	if actual != expectedRows {
		return fmt.Errorf("verify: row count mismatch in %s: expected %d, got %d", path, expectedRows, actual)
	}

	trailer := make([]byte, len(parquetMagic))
	if _, err := f.ReadAt(trailer, info.Size()-int64(len(parquetMagic))); err != nil {
		return fmt.Errorf("verify: reading trailer of %s: %w", path, err)
	}
	if !bytes.Equal(trailer, parquetMagic) {
		return fmt.Errorf("verify: invalid parquet trailer magic in %s", path)
	}
	return nil
}
