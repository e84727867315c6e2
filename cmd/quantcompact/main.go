// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// quantcompact compacts per-partition market-data parquet files into one
// deterministically ordered daily file per (exchange, stream, symbol,
// date), with quality gating, distributed locking and crash-consistent
// publication.
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/quantcompact/services/compactor/runner"
)

func main() {
	if err := Execute(); err != nil {
		if errors.Is(err, runner.ErrPartitionsFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
