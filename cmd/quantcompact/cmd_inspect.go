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

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/cobra"
)

// runInspect prints the row count and flat schema of a local parquet
// file. It is the second half of the reproducer command the worker stores
// with quarantined partitions.
func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	pfile, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return fmt.Errorf("inspect: %s is not a readable parquet file: %w", path, err)
	}

	fmt.Printf("file:       %s\n", path)
	fmt.Printf("size:       %d bytes\n", info.Size())
	fmt.Printf("rows:       %d\n", pfile.NumRows())
	fmt.Printf("row_groups: %d\n", len(pfile.RowGroups()))
	fmt.Println("columns:")
	for _, field := range pfile.Schema().Fields() {
		optional := ""
		if field.Optional() {
			optional = " (optional)"
		}
		if field.Leaf() {
			fmt.Printf("  %-20s %s%s\n", field.Name(), field.Type(), optional)
		} else {
			fmt.Printf("  %-20s group%s\n", field.Name(), optional)
		}
	}
	return nil
}
