// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package partition defines the partition key tuple and the object-store
// key layout derived from it. Every component addresses raw files, compact
// artifacts and locks through these helpers so the layout lives in one
// place.
package partition

import (
	"fmt"
	"strings"
)

// Partition identifies one (exchange, stream, symbol, date) tuple. Date is
// an opaque YYYYMMDD string in UTC.
type Partition struct {
	Exchange string
	Stream   string
	Symbol   string
	Date     string
}

// Key returns the canonical string form "exchange/stream/symbol/date" used
// as the journal map key.
func (p Partition) Key() string {
	return p.Exchange + "/" + p.Stream + "/" + p.Symbol + "/" + p.Date
}

// String returns the canonical key form.
func (p Partition) String() string { return p.Key() }

// RawPrefix returns the hive-style prefix of the partition's raw files,
// with trailing slash.
func (p Partition) RawPrefix() string {
	return fmt.Sprintf("exchange=%s/stream=%s/symbol=%s/date=%s/", p.Exchange, p.Stream, p.Symbol, p.Date)
}

// DataKey returns the compact data file key.
func (p Partition) DataKey() string { return p.RawPrefix() + "data.parquet" }

// MetaKey returns the metadata sidecar key.
func (p Partition) MetaKey() string { return p.RawPrefix() + "meta.json" }

// QualityKey returns the quality sidecar key.
func (p Partition) QualityKey() string { return p.RawPrefix() + "quality_day.json" }

// LockKey returns the per-partition lock object key.
func (p Partition) LockKey() string {
	return fmt.Sprintf("compacted/locks/%s/%s/%s/%s.lock", p.Exchange, p.Stream, p.Symbol, p.Date)
}

// ParseKey parses the canonical "exchange/stream/symbol/date" form.
func ParseKey(key string) (Partition, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return Partition{}, fmt.Errorf("partition: malformed key %q", key)
	}
	for _, part := range parts {
		if part == "" {
			return Partition{}, fmt.Errorf("partition: malformed key %q", key)
		}
	}
	return Partition{Exchange: parts[0], Stream: parts[1], Symbol: parts[2], Date: parts[3]}, nil
}

// IsDate reports whether s is a well-formed YYYYMMDD date value.
func IsDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
