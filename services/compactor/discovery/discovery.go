// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package discovery enumerates raw-store contents without reading objects.
//
// The raw bucket is laid out hive-style as
// exchange=X/stream=Y/symbol=Z/date=D/<files>. Walking it with delimiter
// listings touches only common prefixes, so discovering every date across
// thousands of partitions costs a handful of LIST calls instead of a full
// bucket scan.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
)

// Discovery walks the raw store's partition hierarchy.
type Discovery struct {
	raw objstore.Store
}

// New binds Discovery to the raw store.
func New(raw objstore.Store) *Discovery {
	return &Discovery{raw: raw}
}

// DiscoverDates returns every well-formed YYYYMMDD date value present in
// the raw store, sorted ascending.
func (d *Discovery) DiscoverDates(ctx context.Context) ([]string, error) {
	dates := make(map[string]struct{})

	err := d.walkSymbols(ctx, func(symbolPrefix string) error {
		datePrefixes, err := d.raw.ListPrefixes(ctx, symbolPrefix+"date=")
		if err != nil {
			return err
		}
		for _, dp := range datePrefixes {
			date := valueOf(dp)
			if partition.IsDate(date) {
				dates[date] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(dates))
	for date := range dates {
		out = append(out, date)
	}
	sort.Strings(out)
	return out, nil
}

// DiscoverPartitionsForDate returns every partition whose date=<D>/ prefix
// holds at least one object, sorted by canonical key.
func (d *Discovery) DiscoverPartitionsForDate(ctx context.Context, date string) ([]partition.Partition, error) {
	var partitions []partition.Partition

	err := d.walkSymbols(ctx, func(symbolPrefix string) error {
		ok, err := d.raw.HasAny(ctx, fmt.Sprintf("%sdate=%s/", symbolPrefix, date))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p, err := parseSymbolPrefix(symbolPrefix)
		if err != nil {
			return nil // malformed prefix, not our data
		}
		p.Date = date
		partitions = append(partitions, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(partitions, func(i, j int) bool { return partitions[i].Key() < partitions[j].Key() })
	return partitions, nil
}

// walkSymbols visits every exchange=.../stream=.../symbol=.../ prefix.
func (d *Discovery) walkSymbols(ctx context.Context, visit func(symbolPrefix string) error) error {
	exchanges, err := d.raw.ListPrefixes(ctx, "exchange=")
	if err != nil {
		return fmt.Errorf("listing exchanges: %w", err)
	}
	for _, ex := range exchanges {
		streams, err := d.raw.ListPrefixes(ctx, ex+"stream=")
		if err != nil {
			return fmt.Errorf("listing streams under %s: %w", ex, err)
		}
		for _, st := range streams {
			symbols, err := d.raw.ListPrefixes(ctx, st+"symbol=")
			if err != nil {
				return fmt.Errorf("listing symbols under %s: %w", st, err)
			}
			for _, sy := range symbols {
				if err := visit(sy); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// valueOf extracts the value from a trailing "key=value/" path segment.
func valueOf(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	idx := strings.LastIndex(trimmed, "=")
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}

// parseSymbolPrefix decodes "exchange=X/stream=Y/symbol=Z/" into a
// partition with an empty date.
func parseSymbolPrefix(prefix string) (partition.Partition, error) {
	parts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	if len(parts) != 3 {
		return partition.Partition{}, fmt.Errorf("discovery: malformed symbol prefix %q", prefix)
	}
	var p partition.Partition
	for i, want := range []string{"exchange=", "stream=", "symbol="} {
		if !strings.HasPrefix(parts[i], want) {
			return partition.Partition{}, fmt.Errorf("discovery: malformed symbol prefix %q", prefix)
		}
		value := parts[i][len(want):]
		switch i {
		case 0:
			p.Exchange = value
		case 1:
			p.Stream = value
		case 2:
			p.Symbol = value
		}
	}
	return p, nil
}
