// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner selects which dates are due for compaction.
//
// Two policies operate over the set of raw dates and the journal: forward
// catch-up from the last fully compacted date, and reverse backfill over
// everything not yet terminal. Both exclude today unconditionally - an
// open day's raw files are still being written.
package planner

import (
	"sort"
	"strings"

	"github.com/AleutianAI/quantcompact/services/compactor/state"
)

// Planner computes work plans from discovered raw dates and a journal
// snapshot. Today is injected by the runner as an opaque YYYYMMDD string.
type Planner struct {
	rawDates []string
	doc      state.Document
	today    string
}

// New copies and sorts rawDates; the journal document is a point-in-time
// snapshot.
func New(rawDates []string, doc state.Document, today string) *Planner {
	sorted := append([]string(nil), rawDates...)
	sort.Strings(sorted)
	return &Planner{rawDates: sorted, doc: doc, today: today}
}

// CatchUp returns the dates strictly between last_compacted_date and today
// that exist in the raw store, ascending. An unset watermark returns nil;
// the runner elects the fresh-start behavior itself.
func (p *Planner) CatchUp() []string {
	last := p.doc.LastCompactedDate
	if last == "" {
		return nil
	}
	var plan []string
	for _, d := range p.rawDates {
		if d >= p.today {
			continue
		}
		if d > last {
			plan = append(plan, d)
		}
	}
	return plan
}

// Reverse returns the pending dates before today, newest first. A date is
// pending unless it is completed.
func (p *Planner) Reverse() []string {
	completed := p.CompletedDates()
	var plan []string
	for i := len(p.rawDates) - 1; i >= 0; i-- {
		d := p.rawDates[i]
		if d >= p.today {
			continue
		}
		if _, ok := completed[d]; !ok {
			plan = append(plan, d)
		}
	}
	return plan
}

// CompletedDates returns the dates considered done: a terminal day-level
// status, or a non-empty partition set whose every known status is
// terminal.
func (p *Planner) CompletedDates() map[string]struct{} {
	completed := make(map[string]struct{})
	for date, entry := range p.doc.Days {
		if state.IsTerminal(entry.Status) {
			completed[date] = struct{}{}
		}
	}

	byDate := make(map[string][]string)
	for key, entry := range p.doc.Partitions {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		date := key[idx+1:]
		if _, ok := completed[date]; ok {
			continue
		}
		byDate[date] = append(byDate[date], entry.Status)
	}
	for date, statuses := range byDate {
		allTerminal := true
		for _, s := range statuses {
			if !state.IsTerminal(s) {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			completed[date] = struct{}{}
		}
	}
	return completed
}
