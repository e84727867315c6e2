// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/quantcompact/services/compactor/state"
)

func TestCatchUp(t *testing.T) {
	raw := []string{"20250103", "20250101", "20250102", "20250104", "20250105"}

	t.Run("forward window excludes watermark and today", func(t *testing.T) {
		p := New(raw, state.Document{LastCompactedDate: "20250102"}, "20250105")
		assert.Equal(t, []string{"20250103", "20250104"}, p.CatchUp())
	})

	t.Run("unset watermark returns nil", func(t *testing.T) {
		p := New(raw, state.Document{}, "20250105")
		assert.Nil(t, p.CatchUp())
	})

	t.Run("caught up returns nil", func(t *testing.T) {
		p := New(raw, state.Document{LastCompactedDate: "20250104"}, "20250105")
		assert.Nil(t, p.CatchUp())
	})

	t.Run("raw dates beyond today are ignored", func(t *testing.T) {
		p := New(raw, state.Document{LastCompactedDate: "20250101"}, "20250104")
		assert.Equal(t, []string{"20250102", "20250103"}, p.CatchUp())
	})
}

func TestReverse(t *testing.T) {
	raw := []string{"20250101", "20250102", "20250103"}

	t.Run("all pending, newest first", func(t *testing.T) {
		p := New(raw, state.Document{}, "20250104")
		assert.Equal(t, []string{"20250103", "20250102", "20250101"}, p.Reverse())
	})

	t.Run("day-level terminal status completes a date", func(t *testing.T) {
		doc := state.Document{Days: map[string]state.DayEntry{
			"20250102": {Status: state.StatusSuccess},
		}}
		p := New(raw, doc, "20250104")
		assert.Equal(t, []string{"20250103", "20250101"}, p.Reverse())
	})

	t.Run("all partitions terminal completes a date", func(t *testing.T) {
		doc := state.Document{Partitions: map[string]state.PartitionEntry{
			"binance/trade/BTCUSDT/20250103": {Status: state.StatusSuccess},
			"binance/trade/ETHUSDT/20250103": {Status: state.StatusQuarantine},
		}}
		p := New(raw, doc, "20250104")
		assert.Equal(t, []string{"20250102", "20250101"}, p.Reverse())
	})

	t.Run("one in-progress partition keeps a date pending", func(t *testing.T) {
		doc := state.Document{Partitions: map[string]state.PartitionEntry{
			"binance/trade/BTCUSDT/20250103": {Status: state.StatusSuccess},
			"binance/trade/ETHUSDT/20250103": {Status: state.StatusInProgress},
		}}
		p := New(raw, doc, "20250104")
		assert.Equal(t, []string{"20250103", "20250102", "20250101"}, p.Reverse())
	})

	t.Run("backfill stops at the wall", func(t *testing.T) {
		doc := state.Document{Days: map[string]state.DayEntry{
			"20250101": {Status: state.StatusSuccess},
			"20250102": {Status: state.StatusSuccess},
			"20250103": {Status: state.StatusSuccess},
		}}
		p := New(raw, doc, "20250104")
		assert.Empty(t, p.Reverse())
	})

	t.Run("today is excluded even when pending", func(t *testing.T) {
		p := New(raw, state.Document{}, "20250103")
		assert.Equal(t, []string{"20250102", "20250101"}, p.Reverse())
	})
}
