// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
)

func floatPtr(f float64) *float64 { return &f }

func TestAssessWindow(t *testing.T) {
	tests := []struct {
		name    string
		window  WindowReport
		want    string
	}{
		{
			name:   "clean window is GOOD",
			window: WindowReport{Signals: Signals{}},
			want:   QualityGood,
		},
		{
			name: "dropped events is hard BAD",
			window: WindowReport{Signals: Signals{
				DroppedEvents: 12,
				OfflineSecondsByExchange: map[string]float64{"binance": 400},
			}},
			want: QualityBad,
		},
		{
			name: "queue peak 90 is hard BAD",
			window: WindowReport{Signals: Signals{QueuePctPeak: 90}},
			want:   QualityBad,
		},
		{
			name: "binance offline over 600 is hard BAD without downgrade",
			// binance_offline > 600 trips hard BAD; binance also counts
			// toward max_offline, so max_offline stays high and no
			// downgrade fires.
			window: WindowReport{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"binance": 700},
			}},
			want: QualityBad,
		},
		{
			name: "reconnect storm is DEGRADED",
			window: WindowReport{Signals: Signals{Reconnects: 5}},
			want:   QualityDegraded,
		},
		{
			name: "other exchange offline is DEGRADED",
			window: WindowReport{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"kraken": 200},
			}},
			want: QualityDegraded,
		},
		{
			name: "drain acceleration is DEGRADED",
			window: WindowReport{Signals: Signals{DrainModeAccelSeconds: 181}},
			want:   QualityDegraded,
		},
		{
			name: "degraded by other exchange overridden to GOOD when binance healthy",
			window: WindowReport{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"kraken": 200, "binance": 0},
				QueuePctPeak:             10,
				EPSByExchange:            map[string]EPSStats{"binance": {Min: floatPtr(150)}},
			}},
			want: QualityGood,
		},
		{
			name: "override needs eps evidence",
			window: WindowReport{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"kraken": 200, "binance": 0},
				QueuePctPeak:             10,
			}},
			want: QualityDegraded,
		},
		{
			name: "queue peak 89 with no drops downgrades nothing",
			window: WindowReport{Signals: Signals{QueuePctPeak: 89, Reconnects: 6}},
			want:   QualityDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssessWindow(tt.window)
			assert.Equal(t, tt.want, got.PostQuality)
		})
	}
}

func TestAssessWindow_BadDowngradeGuards(t *testing.T) {
	// Every hard-BAD trigger also violates one of the downgrade guards
	// (drops > 0, queue >= 90, or binance offline forcing max >= 600), so
	// a BAD verdict must survive each trigger.
	for name, signals := range map[string]Signals{
		"drops":          {DroppedEvents: 1},
		"queue":          {QueuePctPeak: 95},
		"binanceOffline": {OfflineSecondsByExchange: map[string]float64{"binance": 700}},
	} {
		t.Run(name, func(t *testing.T) {
			w := AssessWindow(WindowReport{Signals: signals})
			assert.Equal(t, QualityBad, w.PostQuality)
		})
	}
}

func TestAggregateDay(t *testing.T) {
	mk := func(q string, partial bool, drops, binanceOffline float64) WindowAssessment {
		return WindowAssessment{PostQuality: q, IsPartial: partial, DroppedEvents: drops, BinanceOffline: binanceOffline}
	}

	t.Run("empty day is GOOD", func(t *testing.T) {
		report := AggregateDay(nil)
		assert.Equal(t, QualityGood, report.DayQuality)
		assert.Equal(t, PostFilterVersion, report.Version)
	})

	t.Run("three bad windows make a BAD day", func(t *testing.T) {
		windows := make([]WindowAssessment, 0, 96)
		for i := 0; i < 3; i++ {
			windows = append(windows, mk(QualityBad, false, 0, 0))
		}
		for i := 3; i < 96; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityBad, AggregateDay(windows).DayQuality)
	})

	t.Run("one bad window makes a DEGRADED day", func(t *testing.T) {
		windows := []WindowAssessment{mk(QualityBad, false, 0, 0)}
		for i := 1; i < 96; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityDegraded, AggregateDay(windows).DayQuality)
	})

	t.Run("total drops over 100000 make a BAD day", func(t *testing.T) {
		windows := []WindowAssessment{mk(QualityGood, false, 100001, 0)}
		for i := 1; i < 96; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityBad, AggregateDay(windows).DayQuality)
	})

	t.Run("binance offline over 900 makes a DEGRADED day", func(t *testing.T) {
		windows := []WindowAssessment{mk(QualityGood, false, 0, 901)}
		for i := 1; i < 96; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityDegraded, AggregateDay(windows).DayQuality)
	})

	t.Run("partial windows with under 80 complete force PARTIAL", func(t *testing.T) {
		windows := []WindowAssessment{mk(QualityGood, true, 0, 0)}
		for i := 0; i < 79; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityPartial, AggregateDay(windows).DayQuality)
	})

	t.Run("partial windows with 80 complete do not force PARTIAL", func(t *testing.T) {
		windows := []WindowAssessment{mk(QualityGood, true, 0, 0)}
		for i := 0; i < 80; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityGood, AggregateDay(windows).DayQuality)
	})

	t.Run("ten degraded windows make a DEGRADED day", func(t *testing.T) {
		var windows []WindowAssessment
		for i := 0; i < 10; i++ {
			windows = append(windows, mk(QualityDegraded, false, 0, 0))
		}
		for i := 10; i < 96; i++ {
			windows = append(windows, mk(QualityGood, false, 0, 0))
		}
		assert.Equal(t, QualityDegraded, AggregateDay(windows).DayQuality)
	})
}

func TestEvaluator_EvaluateDay(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()

	put := func(i int, w WindowReport) {
		body, err := json.Marshal(w)
		require.NoError(t, err)
		key := fmt.Sprintf("quality/date=20250101/window_%02d.json", i)
		require.NoError(t, store.Put(ctx, key, body, "application/json"))
	}

	for i := 0; i < 96; i++ {
		put(i, WindowReport{WindowStart: fmt.Sprintf("w%02d", i), Quality: "GOOD"})
	}
	// One window that refuses to parse.
	require.NoError(t, store.Put(ctx, "quality/date=20250101/broken.json", []byte("{nope"), "application/json"))
	// A non-JSON object that must be ignored.
	require.NoError(t, store.Put(ctx, "quality/date=20250101/readme.txt", []byte("x"), "text/plain"))

	eval := NewEvaluator(store, logging.Discard())
	report, err := eval.EvaluateDay(ctx, "20250101")
	require.NoError(t, err)
	assert.Equal(t, QualityGood, report.DayQuality)
	assert.Equal(t, 96, report.Stats.TotalWindows)
	assert.Equal(t, 96, report.Stats.Good)
}

func TestEvaluator_EvaluateDay_BadDay(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()
	for i := 0; i < 5; i++ {
		body, err := json.Marshal(WindowReport{Signals: Signals{DroppedEvents: 1}})
		require.NoError(t, err)
		key := fmt.Sprintf("quality/date=20250101/w%d.json", i)
		require.NoError(t, store.Put(ctx, key, body, "application/json"))
	}

	eval := NewEvaluator(store, logging.Discard())
	report, err := eval.EvaluateDay(ctx, "20250101")
	require.NoError(t, err)
	assert.Equal(t, QualityBad, report.DayQuality)
	assert.Equal(t, 5, report.Stats.Bad)
}
