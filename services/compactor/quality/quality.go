// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package quality classifies ingester quality windows and aggregates them
// into a per-day verdict that gates compaction.
//
// The ingester writes one JSON report per 15-minute window (96 per day)
// under quality/date=<D>/. Each window is classified GOOD, DEGRADED or BAD
// from its signal bag; the day-level verdict decides whether a partition is
// compacted, quarantined (BAD) or deferred (PARTIAL).
package quality

import (
	"fmt"
)

// Quality levels for windows and days.
const (
	QualityGood     = "GOOD"
	QualityDegraded = "DEGRADED"
	QualityBad      = "BAD"
	QualityPartial  = "PARTIAL"
	QualityUnknown  = "UNKNOWN"
)

// PostFilterVersion identifies the classification rule set. It is stamped
// into every day report and every journal entry.
const PostFilterVersion = "1.0.0"

// ExpectedWindowsPerDay is the nominal window count for a complete day.
const ExpectedWindowsPerDay = 96

// minCompleteWindows is the non-partial window count below which a day with
// any partial window is declared PARTIAL.
const minCompleteWindows = 80

// WindowReport is the ingester's per-window quality document.
type WindowReport struct {
	WindowStart string  `json:"window_start"`
	Quality     string  `json:"quality"`
	IsPartial   bool    `json:"is_partial"`
	Signals     Signals `json:"signals"`
}

// Signals is the per-window signal bag. Numeric fields are float64 because
// the ingester emits both integers and fractional seconds.
type Signals struct {
	DroppedEvents            float64                   `json:"dropped_events"`
	QueuePctPeak             float64                   `json:"queue_pct_peak"`
	Reconnects               float64                   `json:"reconnects"`
	DrainModeAccelSeconds    float64                   `json:"drain_mode_accelerated_seconds"`
	OfflineSecondsByExchange map[string]float64  `json:"offline_seconds_by_exchange"`
	EPSByExchange            map[string]EPSStats `json:"eps_by_exchange"`
}

// EPSStats carries per-exchange events-per-second statistics.
type EPSStats struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

// WindowAssessment is the post-filter result for one window.
type WindowAssessment struct {
	WindowStart     string   `json:"window_start"`
	OriginalQuality string   `json:"original_quality"`
	PostQuality     string   `json:"post_quality"`
	IsPartial       bool     `json:"is_partial"`
	Reasons         []string `json:"reasons"`
	BinanceOffline  float64  `json:"binance_offline"`
	DroppedEvents   float64  `json:"dropped_events"`
}

// DayStats aggregates window counters for the day report.
type DayStats struct {
	TotalWindows        int     `json:"total_windows"`
	Good                int     `json:"good"`
	Degraded            int     `json:"degraded"`
	Bad                 int     `json:"bad"`
	Partial             int     `json:"partial"`
	TotalDrops          float64 `json:"total_drops"`
	BinanceOfflineTotal float64 `json:"binance_offline_total"`
}

// DayReport is the aggregated day verdict. Serialized as-is, it is the
// quality sidecar published next to the compact data file.
type DayReport struct {
	DayQuality string             `json:"day_quality"`
	Version    string             `json:"version"`
	Stats      DayStats           `json:"stats"`
	Windows    []WindowAssessment `json:"windows"`
}

// AssessWindow classifies a single window.
//
// Rules, applied in order:
//  1. hard BAD: dropped_events > 0, queue_pct_peak >= 90, or binance
//     offline > 600s
//  2. DEGRADED: max offline > 180s, accelerated drain > 180s, or
//     reconnects >= 5
//  3. otherwise GOOD
//
// A BAD window with dropped_events == 0, max offline < 300s and queue peak
// < 90 is downgraded to DEGRADED. A DEGRADED window with a fully healthy
// binance feed (offline 0, no drops, queue peak < 50, eps min > 100) is
// overridden to GOOD.
func AssessWindow(window WindowReport) WindowAssessment {
	signals := window.Signals

	binanceOffline := signals.OfflineSecondsByExchange["binance"]
	maxOffline := 0.0
	for _, v := range signals.OfflineSecondsByExchange {
		if v > maxOffline {
			maxOffline = v
		}
	}

	var binanceEPSMin *float64
	if eps, ok := signals.EPSByExchange["binance"]; ok {
		binanceEPSMin = eps.Min
	}

	var reasons []string
	post := QualityGood

	hardBad := false
	if signals.DroppedEvents > 0 {
		hardBad = true
		reasons = append(reasons, fmt.Sprintf("dropped_events=%g", signals.DroppedEvents))
	}
	if signals.QueuePctPeak >= 90 {
		hardBad = true
		reasons = append(reasons, fmt.Sprintf("queue_pct_peak=%g", signals.QueuePctPeak))
	}
	if binanceOffline > 600 {
		hardBad = true
		reasons = append(reasons, fmt.Sprintf("binance_offline=%g", binanceOffline))
	}

	if hardBad {
		post = QualityBad
	} else {
		degraded := false
		if maxOffline > 180 {
			degraded = true
			reasons = append(reasons, fmt.Sprintf("max_offline=%g", maxOffline))
		}
		if signals.DrainModeAccelSeconds > 180 {
			degraded = true
			reasons = append(reasons, fmt.Sprintf("drain_mode_acc=%g", signals.DrainModeAccelSeconds))
		}
		if signals.Reconnects >= 5 {
			degraded = true
			reasons = append(reasons, fmt.Sprintf("reconnects=%g", signals.Reconnects))
		}
		if degraded {
			post = QualityDegraded
		}
	}

	// maxOffline includes binance, so a binance_offline > 600 BAD always
	// fails the maxOffline < 300 guard and is never downgraded.
	if post == QualityBad {
		if signals.DroppedEvents == 0 && maxOffline < 300 && signals.QueuePctPeak < 90 {
			post = QualityDegraded
			reasons = append(reasons, "Downgraded from BAD to DEGRADED (Safe checks)")
		}
	}

	if post == QualityDegraded {
		if binanceOffline == 0 && signals.DroppedEvents == 0 && signals.QueuePctPeak < 50 {
			if binanceEPSMin != nil && *binanceEPSMin > 100 {
				post = QualityGood
				reasons = append(reasons, "Override: Binance Healthy -> GOOD")
			}
		}
	}

	original := window.Quality
	if original == "" {
		original = QualityUnknown
	}

	return WindowAssessment{
		WindowStart:     window.WindowStart,
		OriginalQuality: original,
		PostQuality:     post,
		IsPartial:       window.IsPartial,
		Reasons:         reasons,
		BinanceOffline:  binanceOffline,
		DroppedEvents:   signals.DroppedEvents,
	}
}

// AggregateDay rolls window assessments into the day verdict.
//
// Partial windows are excluded from the BAD/DEGRADED/GOOD counters but
// still contribute to the drop and offline totals. A day with any partial
// window and fewer than 80 complete windows is PARTIAL regardless of the
// other rules.
func AggregateDay(windows []WindowAssessment) DayReport {
	stats := DayStats{TotalWindows: len(windows)}

	for _, w := range windows {
		stats.TotalDrops += w.DroppedEvents
		stats.BinanceOfflineTotal += w.BinanceOffline
		if w.IsPartial {
			stats.Partial++
			continue
		}
		switch w.PostQuality {
		case QualityBad:
			stats.Bad++
		case QualityDegraded:
			stats.Degraded++
		case QualityGood:
			stats.Good++
		}
	}

	active := stats.TotalWindows - stats.Partial

	day := QualityGood
	switch {
	case stats.Bad >= 3 || stats.TotalDrops > 100000 || stats.BinanceOfflineTotal > 3600:
		day = QualityBad
	case (stats.Bad >= 1 && stats.Bad <= 2) || stats.Degraded >= 10 || stats.BinanceOfflineTotal > 900:
		day = QualityDegraded
	}

	if stats.Partial > 0 && active < minCompleteWindows {
		day = QualityPartial
	}

	if windows == nil {
		windows = []WindowAssessment{}
	}
	return DayReport{
		DayQuality: day,
		Version:    PostFilterVersion,
		Stats:      stats,
		Windows:    windows,
	}
}
