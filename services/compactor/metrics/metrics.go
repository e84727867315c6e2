// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes the compactor's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the compactor's counters and histograms. One instance is
// shared by every worker in a process.
type Metrics struct {
	PartitionsTotal  *prometheus.CounterVec
	RowsWritten      prometheus.Counter
	BytesDownloaded  prometheus.Counter
	MergeDuration    prometheus.Histogram
	JournalLockWaits prometheus.Counter
	StaleLocksReaped prometheus.Counter
}

// New registers the metric set with reg. Pass prometheus.NewRegistry() in
// tests to avoid default-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PartitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantcompact",
			Name:      "partitions_total",
			Help:      "Partitions processed, by terminal status.",
		}, []string{"status"}),
		RowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantcompact",
			Name:      "rows_written_total",
			Help:      "Rows written to compact output files.",
		}),
		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantcompact",
			Name:      "bytes_downloaded_total",
			Help:      "Raw bytes downloaded from the raw store.",
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantcompact",
			Name:      "merge_duration_seconds",
			Help:      "Wall time of the streaming merge per partition.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		JournalLockWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantcompact",
			Name:      "journal_lock_timeouts_total",
			Help:      "Journal mutations that fell back to an unlocked write.",
		}),
		StaleLocksReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantcompact",
			Name:      "stale_locks_reaped_total",
			Help:      "Partition locks removed by stale-lock cleanup.",
		}),
	}
}

// NewNop returns a metric set bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
