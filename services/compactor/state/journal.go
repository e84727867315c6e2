// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state maintains the compaction state journal and the distributed
// locks in the compact store.
//
// The journal is a single JSON document recording per-day and per-partition
// status history. Every mutation is a read-modify-write serialized by a
// best-effort lock object next to the document; if the lock cannot be
// acquired within the deadline the write proceeds unlocked, because a
// rarely lost journal entry only delays convergence - the artifact-healing
// path in the worker rediscovers successful partitions from the store
// itself. The journal is a cache, not the source of truth.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
)

// StateKey is the journal document's key in the compact store.
const StateKey = "compacted/_state.json"

// LocksPrefix is where per-partition lock objects live.
const LocksPrefix = "compacted/locks/"

// Partition and day statuses recorded in the journal.
const (
	StatusSuccess        = "success"
	StatusQuarantine     = "quarantine"
	StatusSkipped        = "skipped"
	StatusInProgress     = "in_progress"
	StatusStalled        = "stalled"
	StatusAborted        = "aborted"
	StatusNoFiles        = "no_files"
	StatusLocked         = "locked"
	StatusDownloadFailed = "download_failed"
)

// Defaults for the document-lock protocol and stale-lock reaping.
const (
	docLockWait     = 30 * time.Second
	docLockTTL      = 120 * time.Second
	docLockSpin     = 200 * time.Millisecond
	staleLockMaxAge = 2 * time.Hour
)

// DayEntry is the journal's per-day record.
type DayEntry struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// PartitionEntry is the journal's per-partition record. Diagnostic fields
// are persisted only when set, to keep the document small.
type PartitionEntry struct {
	Status            string `json:"status"`
	DayQualityPost    string `json:"day_quality_post,omitempty"`
	PostFilterVersion string `json:"post_filter_version,omitempty"`
	Rows              int64  `json:"rows"`
	TotalSizeBytes    int64  `json:"total_size_bytes"`
	UpdatedAt         string `json:"updated_at"`
	ErrorType         string `json:"error_type,omitempty"`
	FailingKey        string `json:"failing_key,omitempty"`
	Error             string `json:"error,omitempty"`
	ReproducerCmd     string `json:"reproducer_cmd,omitempty"`
}

// Document is the full journal document.
type Document struct {
	LastCompactedDate string                    `json:"last_compacted_date,omitempty"`
	UpdatedAt         string                    `json:"updated_at,omitempty"`
	Days              map[string]DayEntry       `json:"days,omitempty"`
	Partitions        map[string]PartitionEntry `json:"partitions,omitempty"`
}

// docLockBody is the journal-lock object payload.
type docLockBody struct {
	Token     string `json:"token"`
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

// IsTerminal reports whether a status counts as "done" for planning
// purposes.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusQuarantine, StatusSkipped:
		return true
	}
	return false
}

// Journal provides read and locked read-modify-write access to the state
// document.
type Journal struct {
	store   objstore.Store
	key     string
	lockKey string
	logger  *logging.Logger

	// now is time.Now in production; tests pin it.
	now func() time.Time

	lockWait time.Duration
	lockTTL  time.Duration
	lockSpin time.Duration

	// onLockTimeout fires when a mutation falls back to an unlocked
	// write. The runner hangs a metrics counter on it.
	onLockTimeout func()
}

// NewJournal binds a Journal to the compact store at StateKey.
func NewJournal(store objstore.Store, logger *logging.Logger) *Journal {
	return NewJournalAt(store, StateKey, logger)
}

// NewJournalAt binds a Journal to a custom document key.
func NewJournalAt(store objstore.Store, key string, logger *logging.Logger) *Journal {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Journal{
		store:    store,
		key:      key,
		lockKey:  key + ".lock",
		logger:   logger,
		now:      time.Now,
		lockWait: docLockWait,
		lockTTL:  docLockTTL,
		lockSpin: docLockSpin,
	}
}

// Key returns the journal document key.
func (j *Journal) Key() string { return j.key }

// Read returns the current document. A missing or unreadable document
// yields an empty one; the journal must never block compaction.
func (j *Journal) Read(ctx context.Context) Document {
	body, err := j.store.Get(ctx, j.key)
	if err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			j.logger.Error("reading state document", "error", err)
		}
		return Document{}
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		j.logger.Error("parsing state document", "error", err)
		return Document{}
	}
	return doc
}

// LastCompactedDate returns the forward catch-up watermark, or "".
func (j *Journal) LastCompactedDate(ctx context.Context) string {
	return j.Read(ctx).LastCompactedDate
}

// UpdateLastCompactedDate advances the catch-up watermark.
func (j *Journal) UpdateLastCompactedDate(ctx context.Context, date string) error {
	err := j.update(ctx, func(doc *Document) {
		doc.LastCompactedDate = date
		doc.UpdatedAt = j.timestamp()
	})
	if err != nil {
		return err
	}
	j.logger.Info("state updated", "last_compacted_date", date)
	return nil
}

// LogPartition records a partition entry, stamping updated_at.
func (j *Journal) LogPartition(ctx context.Context, key string, entry PartitionEntry) error {
	return j.update(ctx, func(doc *Document) {
		if doc.Partitions == nil {
			doc.Partitions = make(map[string]PartitionEntry)
		}
		entry.UpdatedAt = j.timestamp()
		if len(entry.Error) > 2000 {
			entry.Error = entry.Error[:2000]
		}
		doc.Partitions[key] = entry
	})
}

// LogDay records a day-level status. Backfill records fully terminal days
// here so the reverse planner stops re-visiting them.
func (j *Journal) LogDay(ctx context.Context, date, status string) error {
	return j.update(ctx, func(doc *Document) {
		if doc.Days == nil {
			doc.Days = make(map[string]DayEntry)
		}
		doc.Days[date] = DayEntry{Status: status, UpdatedAt: j.timestamp()}
	})
}

// PartitionStatus returns the current status and updated_at for a
// partition key. Both are zero when the entry is missing.
func (j *Journal) PartitionStatus(ctx context.Context, key string) (string, time.Time) {
	entry, ok := j.Read(ctx).Partitions[key]
	if !ok {
		return "", time.Time{}
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, entry.UpdatedAt)
	if err != nil {
		updatedAt = time.Time{}
	}
	return entry.Status, updatedAt
}

// CleanupStaleLocks reaps partition lock objects whose journal entry shows
// no live worker: entry missing, not in_progress, or in_progress with an
// updated_at older than two hours. Stalled entries are transitioned to
// "stalled" in the same locked write that removes their lock objects.
// When targetDate is non-empty only that date's locks are considered.
// Returns the number of locks removed.
func (j *Journal) CleanupStaleLocks(ctx context.Context, targetDate string) (int, error) {
	token := j.acquireDocLock(ctx)
	defer j.releaseDocLock(ctx, token)

	doc := j.Read(ctx)

	locks, err := j.store.List(ctx, LocksPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing locks: %w", err)
	}

	ttlLimit := j.now().UTC().Add(-staleLockMaxAge)
	removed := 0
	changed := false

	for _, lock := range locks {
		rel := strings.TrimSuffix(strings.TrimPrefix(lock.Key, LocksPrefix), ".lock")
		p, err := partition.ParseKey(rel)
		if err != nil {
			continue
		}
		if targetDate != "" && p.Date != targetDate {
			continue
		}

		entry, ok := doc.Partitions[rel]
		stale := false
		reason := ""

		switch {
		case !ok:
			stale = true
			reason = "no journal entry"
		case entry.Status != StatusInProgress:
			stale = true
			reason = "status is " + entry.Status
		default:
			updatedAt, err := time.Parse(time.RFC3339Nano, entry.UpdatedAt)
			if err == nil && updatedAt.Before(ttlLimit) {
				stale = true
				reason = "progress stalled since " + entry.UpdatedAt
				entry.Status = StatusStalled
				entry.UpdatedAt = j.timestamp()
				doc.Partitions[rel] = entry
				changed = true
			}
		}

		if stale {
			j.logger.Warn("removing stale lock", "lock", lock.Key, "reason", reason)
			if err := j.store.Delete(ctx, lock.Key); err != nil {
				j.logger.Error("deleting stale lock", "lock", lock.Key, "error", err)
				continue
			}
			removed++
		}
	}

	if changed {
		if err := j.write(ctx, doc); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// ForgetRange erases journal knowledge of dates in [from, to]: day
// entries, partition entries, and the catch-up watermark when it is on or
// after from. Cleanup uses it after deleting the artifacts so the
// planner schedules those dates again.
func (j *Journal) ForgetRange(ctx context.Context, from, to string) error {
	return j.update(ctx, func(doc *Document) {
		for date := range doc.Days {
			if date >= from && date <= to {
				delete(doc.Days, date)
			}
		}
		for key := range doc.Partitions {
			p, err := partition.ParseKey(key)
			if err != nil {
				continue
			}
			if p.Date >= from && p.Date <= to {
				delete(doc.Partitions, key)
			}
		}
		if doc.LastCompactedDate >= from && doc.LastCompactedDate != "" {
			doc.LastCompactedDate = ""
		}
		doc.UpdatedAt = j.timestamp()
	})
}

// update runs a locked read-modify-write of the document. When the lock
// cannot be acquired within the deadline the mutation proceeds unlocked.
func (j *Journal) update(ctx context.Context, mutate func(*Document)) error {
	token := j.acquireDocLock(ctx)
	defer j.releaseDocLock(ctx, token)

	doc := j.Read(ctx)
	mutate(&doc)
	return j.write(ctx, doc)
}

func (j *Journal) write(ctx context.Context, doc Document) error {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state document: %w", err)
	}
	if err := j.store.Put(ctx, j.key, body, "application/json"); err != nil {
		return fmt.Errorf("writing state document: %w", err)
	}
	return nil
}

// acquireDocLock attempts the conditional PUT until the wait deadline,
// breaking locks older than the TTL. Returns the lock token, or "" if the
// lock could not be acquired (callers fall back to an unlocked write).
func (j *Journal) acquireDocLock(ctx context.Context) string {
	token := uuid.NewString()
	hostname, _ := os.Hostname()
	body, _ := json.Marshal(docLockBody{
		Token:     token,
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartedAt: j.timestamp(),
	})

	deadline := j.now().Add(j.lockWait)
	for j.now().Before(deadline) {
		err := j.store.PutIfAbsent(ctx, j.lockKey, body, "application/json")
		if err == nil {
			return token
		}
		if !errors.Is(err, objstore.ErrPreconditionFailed) {
			j.logger.Error("acquiring state lock", "error", err)
			return ""
		}

		// Lock exists; break it if stale.
		if held, err := j.store.Get(ctx, j.lockKey); err == nil {
			var current docLockBody
			if json.Unmarshal(held, &current) == nil && current.StartedAt != "" {
				startedAt, err := time.Parse(time.RFC3339Nano, current.StartedAt)
				if err == nil && startedAt.Before(j.now().UTC().Add(-j.lockTTL)) {
					j.logger.Warn("breaking stale state lock", "held_since", current.StartedAt)
					_ = j.store.Delete(ctx, j.lockKey)
					continue
				}
			}
		}

		select {
		case <-ctx.Done():
			return ""
		case <-time.After(j.lockSpin):
		}
	}

	j.logger.Warn("state lock acquisition timed out; proceeding unlocked")
	if j.onLockTimeout != nil {
		j.onLockTimeout()
	}
	return ""
}

// SetLockTimeoutHook registers a callback fired whenever a mutation
// proceeds without the document lock.
func (j *Journal) SetLockTimeoutHook(fn func()) { j.onLockTimeout = fn }

// releaseDocLock deletes the lock object only if the stored token still
// matches ours; otherwise someone broke the lock and re-acquired it.
func (j *Journal) releaseDocLock(ctx context.Context, token string) {
	if token == "" {
		return
	}
	held, err := j.store.Get(ctx, j.lockKey)
	if err != nil {
		return
	}
	var current docLockBody
	if err := json.Unmarshal(held, &current); err != nil || current.Token != token {
		return
	}
	if err := j.store.Delete(ctx, j.lockKey); err != nil {
		j.logger.Error("releasing state lock", "error", err)
	}
}

func (j *Journal) timestamp() string {
	return j.now().UTC().Format(time.RFC3339Nano)
}
