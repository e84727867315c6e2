// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
)

// lockVersion is stamped into lock bodies for forensic reads.
const lockVersion = "1.1.0"

// lockBody is the partition-lock object payload. It exists for operators
// inspecting a stuck lock, not for the protocol itself - ownership is the
// conditional PUT.
type lockBody struct {
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
	Version   string `json:"version"`
}

// LockManager acquires and releases one lock object per partition key.
// Atomicity comes entirely from the store's If-None-Match PUT; there is no
// in-process state.
type LockManager struct {
	store  objstore.Store
	logger *logging.Logger
}

// NewLockManager binds a LockManager to the compact store.
func NewLockManager(store objstore.Store, logger *logging.Logger) *LockManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LockManager{store: store, logger: logger}
}

// Acquire attempts to take the partition lock. Returns true iff this call
// created the lock object. A lock held elsewhere returns (false, nil);
// only store failures surface as errors.
func (m *LockManager) Acquire(ctx context.Context, p partition.Partition) (bool, error) {
	hostname, _ := os.Hostname()
	body, _ := json.Marshal(lockBody{
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   lockVersion,
	})

	err := m.store.PutIfAbsent(ctx, p.LockKey(), body, "application/json")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objstore.ErrPreconditionFailed) {
		return false, nil
	}
	return false, err
}

// Release deletes the lock object unconditionally. Failures are logged,
// not returned: the stale-lock reaper handles leftovers.
func (m *LockManager) Release(ctx context.Context, p partition.Partition) {
	if err := m.store.Delete(ctx, p.LockKey()); err != nil {
		m.logger.Error("releasing partition lock", "partition", p.Key(), "error", err)
	}
}

// Held reports whether a lock object currently exists for the partition.
func (m *LockManager) Held(ctx context.Context, p partition.Partition) (bool, error) {
	return m.store.Exists(ctx, p.LockKey())
}
