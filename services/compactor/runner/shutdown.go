// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"context"
	"sync/atomic"
)

// Flag is the process-wide cooperative shutdown signal. The merger and the
// workers poll it between batches and pipeline steps; the CLI sets it on
// the first SIGINT/SIGTERM.
type Flag struct {
	v atomic.Bool
}

// NewFlag returns an unset flag.
func NewFlag() *Flag { return &Flag{} }

// Set marks shutdown requested. Idempotent.
func (f *Flag) Set() { f.v.Store(true) }

// IsSet reports whether shutdown was requested.
func (f *Flag) IsSet() bool { return f.v.Load() }

// BindContext sets the flag when ctx is cancelled.
func (f *Flag) BindContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.Set()
	}()
}
