// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package objstore abstracts the object stores the compactor talks to.
//
// The compactor needs a narrow slice of S3 semantics: GET/PUT/HEAD/DELETE,
// server-side COPY, paginated LIST with a "/" delimiter, and - critically -
// conditional PUT with If-None-Match: "*", which is what makes the journal
// lock and the per-partition locks atomic. Store captures exactly that
// slice; S3Store speaks it to any S3-compatible endpoint and MemStore
// provides the same semantics in memory for tests.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// ErrPreconditionFailed is returned by PutIfAbsent when the object already
// exists. Lock acquisition treats it as "lock held elsewhere".
var ErrPreconditionFailed = errors.New("objstore: precondition failed")

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the object-store contract every component is written against.
//
// All methods honor context cancellation. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the full object body, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the object unconditionally.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// PutIfAbsent writes the object only if no object exists at key,
	// using a conditional PUT (If-None-Match: "*"). Returns
	// ErrPreconditionFailed when the object already exists.
	PutIfAbsent(ctx context.Context, key string, body []byte, contentType string) error

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Copy performs a server-side copy from srcKey to dstKey within the
	// same bucket.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// List returns every object under prefix, paginating as needed.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// ListPrefixes returns the common prefixes directly under prefix,
	// using "/" as the delimiter.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)

	// HasAny reports whether at least one object exists under prefix.
	// Implementations should probe with a single-key listing.
	HasAny(ctx context.Context, prefix string) (bool, error)

	// Download streams the object to a local file path.
	Download(ctx context.Context, key, localPath string) error

	// Upload streams a local file to the object at key.
	Upload(ctx context.Context, localPath, key string) error
}
