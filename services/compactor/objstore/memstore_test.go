// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package objstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "a/b", []byte("hello"), "text/plain"))
	data, err := store.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, store.Delete(ctx, "a/b"))
	_, err = store.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "a/b"))
}

func TestMemStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.PutIfAbsent(ctx, "lock", []byte("one"), "application/json"))
	err := store.PutIfAbsent(ctx, "lock", []byte("two"), "application/json")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// Loser must not have overwritten the winner.
	data, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestMemStore_PutIfAbsent_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.PutIfAbsent(ctx, "lock", []byte("x"), "application/json"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrPreconditionFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one conditional put must win")
}

func TestMemStore_ListPrefixes(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	for _, key := range []string{
		"exchange=binance/stream=trade/symbol=BTCUSDT/date=20250101/f1.parquet",
		"exchange=binance/stream=trade/symbol=BTCUSDT/date=20250102/f1.parquet",
		"exchange=binance/stream=book/symbol=ETHUSDT/date=20250101/f1.parquet",
		"exchange=kraken/stream=trade/symbol=BTCUSD/date=20250101/f1.parquet",
	} {
		require.NoError(t, store.Put(ctx, key, []byte("x"), "application/octet-stream"))
	}

	exchanges, err := store.ListPrefixes(ctx, "exchange=")
	require.NoError(t, err)
	assert.Equal(t, []string{"exchange=binance/", "exchange=kraken/"}, exchanges)

	streams, err := store.ListPrefixes(ctx, "exchange=binance/stream=")
	require.NoError(t, err)
	assert.Equal(t, []string{"exchange=binance/stream=book/", "exchange=binance/stream=trade/"}, streams)
}

func TestMemStore_Copy(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.NoError(t, store.Put(ctx, "k.tmp", []byte("payload"), "application/json"))

	require.NoError(t, store.Copy(ctx, "k.tmp", "k"))
	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	err = store.Copy(ctx, "nope", "dst")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_HasAny(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	ok, err := store.HasAny(ctx, "p/")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "p/x", []byte("1"), ""))
	ok, err = store.HasAny(ctx, "p/")
	require.NoError(t, err)
	assert.True(t, ok)
}
