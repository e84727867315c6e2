// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
	"github.com/AleutianAI/quantcompact/services/compactor/partition"
)

func seedRaw(t *testing.T, store *objstore.MemStore, keys ...string) {
	t.Helper()
	ctx := context.Background()
	for _, key := range keys {
		require.NoError(t, store.Put(ctx, key, []byte("x"), "application/octet-stream"))
	}
}

func TestDiscoverDates(t *testing.T) {
	store := objstore.NewMemStore()
	seedRaw(t, store,
		"exchange=binance/stream=trade/symbol=BTCUSDT/date=20250102/a.parquet",
		"exchange=binance/stream=trade/symbol=BTCUSDT/date=20250101/a.parquet",
		"exchange=binance/stream=book/symbol=ETHUSDT/date=20250103/a.parquet",
		"exchange=kraken/stream=trade/symbol=BTCUSD/date=20250101/a.parquet",
		// Malformed date value must be ignored.
		"exchange=kraken/stream=trade/symbol=BTCUSD/date=2025x101/a.parquet",
		// Objects outside the hierarchy must be ignored.
		"quality/date=20250101/w1.json",
	)

	dates, err := New(store).DiscoverDates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101", "20250102", "20250103"}, dates)
}

func TestDiscoverPartitionsForDate(t *testing.T) {
	store := objstore.NewMemStore()
	seedRaw(t, store,
		"exchange=binance/stream=trade/symbol=BTCUSDT/date=20250101/a.parquet",
		"exchange=binance/stream=trade/symbol=ETHUSDT/date=20250101/a.parquet",
		"exchange=binance/stream=trade/symbol=ETHUSDT/date=20250102/a.parquet",
		"exchange=kraken/stream=book/symbol=BTCUSD/date=20250102/a.parquet",
	)

	partitions, err := New(store).DiscoverPartitionsForDate(context.Background(), "20250101")
	require.NoError(t, err)
	assert.Equal(t, []partition.Partition{
		{Exchange: "binance", Stream: "trade", Symbol: "BTCUSDT", Date: "20250101"},
		{Exchange: "binance", Stream: "trade", Symbol: "ETHUSDT", Date: "20250101"},
	}, partitions)

	partitions, err = New(store).DiscoverPartitionsForDate(context.Background(), "20250103")
	require.NoError(t, err)
	assert.Empty(t, partitions)
}

func TestDiscoverDates_EmptyStore(t *testing.T) {
	dates, err := New(objstore.NewMemStore()).DiscoverDates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dates)
}
