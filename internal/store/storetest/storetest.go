// Package storetest holds the behavior every store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/forgettable/internal/store"
)

// Opener returns a fresh, empty store. The test closes it.
type Opener func(t *testing.T) store.Store

// Run exercises a backend against the store contract.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"IncrementBinScoreSorted", testIncrementBinScoreSorted},
		{"ReadMissing", testReadMissing},
		{"Counter", testCounter},
		{"SetValue", testSetValue},
		{"Exists", testExists},
		{"WatchCommit", testWatchCommit},
		{"WatchConflictOnBins", testWatchConflictOnBins},
		{"WatchConflictOnCounter", testWatchConflictOnCounter},
		{"WatchConflictOnTimestamp", testWatchConflictOnTimestamp},
		{"WatchConflictOnIncrementBins", testWatchConflictOnIncrementBins},
		{"IncrementBins", testIncrementBins},
		{"ConcurrentIncrementBins", testConcurrentIncrementBins},
		{"WatchCallbackError", testWatchCallbackError},
		{"WatchReadsThroughTx", testWatchReadsThroughTx},
		{"Keys", testKeys},
		{"ConcurrentIncrements", testConcurrentIncrements},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testIncrementBinScoreSorted(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.IncrementBinScore(ctx, "colors", "red", 1))
	require.NoError(t, s.IncrementBinScore(ctx, "colors", "red", 2))
	require.NoError(t, s.IncrementBinScore(ctx, "colors", "blue", 1))
	require.NoError(t, s.IncrementBinScore(ctx, "colors", "green", 1))

	got, err := s.ReadAllSorted(ctx, "colors")
	require.NoError(t, err)
	want := []store.BinScore{
		{Bin: "red", Score: 3},
		{Bin: "blue", Score: 1},
		{Bin: "green", Score: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadAllSorted mismatch (-want +got):\n%s", diff)
	}
}

func testReadMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	got, err := s.ReadAllSorted(ctx, "nope")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)

	_, ok, err := s.GetValue(ctx, "nope_z")
	require.NoError(t, err)
	require.False(t, ok)
}

func testCounter(t *testing.T, s store.Store) {
	ctx := context.Background()
	v, err := s.IncrementCounter(ctx, "k_z", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = s.IncrementCounter(ctx, "k_z", 4)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	got, ok, err := s.GetValue(ctx, "k_z")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 5, got)
}

func testSetValue(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SetValue(ctx, "k_t", 1700000000))
	require.NoError(t, s.SetValue(ctx, "k_t", 1700000050))

	got, ok, err := s.GetValue(ctx, "k_t")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1700000050, got)
}

func testExists(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.IncrementBinScore(ctx, "k", "a", 1))
	_, err := s.IncrementCounter(ctx, "k_z", 1)
	require.NoError(t, err)

	for key, want := range map[string]bool{"k": true, "k_z": true, "k_t": false, "other": false} {
		got, err := s.Exists(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, got, "Exists(%q)", key)
	}
}

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.IncrementBinScore(ctx, "k", "a", 10))
	require.NoError(t, s.IncrementBinScore(ctx, "k", "b", 5))
	_, err := s.IncrementCounter(ctx, "k_z", 15)
	require.NoError(t, err)
	require.NoError(t, s.SetValue(ctx, "k_t", 100))
}

func watchKeys() []string { return []string{"k", "k_z", "k_t"} }

func testWatchCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		return tx.Commit(ctx,
			store.SetScores("k", []store.BinScore{{Bin: "a", Score: 7}}),
			store.SetValue("k_z", 12),
			store.SetValue("k_t", 200),
		)
	}, watchKeys()...)
	require.NoError(t, err)

	got, err := s.ReadAllSorted(ctx, "k")
	require.NoError(t, err)
	want := []store.BinScore{{Bin: "a", Score: 7}, {Bin: "b", Score: 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bins after commit (-want +got):\n%s", diff)
	}

	z, _, err := s.GetValue(ctx, "k_z")
	require.NoError(t, err)
	require.EqualValues(t, 12, z)
	ts, _, err := s.GetValue(ctx, "k_t")
	require.NoError(t, err)
	require.EqualValues(t, 200, ts)
}

func testWatchConflictOnBins(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		if _, err := tx.ReadAllSorted(ctx, "k"); err != nil {
			return err
		}
		// A concurrent writer lands between the snapshot and the commit.
		if err := s.IncrementBinScore(ctx, "k", "a", 1); err != nil {
			return err
		}
		return tx.Commit(ctx, store.SetScores("k", []store.BinScore{{Bin: "a", Score: 1}}))
	}, watchKeys()...)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.ReadAllSorted(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, store.BinScore{Bin: "a", Score: 11}, got[0])
}

func testWatchConflictOnCounter(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		if _, err := s.IncrementCounter(ctx, "k_z", 1); err != nil {
			return err
		}
		return tx.Commit(ctx, store.SetValue("k_t", 999))
	}, watchKeys()...)
	require.ErrorIs(t, err, store.ErrConflict)

	ts, _, err := s.GetValue(ctx, "k_t")
	require.NoError(t, err)
	require.EqualValues(t, 100, ts)
}

func testWatchConflictOnTimestamp(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		if err := s.SetValue(ctx, "k_t", 150); err != nil {
			return err
		}
		return tx.Commit(ctx,
			store.SetScores("k", []store.BinScore{{Bin: "a", Score: 1}}),
			store.SetValue("k_z", 6),
		)
	}, watchKeys()...)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.ReadAllSorted(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, store.BinScore{Bin: "a", Score: 10}, got[0])
	z, _, err := s.GetValue(ctx, "k_z")
	require.NoError(t, err)
	require.EqualValues(t, 15, z)
}

func testWatchConflictOnIncrementBins(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		if _, err := s.IncrementBins(ctx, "k", []string{"b"}, 1, 500); err != nil {
			return err
		}
		return tx.Commit(ctx, store.SetValue("k_z", 15), store.SetValue("k_t", 999))
	}, watchKeys()...)
	require.ErrorIs(t, err, store.ErrConflict)

	z, _, err := s.GetValue(ctx, "k_z")
	require.NoError(t, err)
	require.EqualValues(t, 16, z)
	ts, _, err := s.GetValue(ctx, "k_t")
	require.NoError(t, err)
	require.EqualValues(t, 100, ts)
}

func testIncrementBins(t *testing.T, s store.Store) {
	ctx := context.Background()

	z, err := s.IncrementBins(ctx, "k", []string{"a", "b"}, 3, 100)
	require.NoError(t, err)
	require.EqualValues(t, 6, z)

	z, err = s.IncrementBins(ctx, "k", []string{"a"}, 1, 200)
	require.NoError(t, err)
	require.EqualValues(t, 7, z)

	got, err := s.ReadAllSorted(ctx, "k")
	require.NoError(t, err)
	want := []store.BinScore{{Bin: "a", Score: 4}, {Bin: "b", Score: 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bins mismatch (-want +got):\n%s", diff)
	}

	// The timestamp is only written by the first batch.
	ts, ok, err := s.GetValue(ctx, "k_t")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, ts)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, keys)
}

func testConcurrentIncrementBins(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers, each = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if _, err := s.IncrementBins(ctx, "hot", []string{"x", "y"}, 1, 1); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bins, err := s.ReadAllSorted(ctx, "hot")
	require.NoError(t, err)
	var sum float64
	for _, b := range bins {
		sum += b.Score
	}
	z, _, err := s.GetValue(ctx, "hot_z")
	require.NoError(t, err)
	require.EqualValues(t, 2*workers*each, z)
	require.Equal(t, float64(z), sum)
}

func testWatchCallbackError(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	boom := errors.New("boom")
	err := s.Watch(ctx, func(tx store.Tx) error { return boom }, watchKeys()...)
	require.ErrorIs(t, err, boom)
}

func testWatchReadsThroughTx(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.Watch(ctx, func(tx store.Tx) error {
		ok, err := tx.Exists(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)

		bins, err := tx.ReadAllSorted(ctx, "k")
		require.NoError(t, err)
		require.Len(t, bins, 2)

		z, ok, err := tx.GetValue(ctx, "k_z")
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 15, z)
		return nil
	}, watchKeys()...)
	require.NoError(t, err)
}

func testKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.IncrementBinScore(ctx, "b", "x", 1))
	require.NoError(t, s.IncrementBinScore(ctx, "a", "x", 1))
	_, err := s.IncrementCounter(ctx, "a_z", 1)
	require.NoError(t, err)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers, each = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if err := s.IncrementBinScore(ctx, "hot", "bin", 1); err != nil {
					errs <- err
					return
				}
				if _, err := s.IncrementCounter(ctx, "hot_z", 1); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bins, err := s.ReadAllSorted(ctx, "hot")
	require.NoError(t, err)
	require.Equal(t, float64(workers*each), bins[0].Score)
	z, _, err := s.GetValue(ctx, "hot_z")
	require.NoError(t, err)
	require.EqualValues(t, workers*each, z)
}
