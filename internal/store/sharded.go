package store

import (
	"context"
	"errors"
	"slices"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Sharded spreads distributions across several stores by hashing the
// distribution key. A distribution's bins, normalizer and timestamp always
// land on the same shard, so a Watch over them stays a single-shard
// transaction.
type Sharded struct {
	shards []Store
}

// NewSharded returns a store routing over shards. It panics when given none.
func NewSharded(shards ...Store) *Sharded {
	if len(shards) == 0 {
		panic("store: NewSharded needs at least one shard")
	}
	return &Sharded{shards: shards}
}

func (s *Sharded) shardFor(distKey string) Store {
	return s.shards[xxhash.Sum64String(distKey)%uint64(len(s.shards))]
}

func (s *Sharded) IncrementBinScore(ctx context.Context, key, bin string, delta float64) error {
	return s.shardFor(key).IncrementBinScore(ctx, key, bin, delta)
}

func (s *Sharded) IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error) {
	return s.shardFor(key).IncrementBins(ctx, key, bins, delta, now)
}

func (s *Sharded) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return s.shardFor(ownerKey(key)).IncrementCounter(ctx, key, delta)
}

func (s *Sharded) SetValue(ctx context.Context, key string, value int64) error {
	return s.shardFor(ownerKey(key)).SetValue(ctx, key, value)
}

// Exists checks the bins shard first, then the shard owning key as a
// value key.
func (s *Sharded) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.shardFor(key).Exists(ctx, key)
	if err != nil || ok {
		return ok, err
	}
	if owner := s.shardFor(ownerKey(key)); owner != s.shardFor(key) {
		return owner.Exists(ctx, key)
	}
	return false, nil
}

func (s *Sharded) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return s.shardFor(key).ReadAllSorted(ctx, key)
}

func (s *Sharded) GetValue(ctx context.Context, key string) (int64, bool, error) {
	return s.shardFor(ownerKey(key)).GetValue(ctx, key)
}

// Watch runs on the shard owning the first key, which must be the
// distribution's bins key; the other keys belong to the same shard.
func (s *Sharded) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	if len(keys) == 0 {
		return errors.New("store: Watch needs at least one key")
	}
	return s.shardFor(keys[0]).Watch(ctx, fn, keys...)
}

// Keys lists every shard concurrently and merges the results.
func (s *Sharded) Keys(ctx context.Context) ([]string, error) {
	results := make([][]string, len(s.shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range s.shards {
		g.Go(func() error {
			keys, err := shard.Keys(ctx)
			results[i] = keys
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var keys []string
	for _, r := range results {
		keys = append(keys, r...)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (s *Sharded) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range s.shards {
		g.Go(func() error { return shard.Ping(ctx) })
	}
	return g.Wait()
}

func (s *Sharded) Close() error {
	var errs []error
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
