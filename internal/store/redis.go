package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store on a Redis server. Bin sets are sorted sets and values
// are plain integer strings, so data written by older deployments of the
// service reads back unchanged. Watch is Redis WATCH/MULTI/EXEC.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the Redis server at url (redis://host:port/db).
// A positive poolSize overrides the client's connection pool size.
func OpenRedis(ctx context.Context, url string, poolSize int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) IncrementBinScore(ctx context.Context, key, bin string, delta float64) error {
	return mapRedisErr(r.client.ZIncrBy(ctx, key, delta, bin).Err())
}

func (r *Redis) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, delta).Result()
	return v, mapRedisErr(err)
}

func (r *Redis) SetValue(ctx context.Context, key string, value int64) error {
	return mapRedisErr(r.client.Set(ctx, key, value, 0).Err())
}

// IncrementBins sends ZINCRBY per bin, INCRBY on the normalizer and SETNX
// on the timestamp in one MULTI/EXEC.
func (r *Redis) IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error) {
	var z *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, bin := range bins {
			pipe.ZIncrBy(ctx, key, float64(delta), bin)
		}
		z = pipe.IncrBy(ctx, NormalizerKey(key), delta*int64(len(bins)))
		pipe.SetNX(ctx, TimestampKey(key), now, 0)
		return nil
	})
	if err != nil {
		return 0, mapRedisErr(err)
	}
	return z.Val(), nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	return redisExists(ctx, r.client, key)
}

func (r *Redis) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return redisReadAllSorted(ctx, r.client, key)
}

func (r *Redis) GetValue(ctx context.Context, key string) (int64, bool, error) {
	return redisGetValue(ctx, r.client, key)
}

func (r *Redis) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	return mapRedisErr(r.client.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{tx: tx})
	}, keys...))
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	it := r.client.ScanType(ctx, 0, "*", 100, "zset").Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return mapRedisErr(r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) Exists(ctx context.Context, key string) (bool, error) {
	return redisExists(ctx, t.tx, key)
}

func (t *redisTx) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return redisReadAllSorted(ctx, t.tx, key)
}

func (t *redisTx) GetValue(ctx context.Context, key string) (int64, bool, error) {
	return redisGetValue(ctx, t.tx, key)
}

func (t *redisTx) Commit(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := t.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSetScores:
				if len(op.Scores) == 0 {
					continue
				}
				members := make([]redis.Z, len(op.Scores))
				for i, s := range op.Scores {
					members[i] = redis.Z{Score: s.Score, Member: s.Bin}
				}
				pipe.ZAdd(ctx, op.Key, members...)
			case OpSetValue:
				pipe.Set(ctx, op.Key, op.Value, 0)
			}
		}
		return nil
	})
	return mapRedisErr(err)
}

func redisExists(ctx context.Context, c redis.Cmdable, key string) (bool, error) {
	n, err := c.Exists(ctx, key).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

func redisReadAllSorted(ctx context.Context, c redis.Cmdable, key string) ([]BinScore, error) {
	zs, err := c.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	scores := make([]BinScore, 0, len(zs))
	for _, z := range zs {
		bin, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type %T in %s", z.Member, key)
		}
		scores = append(scores, BinScore{Bin: bin, Score: z.Score})
	}
	sortScores(scores)
	return scores, nil
}

func redisGetValue(ctx context.Context, c redis.Cmdable, key string) (int64, bool, error) {
	v, err := c.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapRedisErr(err)
	}
	return v, true, nil
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	}
	return err
}
