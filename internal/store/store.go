package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrConflict is returned by Tx.Commit when a watched key changed after
	// the watch began. Nothing from the rejected commit is applied.
	ErrConflict = errors.New("watched key changed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// BinScore is one member of a sorted bin collection.
type BinScore struct {
	Bin   string
	Score float64
}

// Reader is the read half of the store, shared by Store and Tx.
type Reader interface {
	// Exists reports whether anything is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// ReadAllSorted returns every member of the sorted collection at key,
	// highest score first. A missing key yields an empty slice.
	ReadAllSorted(ctx context.Context, key string) ([]BinScore, error)
	// GetValue returns the integer stored at key and whether it was present.
	GetValue(ctx context.Context, key string) (int64, bool, error)
}

// Store is a persistent key-value store holding sorted bin collections and
// integer values, with an optimistic watch-then-commit transaction.
type Store interface {
	Reader

	// IncrementBinScore atomically adds delta to bin's score in the sorted
	// collection at key, creating either when absent.
	IncrementBinScore(ctx context.Context, key, bin string, delta float64) error
	// IncrementCounter atomically adds delta to the integer at key and
	// returns the new value. A missing key counts as 0.
	IncrementCounter(ctx context.Context, key string, delta int64) (int64, error)
	// SetValue stores value at key, overwriting any previous value.
	SetValue(ctx context.Context, key string, value int64) error
	// IncrementBins records one batch of observations as a single atomic
	// write: delta is added to each bin at key, delta*len(bins) to
	// NormalizerKey(key), and TimestampKey(key) is set to now unless it
	// already holds a value. It returns the new normalizer.
	IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error)

	// Watch records the state of keys and calls fn. Reads through the Tx see
	// the store's current data; a Commit inside fn lands only if none of the
	// watched keys were written in the meantime, and fails with ErrConflict
	// otherwise. The error returned by fn is returned unchanged.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Keys lists the keys holding a sorted bin collection.
	Keys(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the handle passed to a Watch callback.
type Tx interface {
	Reader
	// Commit applies ops atomically if no watched key changed. It may be
	// called at most once per Watch.
	Commit(ctx context.Context, ops ...Op) error
}

// OpKind identifies the kind of write an Op performs.
type OpKind int

const (
	// OpSetScores sets the score of each listed bin in a sorted collection.
	// Bins not listed are left untouched.
	OpSetScores OpKind = iota + 1
	// OpSetValue overwrites an integer value.
	OpSetValue
)

// Op is a single write inside a Commit.
type Op struct {
	Kind   OpKind
	Key    string
	Scores []BinScore
	Value  int64
}

// SetScores builds an Op that writes the given bin scores at key.
func SetScores(key string, scores []BinScore) Op {
	return Op{Kind: OpSetScores, Key: key, Scores: scores}
}

// SetValue builds an Op that writes value at key.
func SetValue(key string, value int64) Op {
	return Op{Kind: OpSetValue, Key: key, Value: value}
}

// Suffixes of the companion keys stored next to a distribution's bin set.
// The layout matches what earlier Redis deployments wrote.
const (
	normalizerSuffix = "_z"
	timestampSuffix  = "_t"
)

// NormalizerKey returns the key holding the normalizer of the distribution
// whose bins are stored at key.
func NormalizerKey(key string) string { return key + normalizerSuffix }

// TimestampKey returns the key holding the last-updated time of the
// distribution whose bins are stored at key.
func TimestampKey(key string) string { return key + timestampSuffix }

// ownerKey maps a normalizer or timestamp key back to the bin-set key it
// belongs to. Value keys always carry exactly one suffix, so stripping one
// is unambiguous even when the distribution key itself ends in "_z".
func ownerKey(valueKey string) string {
	if base, ok := strings.CutSuffix(valueKey, normalizerSuffix); ok {
		return base
	}
	if base, ok := strings.CutSuffix(valueKey, timestampSuffix); ok {
		return base
	}
	return valueKey
}

// sortScores orders scores highest first, breaking ties by bin name so
// every backend returns the same order.
func sortScores(scores []BinScore) {
	slices.SortFunc(scores, func(a, b BinScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Bin, b.Bin)
	})
}
