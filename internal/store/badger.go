package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

// Key prefixes for the badger layout.
const (
	prefixScore   byte = 0x01 // prefix + uvarint(len(key)) + key + bin -> float64 bits
	prefixValue   byte = 0x02 // prefix + key -> int64
	prefixVersion byte = 0x03 // prefix + key -> uint64
	prefixSet     byte = 0x04 // prefix + key -> marker for keys holding bins
)

// maxIncrementAttempts bounds the internal retry of single-key increments
// that lose a badger transaction conflict.
const maxIncrementAttempts = 100

// Badger is a Store on an embedded BadgerDB. Watch maps onto a badger
// read-write transaction: the version key of every watched key is read
// inside the transaction, so badger's own conflict detection rejects the
// commit when any of them was written concurrently.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database in dir.
func OpenBadger(dir string, logger logr.Logger) (*Badger, error) {
	return openBadger(badger.DefaultOptions(dir), logger)
}

// OpenBadgerMemory opens an in-memory badger database for testing.
func OpenBadgerMemory(logger logr.Logger) (*Badger, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), logger)
}

func openBadger(opts badger.Options, logger logr.Logger) (*Badger, error) {
	opts = opts.
		WithLogger(badgerLogger{log: logger.WithName("badger")}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func scorePrefix(key string) []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(key))
	buf[0] = prefixScore
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	return append(buf, key...)
}

func scoreKey(key, bin string) []byte {
	return append(scorePrefix(key), bin...)
}

func prefixed(p byte, key string) []byte {
	buf := make([]byte, 0, 1+len(key))
	buf = append(buf, p)
	return append(buf, key...)
}

func encodeUint(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt value: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// readUint returns the 8-byte value at k, or ok=false when absent.
func readUint(txn *badger.Txn, k []byte) (v uint64, ok bool, err error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	err = item.Value(func(val []byte) error {
		v, err = decodeUint(val)
		return err
	})
	return v, err == nil, err
}

func bumpVersion(txn *badger.Txn, key string) error {
	k := prefixed(prefixVersion, key)
	v, _, err := readUint(txn, k)
	if err != nil {
		return err
	}
	return txn.Set(k, encodeUint(v+1))
}

// update runs fn in a read-write transaction, retrying when badger reports
// a conflict with a concurrent writer.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxIncrementAttempts {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) IncrementBinScore(ctx context.Context, key, bin string, delta float64) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return b.update(func(txn *badger.Txn) error {
		k := scoreKey(key, bin)
		bits, _, err := readUint(txn, k)
		if err != nil {
			return err
		}
		score := math.Float64frombits(bits) + delta
		if err := txn.Set(k, encodeUint(math.Float64bits(score))); err != nil {
			return err
		}
		if err := txn.Set(prefixed(prefixSet, key), []byte{}); err != nil {
			return err
		}
		return bumpVersion(txn, key)
	})
}

func (b *Badger) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	if b.db.IsClosed() {
		return 0, ErrClosed
	}
	var value int64
	err := b.update(func(txn *badger.Txn) error {
		k := prefixed(prefixValue, key)
		v, _, err := readUint(txn, k)
		if err != nil {
			return err
		}
		value = int64(v) + delta
		if err := txn.Set(k, encodeUint(uint64(value))); err != nil {
			return err
		}
		return bumpVersion(txn, key)
	})
	return value, err
}

func (b *Badger) IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error) {
	if b.db.IsClosed() {
		return 0, ErrClosed
	}
	zKey, tKey := NormalizerKey(key), TimestampKey(key)
	var z int64
	err := b.update(func(txn *badger.Txn) error {
		for _, bin := range bins {
			k := scoreKey(key, bin)
			bits, _, err := readUint(txn, k)
			if err != nil {
				return err
			}
			score := math.Float64frombits(bits) + float64(delta)
			if err := txn.Set(k, encodeUint(math.Float64bits(score))); err != nil {
				return err
			}
		}
		if err := txn.Set(prefixed(prefixSet, key), []byte{}); err != nil {
			return err
		}
		if err := bumpVersion(txn, key); err != nil {
			return err
		}

		zk := prefixed(prefixValue, zKey)
		v, _, err := readUint(txn, zk)
		if err != nil {
			return err
		}
		z = int64(v) + delta*int64(len(bins))
		if err := txn.Set(zk, encodeUint(uint64(z))); err != nil {
			return err
		}
		if err := bumpVersion(txn, zKey); err != nil {
			return err
		}

		tk := prefixed(prefixValue, tKey)
		if _, ok, err := readUint(txn, tk); err != nil || ok {
			return err
		}
		if err := txn.Set(tk, encodeUint(uint64(now))); err != nil {
			return err
		}
		return bumpVersion(txn, tKey)
	})
	return z, err
}

func (b *Badger) SetValue(ctx context.Context, key string, value int64) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return b.update(func(txn *badger.Txn) error {
		if err := txn.Set(prefixed(prefixValue, key), encodeUint(uint64(value))); err != nil {
			return err
		}
		return bumpVersion(txn, key)
	})
}

func (b *Badger) Exists(ctx context.Context, key string) (bool, error) {
	if b.db.IsClosed() {
		return false, ErrClosed
	}
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = txnExists(txn, key)
		return err
	})
	return ok, err
}

func (b *Badger) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	if b.db.IsClosed() {
		return nil, ErrClosed
	}
	var scores []BinScore
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		scores, err = txnReadAllSorted(txn, key)
		return err
	})
	return scores, err
}

func (b *Badger) GetValue(ctx context.Context, key string) (int64, bool, error) {
	if b.db.IsClosed() {
		return 0, false, ErrClosed
	}
	var (
		v  uint64
		ok bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		v, ok, err = readUint(txn, prefixed(prefixValue, key))
		return err
	})
	return int64(v), ok, err
}

func txnExists(txn *badger.Txn, key string) (bool, error) {
	for _, k := range [][]byte{prefixed(prefixSet, key), prefixed(prefixValue, key)} {
		_, err := txn.Get(k)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return false, err
		}
	}
	return false, nil
}

func txnReadAllSorted(txn *badger.Txn, key string) ([]BinScore, error) {
	prefix := scorePrefix(key)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	scores := []BinScore{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		bin := string(item.Key()[len(prefix):])
		var bits uint64
		if err := item.Value(func(val []byte) error {
			var err error
			bits, err = decodeUint(val)
			return err
		}); err != nil {
			return nil, fmt.Errorf("decode score %s/%s: %w", key, bin, err)
		}
		scores = append(scores, BinScore{Bin: bin, Score: math.Float64frombits(bits)})
	}
	sortScores(scores)
	return scores, nil
}

func (b *Badger) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	watched := make(map[string]bool, len(keys))
	for _, k := range keys {
		// The read registers the version key with badger's conflict check.
		if _, _, err := readUint(txn, prefixed(prefixVersion, k)); err != nil {
			return fmt.Errorf("watch %s: %w", k, err)
		}
		watched[k] = true
	}
	return fn(&badgerTx{txn: txn, watched: watched})
}

func (b *Badger) Keys(ctx context.Context) ([]string, error) {
	if b.db.IsClosed() {
		return nil, ErrClosed
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixSet}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return keys, err
}

func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerTx struct {
	txn     *badger.Txn
	watched map[string]bool
}

func (tx *badgerTx) Exists(ctx context.Context, key string) (bool, error) {
	return txnExists(tx.txn, key)
}

func (tx *badgerTx) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return txnReadAllSorted(tx.txn, key)
}

func (tx *badgerTx) GetValue(ctx context.Context, key string) (int64, bool, error) {
	v, ok, err := readUint(tx.txn, prefixed(prefixValue, key))
	return int64(v), ok, err
}

func (tx *badgerTx) Commit(ctx context.Context, ops ...Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpSetScores:
			for _, s := range op.Scores {
				if err := tx.txn.Set(scoreKey(op.Key, s.Bin), encodeUint(math.Float64bits(s.Score))); err != nil {
					return err
				}
			}
			if err := tx.txn.Set(prefixed(prefixSet, op.Key), []byte{}); err != nil {
				return err
			}
		case OpSetValue:
			if err := tx.txn.Set(prefixed(prefixValue, op.Key), encodeUint(uint64(op.Value))); err != nil {
				return err
			}
		}
		if err := bumpVersion(tx.txn, op.Key); err != nil {
			return err
		}
	}
	// Watched keys are bumped even when unwritten so a concurrent commit
	// over the same keys conflicts with this one.
	for k := range tx.watched {
		if err := bumpVersion(tx.txn, k); err != nil {
			return err
		}
	}

	err := tx.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// badgerLogger routes badger's internal logging to logr. Badger is chatty at
// info level, so everything below a warning goes to V(1).
type badgerLogger struct {
	log logr.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.V(1).Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.V(2).Info(fmt.Sprintf(format, args...))
}
