package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store. Every write bumps a per-key version, which
// is what Watch compares at commit time.
type Memory struct {
	mu       sync.Mutex
	sets     map[string]map[string]float64
	values   map[string]int64
	versions map[string]uint64
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sets:     make(map[string]map[string]float64),
		values:   make(map[string]int64),
		versions: make(map[string]uint64),
	}
}

func (m *Memory) IncrementBinScore(ctx context.Context, key, bin string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]float64)
		m.sets[key] = set
	}
	set[bin] += delta
	m.versions[key]++
	return nil
}

func (m *Memory) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	m.values[key] += delta
	m.versions[key]++
	return m.values[key], nil
}

func (m *Memory) SetValue(ctx context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.values[key] = value
	m.versions[key]++
	return nil
}

func (m *Memory) IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]float64, len(bins))
		m.sets[key] = set
	}
	for _, bin := range bins {
		set[bin] += float64(delta)
	}
	m.versions[key]++

	zKey, tKey := NormalizerKey(key), TimestampKey(key)
	m.values[zKey] += delta * int64(len(bins))
	m.versions[zKey]++
	if _, ok := m.values[tKey]; !ok {
		m.values[tKey] = now
		m.versions[tKey]++
	}
	return m.values[zKey], nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	set := m.sets[key]
	scores := make([]BinScore, 0, len(set))
	for bin, score := range set {
		scores = append(scores, BinScore{Bin: bin, Score: score})
	}
	sortScores(scores)
	return scores, nil
}

func (m *Memory) GetValue(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}

	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	seen := make(map[string]uint64, len(keys))
	for _, k := range keys {
		seen[k] = m.versions[k]
	}
	m.mu.Unlock()

	return fn(&memoryTx{m: m, seen: seen})
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.sets))
	for k := range m.sets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	m    *Memory
	seen map[string]uint64
}

func (tx *memoryTx) Exists(ctx context.Context, key string) (bool, error) {
	return tx.m.Exists(ctx, key)
}

func (tx *memoryTx) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return tx.m.ReadAllSorted(ctx, key)
}

func (tx *memoryTx) GetValue(ctx context.Context, key string) (int64, bool, error) {
	return tx.m.GetValue(ctx, key)
}

func (tx *memoryTx) Commit(ctx context.Context, ops ...Op) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for k, v := range tx.seen {
		if m.versions[k] != v {
			return ErrConflict
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpSetScores:
			set, ok := m.sets[op.Key]
			if !ok {
				set = make(map[string]float64, len(op.Scores))
				m.sets[op.Key] = set
			}
			for _, s := range op.Scores {
				set[s.Bin] = s.Score
			}
		case OpSetValue:
			m.values[op.Key] = op.Value
		}
		m.versions[op.Key]++
	}
	return nil
}
