package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/lazypower/forgettable/internal/store"
)

const (
	// DefaultRate is the proportional decay applied per second of age.
	DefaultRate = 0.02
	// DefaultMaxAttempts bounds the snapshot, decay and commit cycle.
	DefaultMaxAttempts = 5
	// MaxCount bounds a distribution's normalizer. Counts up to 2^53 are
	// exact in a float64 score.
	MaxCount = 1 << 53
)

// Decay cycle outcomes reported to the Recorder.
const (
	ResultCommitted = "committed"
	ResultUnchanged = "unchanged"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// Recorder receives engine activity for metrics.
type Recorder interface {
	IncrementsAdded(n int)
	DecayCycle(result string)
	DecayRetry()
}

type nopRecorder struct{}

func (nopRecorder) IncrementsAdded(int) {}
func (nopRecorder) DecayCycle(string)   {}
func (nopRecorder) DecayRetry()         {}

// Probability is a bin's share of its distribution.
type Probability struct {
	Bin         string  `json:"bin"`
	Probability float64 `json:"probability"`
}

// Snapshot is the persisted state of a distribution after a decay cycle.
type Snapshot struct {
	Key         string
	Bins        []store.BinScore
	Z           int64
	LastUpdated int64
}

// Probabilities converts the snapshot's counts into probabilities, highest
// first.
func (s Snapshot) Probabilities() []Probability {
	out := make([]Probability, 0, len(s.Bins))
	for _, b := range s.Bins {
		p := 0.0
		if s.Z > 0 {
			p = b.Score / float64(s.Z)
		}
		out = append(out, Probability{Bin: b.Bin, Probability: p})
	}
	return out
}

// Engine maintains decaying frequency distributions in a Store.
type Engine struct {
	store       store.Store
	rate        float64
	maxAttempts int
	src         Source
	now         func() time.Time
	log         logr.Logger
	rec         Recorder

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithRate sets the decay rate.
func WithRate(rate float64) Option {
	return func(e *Engine) { e.rate = rate }
}

// WithMaxAttempts sets how many times a conflicting decay cycle is re-run
// before giving up with ErrConflict.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRand makes decay draws come from r. Access to r is serialized.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.src = &lockedSource{r: r} }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRecorder reports engine activity to rec.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.rec = rec }
}

// New creates an Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		rate:        DefaultRate,
		maxAttempts: DefaultMaxAttempts,
		src:         globalSource{},
		now:         time.Now,
		log:         logr.Discard(),
		rec:         nopRecorder{},
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Rate returns the configured decay rate.
func (e *Engine) Rate() float64 { return e.rate }

// Increment records one observation of bin under key.
func (e *Engine) Increment(ctx context.Context, key, bin string) error {
	return e.IncrementBy(ctx, key, 1, bin)
}

// IncrementBy adds n to each listed bin under key in one atomic store write.
// The first write ever seen for key also stamps its last-updated time. A
// batch that would push the normalizer past MaxCount is rejected.
func (e *Engine) IncrementBy(ctx context.Context, key string, n int64, bins ...string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	if len(bins) == 0 {
		return fmt.Errorf("%w: no bins", ErrInvalidInput)
	}
	if n < 1 {
		return fmt.Errorf("%w: count %d", ErrInvalidInput, n)
	}
	for _, bin := range bins {
		if bin == "" {
			return fmt.Errorf("%w: empty bin", ErrInvalidInput)
		}
	}

	if n > MaxCount/int64(len(bins)) {
		return fmt.Errorf("%w: count %d over %d bins exceeds %d", ErrInvalidInput, n, len(bins), int64(MaxCount))
	}
	total := n * int64(len(bins))

	zKey := store.NormalizerKey(key)
	z, _, err := e.store.GetValue(ctx, zKey)
	if err != nil {
		return storeErr("read normalizer", key, err)
	}
	if z > MaxCount-total {
		return fmt.Errorf("%w: normalizer of %s would exceed %d", ErrInvalidInput, key, int64(MaxCount))
	}

	z, err = e.store.IncrementBins(ctx, key, bins, n, e.now().Unix())
	if err != nil {
		return storeErr("increment", key, err)
	}
	if z == total {
		e.log.V(1).Info("new distribution", "key", key)
	}

	e.rec.IncrementsAdded(len(bins))
	return nil
}

// Distribution decays key and returns every bin's probability, highest
// first.
func (e *Engine) Distribution(ctx context.Context, key string) ([]Probability, error) {
	snap, err := e.Decay(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Probabilities(), nil
}

// MostProbable is Distribution truncated to the n most probable bins.
// n <= 0 returns every bin.
func (e *Engine) MostProbable(ctx context.Context, key string, n int) ([]Probability, error) {
	dist, err := e.Distribution(ctx, key)
	if err != nil {
		return nil, err
	}
	if n > 0 && n < len(dist) {
		dist = dist[:n]
	}
	return dist, nil
}

// Bin decays key and returns the probability of a single bin.
func (e *Engine) Bin(ctx context.Context, key, bin string) (Probability, error) {
	if bin == "" {
		return Probability{}, fmt.Errorf("%w: empty bin", ErrInvalidInput)
	}
	snap, err := e.Decay(ctx, key)
	if err != nil {
		return Probability{}, err
	}
	for _, p := range snap.Probabilities() {
		if p.Bin == bin {
			return p, nil
		}
	}
	return Probability{}, fmt.Errorf("%w: %s in %s", ErrBinNotFound, bin, key)
}

// Decay brings key up to date: counts lose their share for the time elapsed
// since the last update, and the result is persisted. A cycle that loses a
// commit race is re-run against fresh state.
func (e *Engine) Decay(ctx context.Context, key string) (Snapshot, error) {
	if key == "" {
		return Snapshot{}, fmt.Errorf("%w: empty key", ErrInvalidInput)
	}

	ok, err := e.store.Exists(ctx, key)
	if err != nil {
		return Snapshot{}, storeErr("exists", key, err)
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}

		snap, result, err := e.decayOnce(ctx, key)
		switch {
		case err == nil:
			e.rec.DecayCycle(result)
			return snap, nil
		case errors.Is(err, store.ErrConflict):
			e.rec.DecayCycle(ResultConflict)
			e.log.V(1).Info("decay conflict", "key", key, "attempt", attempt)
			if attempt < e.maxAttempts {
				e.rec.DecayRetry()
			}
		case errors.Is(err, ErrNotFound):
			return Snapshot{}, err
		default:
			e.rec.DecayCycle(ResultError)
			return Snapshot{}, err
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, e.maxAttempts)
}

// decayOnce runs one snapshot, decay and conditional commit.
func (e *Engine) decayOnce(ctx context.Context, key string) (Snapshot, string, error) {
	zKey, tKey := store.NormalizerKey(key), store.TimestampKey(key)

	var (
		snap   Snapshot
		result string
	)
	err := e.store.Watch(ctx, func(tx store.Tx) error {
		bins, err := tx.ReadAllSorted(ctx, key)
		if err != nil {
			return storeErr("read bins", key, err)
		}
		if len(bins) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		z, _, err := tx.GetValue(ctx, zKey)
		if err != nil {
			return storeErr("read normalizer", key, err)
		}
		last, stamped, err := tx.GetValue(ctx, tKey)
		if err != nil {
			return storeErr("read timestamp", key, err)
		}

		now := e.now().Unix()
		if !stamped {
			last = now
		}
		tau := max(now-last, 0)

		counts := make([]float64, len(bins))
		for i, b := range bins {
			counts[i] = b.Score
		}
		decayed := DecayCounts(counts, e.rate, float64(tau), e.src)

		changed := tau > 0 || !stamped
		newBins := make([]store.BinScore, len(bins))
		var sum float64
		for i, b := range bins {
			newBins[i] = store.BinScore{Bin: b.Bin, Score: decayed[i]}
			sum += decayed[i]
			if decayed[i] != b.Score {
				changed = true
			}
		}
		if sum > MaxCount {
			return fmt.Errorf("%w: normalizer of %s exceeds %d", ErrInvalidInput, key, int64(MaxCount))
		}
		newZ := int64(math.Round(sum))
		if newZ != z {
			changed = true
		}
		slices.SortStableFunc(newBins, func(a, b store.BinScore) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return 0
		})

		if !changed {
			snap = Snapshot{Key: key, Bins: newBins, Z: z, LastUpdated: last}
			result = ResultUnchanged
			return nil
		}

		lastUpdated := max(now, last)
		err = tx.Commit(ctx,
			store.SetScores(key, newBins),
			store.SetValue(zKey, newZ),
			store.SetValue(tKey, lastUpdated),
		)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return storeErr("commit", key, err)
		}
		snap = Snapshot{Key: key, Bins: newBins, Z: newZ, LastUpdated: lastUpdated}
		result = ResultCommitted
		return nil
	}, key, zKey, tKey)

	switch {
	case err == nil:
		return snap, result, nil
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrStoreUnavailable):
		return Snapshot{}, "", err
	}
	return Snapshot{}, "", storeErr("watch", key, err)
}
