package engine

// Decay model:
//   - every bin count v loses y ~ Poisson(v * rate * tau) per cycle, where
//     tau is the seconds since the distribution was last updated
//   - counts are floored at 1, so a bin is never forgotten entirely
//   - the normalizer is rewritten as the sum of the decayed counts
//   - reads decay lazily; the sweeper keeps idle keys from piling up age
import (
	"context"
	"errors"
	"time"
)

// Sweep decays every distribution in the store once. Failures are logged
// per key and counted; the first one is returned after all keys were tried.
func (e *Engine) Sweep(ctx context.Context) (decayed int, err error) {
	keys, err := e.store.Keys(ctx)
	if err != nil {
		return 0, storeErr("list keys", "", err)
	}

	var first error
	for _, key := range keys {
		if ctx.Err() != nil {
			return decayed, ctx.Err()
		}
		if _, err := e.Decay(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			e.log.Error(err, "decay", "key", key)
			if first == nil {
				first = err
			}
			continue
		}
		decayed++
	}
	return decayed, first
}

// StartSweeper runs Sweep at startup and then every interval until Stop.
// A non-positive interval disables it.
func (e *Engine) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		e.sweep(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.sweep(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) sweep(ctx context.Context) {
	start := time.Now()
	n, err := e.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		e.log.Error(err, "sweep incomplete", "decayed", n)
		return
	}
	e.log.V(1).Info("sweep", "decayed", n, "took", time.Since(start))
}

// Stop shuts down the engine's background goroutines and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
