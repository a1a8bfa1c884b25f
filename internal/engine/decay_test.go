package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/forgettable/internal/store"
)

func TestSweep(t *testing.T) {
	s := store.NewMemory()
	clock := newFakeClock(0)
	e := testEngine(t, s, clock)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := e.IncrementBy(ctx, key, 30, "x"); err != nil {
			t.Fatal(err)
		}
	}
	clock.Set(60)

	n, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 3 {
		t.Errorf("decayed = %d, want 3", n)
	}
	for _, key := range []string{"a", "b", "c"} {
		_, _, ts := storedState(t, s, key)
		if ts != 60 {
			t.Errorf("%s lastUpdated = %d, want 60", key, ts)
		}
	}
}

func TestSweepCanceled(t *testing.T) {
	s := store.NewMemory()
	e := testEngine(t, s, newFakeClock(0))
	ctx, cancel := context.WithCancel(context.Background())

	if err := e.Increment(ctx, "a", "x"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := e.Sweep(ctx); err == nil {
		t.Error("expected error from canceled sweep")
	}
}

func TestStartSweeper(t *testing.T) {
	s := store.NewMemory()
	clock := newFakeClock(0)
	e := New(s, WithClock(clock.Now))
	ctx := context.Background()

	if err := e.IncrementBy(ctx, "k", 50, "x"); err != nil {
		t.Fatal(err)
	}
	clock.Set(100)

	e.StartSweeper(10 * time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for {
		ts, _, err := s.GetValue(ctx, store.TimestampKey("k"))
		if err != nil {
			t.Fatal(err)
		}
		if ts == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never decayed the key")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()
	// Stop is idempotent.
	e.Stop()
}

func TestStartSweeperDisabled(t *testing.T) {
	e := New(store.NewMemory())
	e.StartSweeper(0)
	e.Stop()
}
