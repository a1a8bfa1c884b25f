package engine

import (
	"math"
	"math/rand/v2"
	"testing"
)

func seeded(seed uint64) Source {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func TestPoissonDegenerate(t *testing.T) {
	src := seeded(1)
	for _, lambda := range []float64{0, -1, math.NaN(), math.Inf(-1)} {
		if got := Poisson(lambda, src); got != 0 {
			t.Errorf("Poisson(%v) = %d, want 0", lambda, got)
		}
	}
}

func TestPoissonMean(t *testing.T) {
	const draws = 20000
	for _, lambda := range []float64{0.5, 3, 9.9, 10, 50, 1000} {
		src := seeded(uint64(lambda * 10))
		var sum float64
		for range draws {
			y := Poisson(lambda, src)
			if y < 0 {
				t.Fatalf("Poisson(%v) returned negative %d", lambda, y)
			}
			sum += float64(y)
		}
		mean := sum / draws
		// Five standard errors of the sample mean.
		tol := 5 * math.Sqrt(lambda/draws)
		if math.Abs(mean-lambda) > tol {
			t.Errorf("Poisson(%v) mean = %v, want within %v", lambda, mean, tol)
		}
	}
}

func TestDecayCountsFloor(t *testing.T) {
	src := seeded(3)
	counts := []float64{1, 2, 50, 1000}
	for range 200 {
		out := DecayCounts(counts, 0.02, 500, src)
		for i, v := range out {
			if v < 1 {
				t.Fatalf("bin %d decayed to %v, below floor", i, v)
			}
			if v > counts[i] {
				t.Fatalf("bin %d grew from %v to %v", i, counts[i], v)
			}
		}
	}
	if counts[3] != 1000 {
		t.Error("DecayCounts modified its input")
	}
}

func TestDecayCountsNoElapsedTime(t *testing.T) {
	counts := []float64{7, 3, 1}
	out := DecayCounts(counts, 0.02, 0, seeded(4))
	for i := range counts {
		if out[i] != counts[i] {
			t.Errorf("bin %d: %v -> %v with tau=0", i, counts[i], out[i])
		}
	}
}

func meanDecrement(v, rate, tau float64, seed uint64) float64 {
	const trials = 5000
	src := seeded(seed)
	var total float64
	for range trials {
		total += v - DecayCounts([]float64{v}, rate, tau, src)[0]
	}
	return total / trials
}

func TestDecayMonotonic(t *testing.T) {
	const v = 200.0
	// Longer elapsed time decays more.
	short := meanDecrement(v, 0.02, 1, 10)
	long := meanDecrement(v, 0.02, 10, 11)
	if !(long > short) {
		t.Errorf("mean decrement tau=10 (%v) not above tau=1 (%v)", long, short)
	}
	// A higher rate decays more.
	slow := meanDecrement(v, 0.001, 5, 12)
	fast := meanDecrement(v, 0.01, 5, 13)
	if !(fast > slow) {
		t.Errorf("mean decrement rate=0.01 (%v) not above rate=0.001 (%v)", fast, slow)
	}
	if short < 0 || slow < 0 {
		t.Error("negative mean decrement")
	}
}
