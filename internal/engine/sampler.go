package engine

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Source supplies uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

// globalSource draws from math/rand/v2's goroutine-safe generator.
type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// lockedSource shares one seeded generator between goroutines.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// knuthLimit is the mean above which Poisson switches from multiplication
// to transformed rejection.
const knuthLimit = 10

// Poisson draws a Poisson-distributed count with mean lambda. A mean that
// is zero, negative or NaN yields 0.
func Poisson(lambda float64, src Source) int64 {
	switch {
	case !(lambda > 0):
		return 0
	case math.IsInf(lambda, 1):
		return math.MaxInt64
	case lambda < knuthLimit:
		return poissonKnuth(lambda, src)
	}
	return poissonPTRS(lambda, src)
}

func poissonKnuth(lambda float64, src Source) int64 {
	limit := math.Exp(-lambda)
	var k int64
	p := src.Float64()
	for p > limit {
		k++
		p *= src.Float64()
	}
	return k
}

// poissonPTRS is Hörmann's transformed rejection with squeeze (1993).
func poissonPTRS(lambda float64, src Source) int64 {
	slam := math.Sqrt(lambda)
	loglam := math.Log(lambda)
	b := 0.931 + 2.53*slam
	a := -0.059 + 0.02483*b
	invAlpha := 1.1239 + 1.1328/(b-3.4)
	vr := 0.9277 - 3.6224/(b-2)

	for {
		u := src.Float64() - 0.5
		v := src.Float64()
		us := 0.5 - math.Abs(u)
		k := math.Floor((2*a/us+b)*u + lambda + 0.43)
		if us >= 0.07 && v <= vr {
			return int64(k)
		}
		if k < 0 || (us < 0.013 && v > us) {
			continue
		}
		lg, _ := math.Lgamma(k + 1)
		if math.Log(v)+math.Log(invAlpha)-math.Log(a/(us*us)+b) <= -lambda+k*loglam-lg {
			return int64(k)
		}
	}
}

// DecayCounts applies one decay step to counts: each count v loses a
// Poisson(v*rate*tau) draw and is floored at 1. The input is not modified.
func DecayCounts(counts []float64, rate, tau float64, src Source) []float64 {
	out := make([]float64, len(counts))
	for i, v := range counts {
		y := Poisson(v*rate*tau, src)
		out[i] = math.Max(v-float64(y), 1)
	}
	return out
}
