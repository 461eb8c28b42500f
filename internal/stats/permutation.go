package stats

import (
	"math"
	"math/rand"
	"sort"
)

// DefaultSamples is the number of resamples drawn by PermutationTest when
// TestConfig.Samples is unset.
const DefaultSamples = 1000

type TestConfig struct {
	Alpha        float64
	MinInstances int
	Samples      int
	// Bonferroni divides Alpha by the number of tests run so far in a
	// comparison round.
	Bonferroni bool
}

func (c TestConfig) samples() int {
	if c.Samples <= 0 {
		return DefaultSamples
	}
	return c.Samples
}

// Paired is one instance/seed observation of an incumbent and a challenger.
type Paired struct {
	Inc, Cha             float64
	IncChange, ChaChange float64
}

// PermutationTest reports whether inc is significantly better than cha on
// the paired observations, at level alpha/corrections. Each resample swaps
// every pair with probability one half.
func PermutationTest(pairs []Paired, decay float64, cfg TestConfig, corrections int, rng *rand.Rand) bool {
	if len(pairs) == 0 || len(pairs) < cfg.MinInstances {
		return false
	}
	if corrections < 1 {
		corrections = 1
	}
	inc := make([]float64, len(pairs))
	cha := make([]float64, len(pairs))
	// Both sides carry the summed change so swapping a pair never moves
	// weight between the two sides.
	changes := make([]float64, len(pairs))
	for i, p := range pairs {
		inc[i], cha[i] = p.Inc, p.Cha
		changes[i] = p.IncChange + p.ChaChange
	}
	observed := perfRatio(PerfDirect(inc, changes, decay), PerfDirect(cha, changes, decay))

	n := cfg.samples()
	ratios := make([]float64, n)
	ri := make([]float64, len(pairs))
	rc := make([]float64, len(pairs))
	for s := 0; s < n; s++ {
		for m := range pairs {
			if rng.Intn(2) == 0 {
				ri[m], rc[m] = inc[m], cha[m]
			} else {
				ri[m], rc[m] = cha[m], inc[m]
			}
		}
		ratios[s] = perfRatio(PerfDirect(ri, changes, decay), PerfDirect(rc, changes, decay))
	}
	sort.Float64s(ratios)
	// q is the fraction of resampled ratios at or below the observed one.
	below := sort.Search(len(ratios), func(i int) bool { return ratios[i] > observed })
	q := float64(below) / float64(n)
	return q < cfg.Alpha/float64(corrections)
}

// perfRatio treats an unknown side as identical and a zero denominator as
// an arbitrarily large ratio.
func perfRatio(inc, cha float64) float64 {
	switch {
	case math.IsInf(inc, 0) || math.IsInf(cha, 0):
		return 1
	case cha == 0 && inc == 0:
		return 1
	case cha == 0:
		return math.Inf(1)
	}
	return inc / cha
}
