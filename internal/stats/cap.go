package stats

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"

	"github.com/example/gps/pkg/gpsapi"
)

type BoundMode int

const (
	BoundAdaptive BoundMode = iota
	BoundFixed
	BoundDisabled
)

// adaptiveZ is the one-sided z-score for p = 0.0005.
const adaptiveZ = 3.2905

// Bound is the multiplier by which a challenger may exceed another point's
// accumulated running time before it is cut off.
type Bound struct {
	Mode  BoundMode
	Fixed float64
}

func FixedBound(x float64) Bound { return Bound{Mode: BoundFixed, Fixed: x} }

func AdaptiveBound() Bound { return Bound{Mode: BoundAdaptive} }

// At returns the multiplier once a challenger has n run equivalents. For the
// adaptive mode this is the log-normal approximation to the upper tail of
// the ratio of two sums of n exponential running times.
func (b Bound) At(n float64) float64 {
	switch b.Mode {
	case BoundFixed:
		return b.Fixed
	case BoundDisabled:
		return math.Inf(1)
	}
	return math.Exp(adaptiveZ * math.Sqrt(2/math.Max(n, 1)))
}

func (b Bound) String() string {
	switch b.Mode {
	case BoundFixed:
		return strconv.FormatFloat(b.Fixed, 'g', -1, 64)
	case BoundDisabled:
		return "false"
	}
	return "adaptive"
}

// ParseBound accepts "adaptive", "false" or a positive number.
func ParseBound(s string) (Bound, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "adaptive":
		return AdaptiveBound(), nil
	case "false", "off", "none":
		return Bound{Mode: BoundDisabled}, nil
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !(x > 0) || math.IsInf(x, 0) {
		return Bound{}, fmt.Errorf("bound multiplier must be adaptive, false or a positive number, got %q", s)
	}
	return FixedBound(x), nil
}

func clamp[T constraints.Float | constraints.Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PairwiseCap is the running time the challenger may spend on is before it
// has provably fallen behind other. Only instance/seed pairs both points
// have completed are used; other's own run on is is always included.
func (e Evaluator) PairwiseCap(other, challenger Runs, is gpsapi.InstanceSeed, bound Bound) float64 {
	if bound.Mode == BoundDisabled {
		return e.Cutoff
	}
	own, ok := other[is]
	if !ok {
		return e.Cutoff
	}
	runsO := Runs{}
	runsC := Runs{}
	for _, k := range Intersect(other, challenger) {
		if k == is {
			continue
		}
		runsO[k] = other[k]
		runsC[k] = challenger[k]
	}
	runsO[is] = own

	perfO := e.Perf(runsO)
	perfC := e.Perf(runsC)
	eqC := e.RunEquivalents(runsC)
	spent := 0.0
	if eqC > 0 {
		spent = eqC * perfC
	}
	remaining := perfO*(eqC+1)*bound.At(eqC+1) - spent
	if math.IsNaN(remaining) {
		return e.Cutoff
	}
	return clamp(remaining, 0, e.Cutoff)
}

// AdaptiveCap is the tightest pairwise cap the other points impose on
// challenger for one instance/seed pair.
func (e Evaluator) AdaptiveCap(points PointRuns, challenger string, is gpsapi.InstanceSeed, bound Bound) float64 {
	smallest := e.Cutoff
	for label, runs := range points {
		if label == challenger {
			continue
		}
		smallest = math.Min(smallest, e.PairwiseCap(runs, points[challenger], is, bound))
	}
	return smallest
}
