package stats

import (
	"math"
	"math/rand"
)

// Comparison holds the pairwise ordering of points: Get(x, y) is -1 when x
// is significantly better than y, +1 when significantly worse, 0 otherwise.
type Comparison map[[2]string]int

func (c Comparison) Get(x, y string) int {
	return c[[2]string{x, y}]
}

func (c Comparison) set(x, y string, v int) {
	c[[2]string{x, y}] = v
	c[[2]string{y, x}] = -v
}

// EnoughData reports whether the common runs of x and y carry at least
// minInstances run equivalents once both sides' changes are summed.
func (e Evaluator) EnoughData(x, y Runs, minInstances int) bool {
	var eq float64
	for _, k := range Intersect(x, y) {
		eq += math.Pow(e.DecayRate, e.Change(x[k])+e.Change(y[k]))
	}
	return eq >= float64(minInstances)
}

// Compare orders every pair of labels. Points that have ever been capped
// are treated as equally bad and worse than every uncapped point.
func (e Evaluator) Compare(points PointRuns, labels []string, cfg TestConfig, rng *rand.Rand) Comparison {
	perf := make(map[string]float64, len(labels))
	eliminated := make(map[string]bool, len(labels))
	for _, l := range labels {
		perf[l] = e.Perf(points[l])
		eliminated[l] = !e.NeverCapped(points[l])
	}

	comp := Comparison{}
	tests := 0
	for i := 0; i < len(labels); i++ {
		for j := i; j < len(labels); j++ {
			x, y := labels[i], labels[j]
			switch {
			case x == y:
				comp.set(x, y, 0)
			case !e.EnoughData(points[x], points[y], cfg.MinInstances):
				comp.set(x, y, 0)
			case eliminated[x] && eliminated[y]:
				comp.set(x, y, 0)
			case eliminated[x]:
				comp.set(x, y, 1)
			case eliminated[y]:
				comp.set(x, y, -1)
			default:
				low, hi := y, x
				if perf[x] < perf[y] {
					low, hi = x, y
				}
				corrections := 1
				if cfg.Bonferroni {
					tests++
					corrections = tests
				}
				if PermutationTest(e.pairs(points[low], points[hi]), e.DecayRate, cfg, corrections, rng) {
					comp.set(low, hi, -1)
				} else {
					comp.set(low, hi, 0)
				}
			}
		}
	}
	return comp
}

func (e Evaluator) pairs(inc, cha Runs) []Paired {
	keys := Intersect(inc, cha)
	out := make([]Paired, 0, len(keys))
	for _, k := range keys {
		out = append(out, Paired{
			Inc:       inc[k].Runtime,
			Cha:       cha[k].Runtime,
			IncChange: e.Change(inc[k]),
			ChaChange: e.Change(cha[k]),
		})
	}
	return out
}
