package stats

import (
	"math"
	"math/rand"

	"github.com/example/gps/pkg/gpsapi"
)

// SelectIncumbent narrows the points down to a single incumbent. Each round
// keeps a subset of the candidates and selection stops as soon as one is
// left:
//
//  1. at least MinInstances run equivalents,
//  2. evaluated on a superset of the previous incumbent's instances,
//  3. significantly better than the previous incumbent (which stays in),
//  4. not dominated by another candidate,
//  5. tied for the best estimate,
//  6. tied for the most run equivalents,
//  7. uniformly at random.
//
// Rounds 1 to 3 return the previous incumbent when they empty the set.
// Round 4 is skipped when it would. Rounds 2 and 3 are skipped while prev
// has no label, which is only the case before the first selection.
func (e Evaluator) SelectIncumbent(points []gpsapi.Point, runs PointRuns, prev gpsapi.Incumbent, comp Comparison, cfg TestConfig, rng *rand.Rand) gpsapi.Incumbent {
	perf := make(map[string]float64, len(points))
	eq := make(map[string]float64, len(points))
	byLabel := make(map[string]gpsapi.Point, len(points))
	prevLabel := ""
	for _, p := range points {
		perf[p.Label] = e.Perf(runs[p.Label])
		eq[p.Label] = e.RunEquivalents(runs[p.Label])
		byLabel[p.Label] = p
		if p.Value.Equal(prev.Value) {
			prevLabel = p.Label
		}
	}
	result := func(label string) gpsapi.Incumbent {
		return gpsapi.Incumbent{
			Param:          e.Param,
			Value:          byLabel[label].Value,
			Label:          label,
			RunEquivalents: eq[label],
			Estimate:       perf[label],
			Instances:      runs[label].Keys(),
		}
	}
	keepPrev := func() gpsapi.Incumbent {
		if prevLabel != "" {
			return result(prevLabel)
		}
		return prev
	}
	startup := prev.Label == ""

	cands := make([]string, 0, len(points))
	for _, p := range points {
		if eq[p.Label] >= float64(cfg.MinInstances) {
			cands = append(cands, p.Label)
		}
	}
	if len(cands) == 0 {
		return keepPrev()
	}
	if !startup {
		cands = filter(cands, func(l string) bool {
			for _, is := range prev.Instances {
				if _, ok := runs[l][is]; !ok {
					return false
				}
			}
			return true
		})
		if len(cands) == 0 {
			return keepPrev()
		}
		cands = filter(cands, func(l string) bool {
			return l == prevLabel || (prevLabel != "" && comp.Get(l, prevLabel) < 0)
		})
		if len(cands) == 0 {
			return keepPrev()
		}
	}
	if len(cands) == 1 {
		return result(cands[0])
	}

	if nd := filter(cands, func(l string) bool {
		for _, o := range cands {
			if comp.Get(l, o) > 0 {
				return false
			}
		}
		return true
	}); len(nd) > 0 {
		cands = nd
	}
	if len(cands) == 1 {
		return result(cands[0])
	}

	best := math.Inf(1)
	for _, l := range cands {
		best = math.Min(best, perf[l])
	}
	if !math.IsInf(best, 1) {
		cands = filter(cands, func(l string) bool { return perf[l] == best })
	}
	if len(cands) == 1 {
		return result(cands[0])
	}

	most := 0.0
	for _, l := range cands {
		most = math.Max(most, eq[l])
	}
	cands = filter(cands, func(l string) bool { return eq[l] == most })
	if len(cands) == 1 {
		return result(cands[0])
	}
	return result(cands[rng.Intn(len(cands))])
}

func filter(in []string, keep func(string) bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
