// Package stats aggregates censored, noisy run data under decaying memory
// and derives the pairwise orderings, adaptive caps and incumbent choices
// the search runs on. Nothing in this package performs I/O.
package stats

import (
	"math"
	"sort"

	"github.com/example/gps/internal/space"
	"github.com/example/gps/pkg/gpsapi"
)

// StaleWeight is the decayed weight at or below which a completed run no
// longer counts as evidence and is scheduled again.
const StaleWeight = 0.05

// Runs holds one point's completed runs keyed by instance and seed.
type Runs map[gpsapi.InstanceSeed]gpsapi.RunRecord

// PointRuns maps point labels to their runs.
type PointRuns map[string]Runs

func (r Runs) Keys() []gpsapi.InstanceSeed {
	out := make([]gpsapi.InstanceSeed, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Seed < out[j].Seed
	})
	return out
}

// Intersect returns the instance/seed pairs both a and b have completed.
func Intersect(a, b Runs) []gpsapi.InstanceSeed {
	out := make([]gpsapi.InstanceSeed, 0, len(a))
	for _, k := range a.Keys() {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Evaluator scores runs of one parameter against the current incumbent
// configuration of the others.
type Evaluator struct {
	Param     string
	Incumbent gpsapi.Config
	Space     *space.Space
	DecayRate float64
	Cutoff    float64
}

// Change is the distance between the configuration a run was made with and
// the incumbent, ignoring the parameter under test.
func (e Evaluator) Change(r gpsapi.RunRecord) float64 {
	return e.Space.Change(e.Param, r.Config, e.Incumbent)
}

func (e Evaluator) Weight(r gpsapi.RunRecord) float64 {
	return math.Pow(e.DecayRate, e.Change(r))
}

// Perf is the decayed weighted mean statistic of runs. A run made with an
// adaptive cap of zero marks the point as provably worse and its statistic
// is returned as is.
func (e Evaluator) Perf(runs Runs) float64 {
	times := make([]float64, 0, len(runs))
	changes := make([]float64, 0, len(runs))
	for _, k := range runs.Keys() {
		r := runs[k]
		if r.AdaptiveCap == 0 {
			return r.Runtime
		}
		times = append(times, r.Runtime)
		changes = append(changes, e.Change(r))
	}
	return PerfDirect(times, changes, e.DecayRate)
}

// RunEquivalents is the decayed sample size of runs.
func (e Evaluator) RunEquivalents(runs Runs) float64 {
	var n float64
	for _, r := range runs {
		n += e.Weight(r)
	}
	return n
}

// Stale reports whether a run's decayed weight fell to StaleWeight or
// below.
func (e Evaluator) Stale(r gpsapi.RunRecord) bool {
	return e.Weight(r) <= StaleWeight
}

// NeverCapped reports whether none of runs ran out of an adaptive cap
// tighter than the cutoff.
func (e Evaluator) NeverCapped(runs Runs) bool {
	for _, r := range runs {
		if r.AdaptiveCap < e.Cutoff && r.Runtime >= r.AdaptiveCap {
			return false
		}
	}
	return true
}

// PerfDirect is the weighted mean of times with weights decay^changes, or
// +Inf when all weights vanish.
func PerfDirect(times, changes []float64, decay float64) float64 {
	var tot, totW float64
	for i, t := range times {
		w := math.Pow(decay, changes[i])
		tot += t * w
		totW += w
	}
	if totW == 0 {
		return math.Inf(1)
	}
	return tot / totW
}
