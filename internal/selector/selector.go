// Package selector picks the best configuration from finished runs after
// the fact. Configurations evaluated on the most instances are walked
// first and a challenger replaces the incumbent only when a permutation
// test on their common instances says it is faster.
package selector

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/example/gps/internal/stats"
	"github.com/example/gps/internal/trace"
	"github.com/example/gps/pkg/gpsapi"
)

var ErrNoRuns = errors.New("no usable runs")

type Options struct {
	MinInstances int
	Alpha        float64
	Permutations int
	// Correction divides Alpha by the number of tests performed so far.
	Correction bool
	Seed       int64
	Verbose    bool
}

type Result struct {
	Config    gpsapi.Config `json:"config"`
	Instances int           `json:"instances"`
	Mean      float64       `json:"mean"`
	Tests     int           `json:"tests"`
}

type candidate struct {
	key    string
	config gpsapi.Config
	order  int
	// sums and counts of the statistic per instance, over seeds.
	sums   map[string]float64
	counts map[string]int
}

func (c *candidate) mean(inst string) float64 {
	return c.sums[inst] / float64(c.counts[inst])
}

type Selector struct {
	opts  Options
	rng   *rand.Rand
	cands map[string]*candidate
}

func New(opts Options) *Selector {
	if opts.MinInstances <= 0 {
		opts.MinInstances = 10
	}
	if opts.Alpha <= 0 {
		opts.Alpha = 0.05
	}
	if opts.Permutations <= 0 {
		opts.Permutations = 10000
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Selector{opts: opts, rng: rand.New(rand.NewSource(seed)), cands: map[string]*candidate{}}
}

// usable reports whether a run's statistic means something. Runs stopped
// by an adaptive cap or the budget have no meaningful value.
func usable(s gpsapi.Status) bool {
	return s == gpsapi.StatusSuccess || s == gpsapi.StatusCutoffTimeout || s == gpsapi.StatusCrashed
}

func (s *Selector) Add(entries ...gpsapi.RunTraceEntry) {
	for _, e := range entries {
		if !usable(e.Status) {
			continue
		}
		key := e.Config.String()
		c, ok := s.cands[key]
		if !ok {
			c = &candidate{key: key, config: e.Config.Clone(), order: len(s.cands), sums: map[string]float64{}, counts: map[string]int{}}
			s.cands[key] = c
		}
		c.sums[e.Task.Instance] += e.Runtime
		c.counts[e.Task.Instance]++
	}
}

// AddPath reads one run trace, or every run trace in a directory.
func (s *Selector) AddPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	files := []string{path}
	if info.IsDir() {
		if files, err = trace.RunTraces(path); err != nil {
			return err
		}
	}
	for _, f := range files {
		entries, err := trace.ReadRunTrace(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		s.Add(entries...)
	}
	return nil
}

// Best returns the selected configuration.
func (s *Selector) Best() (Result, error) {
	if len(s.cands) == 0 {
		return Result{}, ErrNoRuns
	}
	ordered := make([]*candidate, 0, len(s.cands))
	for _, c := range s.cands {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].counts) != len(ordered[j].counts) {
			return len(ordered[i].counts) > len(ordered[j].counts)
		}
		return ordered[i].order < ordered[j].order
	})

	inc := ordered[0]
	tests := 0
	corrections := 1
	for _, cha := range ordered[1:] {
		better, tested := s.isBetter(cha, inc, corrections)
		if tested {
			tests++
			if s.opts.Correction {
				corrections++
			}
		}
		if better {
			s.debugf("challenger replaces incumbent:%s ->%s", inc.key, cha.key)
			inc = cha
		}
	}
	var sum float64
	for inst := range inc.counts {
		sum += inc.mean(inst)
	}
	return Result{
		Config:    inc.config,
		Instances: len(inc.counts),
		Mean:      sum / float64(len(inc.counts)),
		Tests:     tests,
	}, nil
}

// isBetter tests cha against inc on their common instances. tested is
// false when there were too few common instances or cha was not faster on
// average, in which case no test counts toward the correction.
func (s *Selector) isBetter(cha, inc *candidate, corrections int) (better, tested bool) {
	var common []string
	for inst := range cha.counts {
		if _, ok := inc.counts[inst]; ok {
			common = append(common, inst)
		}
	}
	if len(common) <= s.opts.MinInstances {
		return false, false
	}
	sort.Strings(common)
	pairs := make([]stats.Paired, len(common))
	var chaSum, incSum float64
	for i, inst := range common {
		pairs[i] = stats.Paired{Inc: cha.mean(inst), Cha: inc.mean(inst)}
		chaSum += pairs[i].Inc
		incSum += pairs[i].Cha
	}
	if chaSum >= incSum {
		return false, false
	}
	cfg := stats.TestConfig{Alpha: s.opts.Alpha, Samples: s.opts.Permutations}
	better = stats.PermutationTest(pairs, 1, cfg, corrections, s.rng)
	s.debugf("tested challenger=%s incumbent=%s instances=%d ratio=%.3f alpha=%.5f better=%t",
		cha.key, inc.key, len(common), chaSum/incSum, s.opts.Alpha/float64(corrections), better)
	return better, true
}

func (s *Selector) debugf(format string, args ...any) {
	if s.opts.Verbose {
		log.Printf(format, args...)
	}
}
