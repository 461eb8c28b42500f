package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

// doneIterRuns reports whether every label has at least n runs or has been
// capped, in which case more runs would not change its standing.
func doneIterRuns(ev stats.Evaluator, runs stats.PointRuns, labels []string, n int) bool {
	for _, l := range labels {
		if len(runs[l]) < n && ev.NeverCapped(runs[l]) {
			return false
		}
	}
	return true
}

// queueRuns tops up each point's runs following a doubling schedule in
// multiples of the instance increment. Below MinRuns every point is
// queued; above it only points not significantly worse than the incumbent,
// or named in weakness. Stale runs are queued again. Tasks already queued,
// running or completed are skipped.
func (e *Engine) queueRuns(ctx context.Context, ps *paramState, ev stats.Evaluator, points []gpsapi.Point, runs stats.PointRuns, comp stats.Comparison, incLabel string, weakness []string) (int, error) {
	name := ps.param.Name
	alive, active, err := e.client.Alive(ctx, name, points)
	if err != nil {
		return 0, fmt.Errorf("alive tasks %s: %w", name, err)
	}
	weak := make(map[string]bool, len(weakness))
	for _, l := range weakness {
		weak[l] = true
	}
	n := len(ps.instSet)
	minRuns := e.sc.Search.MinRuns
	incr := e.instIncr

	var batch []gpsapi.Task
	seen := map[string]bool{}
	add := func(t gpsapi.Task) {
		if !seen[t.Key()] {
			seen[t.Key()] = true
			batch = append(batch, t)
		}
	}
	for _, p := range points {
		for i := 0; (i+1)*incr-1 < 2*n; {
			want := (i + 1) * incr
			if doneIterRuns(ev, runs, []string{p.Label}, want) {
				i = (i+1)*2 - 1
				continue
			}
			if want-1 < minRuns || n <= minRuns || comp.Get(p.Label, incLabel) <= 0 || weak[p.Label] {
				if want > n {
					want = n
				}
				for _, is := range ps.instSet[:want] {
					t := gpsapi.Task{Param: name, Value: p.Value, Instance: is.Instance, Seed: is.Seed}
					if !alive[t.Key()] {
						add(t)
					}
				}
			}
			break
		}
		for _, is := range runs[p.Label].Keys() {
			t := gpsapi.Task{Param: name, Value: p.Value, Instance: is.Instance, Seed: is.Seed}
			if ev.Stale(runs[p.Label][is]) && !active[t.Key()] {
				add(t)
			}
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	e.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	queued, err := e.client.EnqueueAll(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("queue runs %s: %w", name, err)
	}
	e.debugf("queued runs param=%s tasks=%d instances=%d inst_incr=%d", name, queued, n, incr)
	return queued, nil
}

// addInstances extends the parameter's instance set by k pairs, cycling
// through the shuffled instances with fresh seeds.
func (e *Engine) addInstances(ps *paramState, k int) {
	for i := 0; i < k; i++ {
		ps.instSet = append(ps.instSet, gpsapi.InstanceSeed{
			Instance: e.instances[ps.instCounter],
			Seed:     e.newSeed(),
		})
		ps.instCounter = (ps.instCounter + 1) % len(e.instances)
	}
}

// sampleQueue records the queue state and, once per sample interval, moves
// the instance increment along the Fibonacci sequence: up when the queue
// runs dry, down when it holds more than twice the running tasks.
func (e *Engine) sampleQueue(ctx context.Context) error {
	qs, err := e.client.QueueState(ctx)
	if err != nil {
		return fmt.Errorf("queue state: %w", err)
	}
	e.queueSamples = append(e.queueSamples, qs)
	now := e.opts.Now()
	if e.lastSample.IsZero() {
		e.lastSample = now
		return nil
	}
	if now.Sub(e.lastSample) < e.opts.QueueSampleInterval {
		return nil
	}
	med, maxRunning := summarize(e.queueSamples)
	e.queueSamples = e.queueSamples[:0]
	e.lastSample = now

	prev := e.instIncr
	e.fibIdx = nextFibIndex(e.fibIdx, med, maxRunning)
	e.mu.Lock()
	e.instIncr = fib(e.fibIdx)
	e.mu.Unlock()
	if e.instIncr != prev {
		log.Printf("instance increment changed from=%d to=%d median_queued=%d max_running=%d", prev, e.instIncr, med, maxRunning)
	}
	observability.Default.SetGauge("coordinator_instance_increment", nil, float64(e.instIncr))
	return e.client.SaveQueueState(ctx, gpsapi.QueueState{Queued: med, Running: maxRunning, InstIncr: e.instIncr})
}

func summarize(samples []gpsapi.QueueState) (medianQueued, maxRunning int) {
	if len(samples) == 0 {
		return 0, 0
	}
	queued := make([]int, len(samples))
	for i, s := range samples {
		queued[i] = s.Queued
		if s.Running > maxRunning {
			maxRunning = s.Running
		}
	}
	sort.Ints(queued)
	return queued[len(queued)/2], maxRunning
}

func nextFibIndex(idx, medianQueued, maxRunning int) int {
	switch {
	case medianQueued < 5 || 2*medianQueued < maxRunning:
		idx++
	case medianQueued >= 2*maxRunning && idx > 1:
		idx--
	}
	return idx
}

// fib returns the Fibonacci sequence 1, 1, 2, 3, 5, ... at index i.
func fib(i int) int {
	a, b := 1, 1
	for ; i > 0; i-- {
		a, b = b, a+b
	}
	return a
}

// fibIndex returns the smallest index from 1 whose Fibonacci number is at
// least n.
func fibIndex(n int) int {
	i := 1
	for fib(i) < n {
		i++
	}
	return i
}

func (e *Engine) resetPool() {
	e.pool = e.pool[:0]
	for _, ps := range e.params {
		e.pool = append(e.pool, ps.param.Name)
	}
}

// sample draws a parameter from the pool without replacement. A parameter
// whose incumbent changed k times has weight fib(k+1), so parameters that
// keep improving are looked at more often.
func (e *Engine) sample() string {
	weights := make([]float64, len(e.pool))
	var total float64
	for i, name := range e.pool {
		weights[i] = float64(fib(e.byName[name].numIncUpdates + 1))
		total += weights[i]
	}
	r := e.rng.Float64() * total
	pick := len(e.pool) - 1
	for i, w := range weights {
		if r < w {
			pick = i
			break
		}
		r -= w
	}
	name := e.pool[pick]
	e.pool = append(e.pool[:pick], e.pool[pick+1:]...)
	return name
}
