// Package coordinator drives a configuration run: it owns one search per
// parameter, polls the run ledger for new results, updates incumbents and
// queues the runs the searches need next.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/procstat"
	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/search"
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/state"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/internal/trace"
	"github.com/example/gps/pkg/gpsapi"
)

// ErrDefaultFailed is returned when the default configuration's first run
// failed for every parameter. That points at a broken wrapper or cutoff
// rather than at the target's noise.
var ErrDefaultFailed = errors.New("default configuration failed its first run")

const (
	defaultQueueSampleInterval = 60 * time.Second
	defaultRevisitInterval     = 30 * time.Second
	minSeed                    = 100_000_000
	seedRange                  = 900_000_000
)

type Options struct {
	// Writer receives the incumbent trace, the decision sequence and the
	// final incumbent. Nil disables traces.
	Writer *trace.Writer
	// Meter charges the coordinator's own CPU time to the budget.
	Meter *procstat.Meter
	Now   func() time.Time
	// QueueSampleInterval is how often the instance increment is adapted
	// to the queue state.
	QueueSampleInterval time.Duration
	// RevisitInterval forces a look at a parameter whose ledger has not
	// changed, so tasks lost with a dead worker get queued again.
	RevisitInterval time.Duration
	Verbose         bool
}

type paramState struct {
	param           space.Parameter
	search          search.Search
	instSet         []gpsapi.InstanceSeed
	instCounter     int
	finishedDefault bool
	// defaultStatus is the status of the default's first run, once seen.
	defaultStatus gpsapi.Status
	sig             uint64
	bracketSig      uint64
	lastVisit       time.Time
	inc             gpsapi.Incumbent
	numIncUpdates   int
}

type Engine struct {
	sc        scenario.Scenario
	space     *space.Space
	client    *state.Client
	opts      Options
	rng       *rand.Rand
	instances []string
	firstSeed int64
	epoch     string

	params []*paramState
	byName map[string]*paramState
	pool   []string

	instIncr     int
	fibIdx       int
	queueSamples []gpsapi.QueueState
	lastSample   time.Time

	started   chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	incumbent gpsapi.Config
	decisions int
	reason    string
}

// Snapshot is the coordinator state shown by the status server.
type Snapshot struct {
	Epoch            string        `json:"epoch"`
	Incumbent        gpsapi.Config `json:"incumbent"`
	InstanceIncr     int           `json:"instance_increment"`
	Decisions        int           `json:"decisions"`
	IncumbentUpdates int           `json:"incumbent_updates"`
	StopReason       string        `json:"stop_reason,omitempty"`
}

func New(sc scenario.Scenario, sp *space.Space, client *state.Client, instances []string, opts Options) (*Engine, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: no instances", scenario.ErrInvalid)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.QueueSampleInterval <= 0 {
		opts.QueueSampleInterval = defaultQueueSampleInterval
	}
	if opts.RevisitInterval <= 0 {
		opts.RevisitInterval = defaultRevisitInterval
	}
	seed := sc.Search.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	e := &Engine{
		sc:        sc,
		space:     sp,
		client:    client,
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
		instances: append([]string(nil), instances...),
		byName:    map[string]*paramState{},
		instIncr:  sc.Search.InstanceIncrement,
		incumbent: sp.Defaults(),
		started:   make(chan struct{}),
	}
	if e.instIncr <= 0 {
		e.instIncr = 1
	}
	e.fibIdx = fibIndex(e.instIncr)
	for _, p := range sp.Params() {
		s, err := search.New(p)
		if err != nil {
			return nil, err
		}
		ps := &paramState{param: p, search: s}
		e.params = append(e.params, ps)
		e.byName[p.Name] = ps
	}
	return e, nil
}

// Started is closed once the run's epoch and first tasks are in place.
func (e *Engine) Started() <-chan struct{} { return e.started }

func (e *Engine) Epoch() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Incumbent returns a copy of the current incumbent configuration.
func (e *Engine) Incumbent() gpsapi.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.incumbent.Clone()
}

func (e *Engine) StopReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Epoch:        e.epoch,
		Incumbent:    e.incumbent.Clone(),
		InstanceIncr: e.instIncr,
		Decisions:    e.decisions,
		StopReason:   e.reason,
	}
	for _, ps := range e.params {
		s.IncumbentUpdates += ps.numIncUpdates
	}
	return s
}

// Init starts a fresh run: it clears the run's keys, writes a new epoch,
// sets up the budget and every parameter's bracket, and queues the runs of
// the default configuration.
func (e *Engine) Init(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "coordinator.init")
	defer span.End()

	now := e.opts.Now()
	if err := e.client.Reset(ctx); err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}
	e.mu.Lock()
	e.epoch = uuid.NewString()
	e.mu.Unlock()
	if err := e.client.SetEpoch(ctx, e.Epoch()); err != nil {
		return fmt.Errorf("set epoch: %w", err)
	}
	err := e.client.InitBudget(ctx, gpsapi.Budget{
		WallClockLimit: e.sc.Limits.WallClock,
		CPUTimeLimit:   e.sc.Limits.CPUTime,
		RunCountLimit:  e.sc.Limits.RunCount,
		StartTime:      now,
	})
	if err != nil {
		return fmt.Errorf("init budget: %w", err)
	}

	e.rng.Shuffle(len(e.instances), func(i, j int) {
		e.instances[i], e.instances[j] = e.instances[j], e.instances[i]
	})
	e.firstSeed = e.newSeed()
	first := gpsapi.InstanceSeed{Instance: e.instances[0], Seed: e.firstSeed}
	cfg := e.Incumbent()

	var defaults []gpsapi.Task
	for _, ps := range e.params {
		name := ps.param.Name
		ps.bracketSig = 0
		if err := e.writeBracket(ctx, ps, ps.search.Points(), cfg); err != nil {
			return fmt.Errorf("init bracket %s: %w", name, err)
		}
		ps.inc = gpsapi.Incumbent{
			Param:     name,
			Value:     ps.param.Default,
			Estimate:  gpsapi.PenaltyFactor * e.sc.Cutoff,
			Instances: []gpsapi.InstanceSeed{first},
		}
		if err := e.client.SaveIncumbent(ctx, ps.inc); err != nil {
			return fmt.Errorf("save incumbent %s: %w", name, err)
		}
		ps.instSet = []gpsapi.InstanceSeed{first}
		for j := 1; j < e.sc.Search.MinRuns; j++ {
			ps.instSet = append(ps.instSet, gpsapi.InstanceSeed{
				Instance: e.instances[j%len(e.instances)],
				Seed:     e.newSeed(),
			})
		}
		ps.instCounter = len(ps.instSet) % len(e.instances)
		defaults = append(defaults, gpsapi.Task{Param: name, Value: ps.param.Default, Instance: first.Instance, Seed: first.Seed})
	}
	if _, err := e.client.EnqueueAll(ctx, defaults); err != nil {
		return fmt.Errorf("queue default runs: %w", err)
	}
	e.traceIncumbent(cfg)
	e.resetPool()
	observability.Default.SetGauge("coordinator_instance_increment", nil, float64(e.instIncr))
	log.Printf("run started epoch=%s params=%d instances=%d first_instance=%s first_seed=%d", e.Epoch(), len(e.params), len(e.instances), first.Instance, first.Seed)
	e.startOnce.Do(func() { close(e.started) })
	return nil
}

// Run initialises the run and loops until a budget limit is reached or
// ctx is cancelled. The epoch is flipped to stopped on every exit so
// workers finish.
func (e *Engine) Run(ctx context.Context) (gpsapi.Config, error) {
	defer e.stopWorkers()
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	for {
		if ctx.Err() != nil {
			e.setReason("interrupted")
			break
		}
		stop, err := e.Step(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				e.setReason("interrupted")
				break
			}
			log.Printf("coordinator loop failed: %v", err)
			e.setReason("error: " + err.Error())
			e.persist()
			return e.Incumbent(), fmt.Errorf("coordinator: %w", err)
		}
		if stop {
			break
		}
	}
	log.Printf("reason for stopping: %s", e.StopReason())
	e.persist()
	return e.Incumbent(), nil
}

// Step visits one parameter drawn from the pool and checks the budget.
// stop reports that a limit was reached.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	if len(e.pool) == 0 {
		e.resetPool()
	}
	name := e.sample()
	worked, err := e.Visit(ctx, name)
	if err != nil {
		return false, err
	}
	if worked {
		e.resetPool()
	}
	b, err := e.chargeOverhead(ctx)
	if err != nil {
		return false, err
	}
	if done, reason := b.Exhausted(e.opts.Now()); done {
		e.setReason(reason)
		return true, nil
	}
	if !worked && len(e.pool) == 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.sc.Sleep()):
		}
	}
	return false, nil
}

// Visit looks at one parameter: it recomputes the comparisons and the
// incumbent from the ledger, then either queues more runs or moves the
// search. It reports whether the ledger held new results.
func (e *Engine) Visit(ctx context.Context, name string) (bool, error) {
	ps, ok := e.byName[name]
	if !ok {
		return false, fmt.Errorf("unknown parameter %s", name)
	}
	ctx, span := observability.StartSpan(ctx, "coordinator.visit", attribute.String("gps.param", name))
	defer span.End()

	if err := e.sampleQueue(ctx); err != nil {
		return false, err
	}
	points := ps.search.Points()
	labels := search.Labels(points)
	runs, err := e.client.GetRuns(ctx, name, labels)
	if err != nil {
		return false, fmt.Errorf("get runs %s: %w", name, err)
	}
	if !ps.finishedDefault {
		if !e.checkDefault(ps, points, runs) {
			return false, nil
		}
		if err := e.defaultsFailed(); err != nil {
			return false, err
		}
	}
	now := e.opts.Now()
	sig := signature(labels, runs)
	if sig == ps.sig && now.Sub(ps.lastVisit) < e.opts.RevisitInterval {
		return false, nil
	}
	changed := sig != ps.sig
	ps.sig = sig
	ps.lastVisit = now

	cfg := e.Incumbent()
	if err := e.writeBracket(ctx, ps, points, cfg); err != nil {
		return false, fmt.Errorf("update bracket %s: %w", name, err)
	}
	ev := e.evaluator(name, cfg)
	tc := e.sc.TestConfig()
	comp := ev.Compare(runs, labels, tc, e.rng)
	inc := ev.SelectIncumbent(points, runs, ps.inc, comp, tc, e.rng)
	if err := e.client.SaveIncumbent(ctx, inc); err != nil {
		return false, fmt.Errorf("save incumbent %s: %w", name, err)
	}
	if !inc.Value.Equal(ps.inc.Value) {
		ps.numIncUpdates++
		cfg = e.setIncumbent(name, inc.Value)
		e.traceIncumbent(cfg)
		observability.Default.IncCounter("coordinator_incumbent_updates_total", map[string]string{"param": name}, 1)
		log.Printf("incumbent updated param=%s value=%s estimate=%.4g run_equivalents=%.2f", name, inc.Value, inc.Estimate, inc.RunEquivalents)
	}
	ps.inc = inc
	dec := ps.search.Next(comp, inc.Label)
	e.debugf("visit param=%s points=%v incumbent=%s decision=%s", name, labels, inc.Label, dec)

	var queued int
	if ps.param.Kind.Numeric() {
		queued, err = e.stepBracket(ctx, ps, ev, dec, points, runs, comp)
	} else {
		queued, err = e.stepRace(ctx, ps, ev, dec, points, runs, comp)
	}
	if err != nil {
		return false, err
	}
	if queued > 0 {
		observability.Default.IncCounter("coordinator_tasks_queued_total", map[string]string{"param": name}, float64(queued))
	}
	return changed, nil
}

func (e *Engine) stepBracket(ctx context.Context, ps *paramState, ev stats.Evaluator, dec search.Decision, points []gpsapi.Point, runs stats.PointRuns, comp stats.Comparison) (int, error) {
	incLabel := ps.inc.Label
	if (dec.Op == search.OpKeep || dec.Op == search.OpNoShrink) && !doneIterRuns(ev, runs, dec.Weakness, len(ps.instSet)) {
		return e.queueRuns(ctx, ps, ev, points, runs, comp, incLabel, dec.Weakness)
	}
	if err := e.finishIteration(ctx, ps, dec); err != nil {
		return 0, err
	}
	if dec.Structural() {
		ps.search.Apply(dec)
		points = ps.search.Points()
		labels := search.Labels(points)
		name := ps.param.Name
		if err := e.writeBracket(ctx, ps, points, e.Incumbent()); err != nil {
			return 0, fmt.Errorf("update bracket %s: %w", name, err)
		}
		var err error
		if runs, err = e.client.GetRuns(ctx, name, labels); err != nil {
			return 0, fmt.Errorf("get runs %s: %w", name, err)
		}
		// The comparisons are for the old points; new points start level.
		comp = ev.Compare(runs, labels, e.sc.TestConfig(), e.rng)
		incLabel = labelOf(points, ps.inc.Value)
		ps.sig = signature(labels, runs)
	}
	e.addInstances(ps, e.instIncr)
	return e.queueRuns(ctx, ps, ev, points, runs, comp, incLabel, dec.Weakness)
}

func (e *Engine) stepRace(ctx context.Context, ps *paramState, ev stats.Evaluator, dec search.Decision, points []gpsapi.Point, runs stats.PointRuns, comp stats.Comparison) (int, error) {
	if dec.Op == search.OpHold {
		return 0, nil
	}
	if !doneIterRuns(ev, runs, search.Labels(points), len(ps.instSet)) {
		return e.queueRuns(ctx, ps, ev, points, runs, comp, ps.inc.Label, nil)
	}
	if err := e.finishIteration(ctx, ps, dec); err != nil {
		return 0, err
	}
	e.addInstances(ps, e.instIncr)
	return e.queueRuns(ctx, ps, ev, points, runs, comp, ps.inc.Label, nil)
}

// writeBracket stores the bracket's points and configuration unless they
// are what was last written. Every write bumps the bracket key, which
// conflicts with in-flight dequeues and run reports on the parameter.
func (e *Engine) writeBracket(ctx context.Context, ps *paramState, points []gpsapi.Point, cfg gpsapi.Config) error {
	h := fnv.New64a()
	for _, p := range points {
		_, _ = h.Write([]byte(p.Label + "=" + p.Value.String() + ";"))
	}
	_, _ = h.Write([]byte(cfg.String()))
	sig := h.Sum64()
	if sig == ps.bracketSig {
		return nil
	}
	if err := e.client.UpdateBracket(ctx, ps.param.Name, string(ps.param.Kind), points, cfg); err != nil {
		return err
	}
	ps.bracketSig = sig
	return nil
}

// finishIteration counts an iteration and records its decision.
func (e *Engine) finishIteration(ctx context.Context, ps *paramState, dec search.Decision) error {
	if _, err := e.client.UpdateBudget(ctx, gpsapi.BudgetDelta{Iterations: 1}); err != nil {
		return fmt.Errorf("count iteration: %w", err)
	}
	e.mu.Lock()
	e.decisions++
	e.mu.Unlock()
	observability.Default.IncCounter("coordinator_decisions_total", map[string]string{"param": ps.param.Name, "op": string(dec.Op)}, 1)
	if e.opts.Writer != nil {
		entry := gpsapi.DecisionEntry{Param: ps.param.Name, Op: dec.String(), Time: e.opts.Now()}
		if err := e.opts.Writer.AppendDecision(entry); err != nil {
			log.Printf("append decision failed: %v", err)
		}
	}
	if dec.Structural() {
		log.Printf("bracket moved param=%s decision=%q", ps.param.Name, dec.String())
	}
	return nil
}

// checkDefault latches once any point of ps has a run and records the
// status of the default's run on the first instance pair.
func (e *Engine) checkDefault(ps *paramState, points []gpsapi.Point, runs stats.PointRuns) bool {
	seen := false
	for _, rs := range runs {
		if len(rs) > 0 {
			seen = true
			break
		}
	}
	if !seen {
		return false
	}
	first := gpsapi.InstanceSeed{Instance: e.instances[0], Seed: e.firstSeed}
	if label := labelOf(points, ps.param.Default); label != "" {
		if rec, ok := runs[label][first]; ok {
			ps.defaultStatus = rec.Status
			if rec.Status != gpsapi.StatusSuccess {
				log.Printf("default configuration failed its first run param=%s status=%s", ps.param.Name, rec.Status)
			}
		}
	}
	ps.finishedDefault = true
	return true
}

// defaultsFailed returns ErrDefaultFailed once the default's first run is
// known for every parameter and none succeeded.
func (e *Engine) defaultsFailed() error {
	for _, ps := range e.params {
		if ps.defaultStatus == "" || ps.defaultStatus == gpsapi.StatusSuccess {
			return nil
		}
	}
	last := e.params[len(e.params)-1]
	return fmt.Errorf("%w: params=%d status=%s", ErrDefaultFailed, len(e.params), last.defaultStatus)
}

func (e *Engine) evaluator(name string, cfg gpsapi.Config) stats.Evaluator {
	return stats.Evaluator{
		Param:     name,
		Incumbent: cfg,
		Space:     e.space,
		DecayRate: e.sc.Search.DecayRate,
		Cutoff:    e.sc.Cutoff,
	}
}

func (e *Engine) setIncumbent(name string, v gpsapi.Value) gpsapi.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incumbent[name] = v
	return e.incumbent.Clone()
}

func (e *Engine) setReason(r string) {
	e.mu.Lock()
	e.reason = r
	e.mu.Unlock()
}

// chargeOverhead charges the coordinator's CPU time since the last call and
// returns the budget.
func (e *Engine) chargeOverhead(ctx context.Context) (gpsapi.Budget, error) {
	var d float64
	if e.opts.Meter != nil {
		var err error
		if d, err = e.opts.Meter.Delta(ctx); err != nil {
			log.Printf("measure coordinator CPU failed: %v", err)
			d = 0
		}
	}
	if d <= 0 {
		return e.client.Budget(ctx)
	}
	return e.client.UpdateBudget(ctx, gpsapi.BudgetDelta{CPUTime: d})
}

func (e *Engine) traceIncumbent(cfg gpsapi.Config) {
	if e.opts.Writer == nil {
		return
	}
	if err := e.opts.Writer.AppendIncumbent(gpsapi.IncumbentTraceEntry{Time: e.opts.Now(), Config: cfg}); err != nil {
		log.Printf("append incumbent trace failed: %v", err)
	}
}

func (e *Engine) persist() {
	if e.opts.Writer == nil {
		return
	}
	if err := e.opts.Writer.WriteIncumbent(e.Incumbent()); err != nil {
		log.Printf("write incumbent failed: %v", err)
	}
}

func (e *Engine) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.SetEpoch(ctx, state.EpochStopped); err != nil {
		log.Printf("stop workers failed: %v", err)
	}
}

func (e *Engine) newSeed() int64 {
	return minSeed + e.rng.Int63n(seedRange)
}

func (e *Engine) debugf(format string, args ...any) {
	if e.opts.Verbose {
		log.Printf(format, args...)
	}
}

func labelOf(points []gpsapi.Point, v gpsapi.Value) string {
	for _, p := range points {
		if p.Value.Equal(v) {
			return p.Label
		}
	}
	return ""
}

// signature fingerprints the runs of labels, so an unchanged ledger can be
// skipped.
func signature(labels []string, runs stats.PointRuns) uint64 {
	h := fnv.New64a()
	for _, l := range labels {
		_, _ = h.Write([]byte(l))
		for _, k := range runs[l].Keys() {
			r := runs[l][k]
			_, _ = h.Write([]byte(k.Key()))
			_, _ = h.Write([]byte(r.Status))
			_, _ = h.Write([]byte(strconv.FormatFloat(r.Runtime, 'g', -1, 64)))
			_, _ = h.Write([]byte(r.Config.String()))
		}
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
