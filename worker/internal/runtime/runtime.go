package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/procstat"
	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/state"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/internal/trace"
	"github.com/example/gps/pkg/gpsapi"
	"github.com/example/gps/worker/internal/config"
	"github.com/example/gps/worker/internal/executor"
	"github.com/example/gps/worker/internal/heartbeat"
	"github.com/example/gps/worker/internal/telemetry"
)

// overheadInterval is how often the worker charges its own CPU time to the
// budget.
const overheadInterval = 5 * time.Second

type Runtime struct {
	cfg    config.Config
	sc     scenario.Scenario
	space  *space.Space
	client *state.Client
	runner executor.Runner
	hb     *heartbeat.Client
	tel    telemetry.Client
	trace  *trace.RunTrace
	meter  *procstat.Meter
	rng    *rand.Rand

	completed    int64
	lastOverhead time.Time
	reason       string
}

func New(cfg config.Config, sc scenario.Scenario, sp *space.Space, client *state.Client, runner executor.Runner, hb *heartbeat.Client, tel telemetry.Client) *Runtime {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Runtime{
		cfg:    cfg,
		sc:     sc,
		space:  sp,
		client: client,
		runner: runner,
		hb:     hb,
		tel:    tel,
		rng:    rand.New(rand.NewSource(SeedFor(sc.Search.Seed, cfg.WorkerID))),
	}
}

// SeedFor derives a worker's random stream from the scenario seed and its
// id. A negative scenario seed means unseeded.
func SeedFor(seed int64, workerID string) int64 {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(workerID))
	return seed + int64(h.Sum64()>>1)
}

// WithTrace makes the worker append every finished run to rt.
func (r *Runtime) WithTrace(rt *trace.RunTrace) *Runtime {
	r.trace = rt
	return r
}

// WithMeter charges the worker's own CPU time to the budget.
func (r *Runtime) WithMeter(m *procstat.Meter) *Runtime {
	r.meter = m
	return r
}

// StopReason explains why the last Run returned.
func (r *Runtime) StopReason() string { return r.reason }

// Run executes tasks until the run epoch changes, the budget is exhausted
// or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context, epoch string) error {
	if r.hb != nil {
		hbCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go r.hb.Start(hbCtx)
	}
	r.lastOverhead = time.Now()
	log.Printf("worker started worker_id=%s epoch=%s", r.cfg.WorkerID, epoch)
	for {
		if ctx.Err() != nil {
			r.reason = "worker cancelled"
			break
		}
		stop, err := r.Step(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil {
				r.reason = "worker cancelled"
				break
			}
			log.Printf("worker step failed worker_id=%s: %v", r.cfg.WorkerID, err)
			r.sleep(ctx)
			continue
		}
		if stop != "" {
			r.reason = stop
			break
		}
	}
	log.Printf("reason for stopping: %s worker_id=%s completed=%d", r.reason, r.cfg.WorkerID, r.completed)
	return nil
}

// Step runs at most one task. It returns a non-empty reason when the worker
// should stop.
func (r *Runtime) Step(ctx context.Context, epoch string) (string, error) {
	a, ok, err := r.client.Dequeue(ctx, r.cfg.WorkerID, r.capFunc())
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		if r.cfg.Verbose {
			log.Printf("queue empty worker_id=%s", r.cfg.WorkerID)
		}
		r.sleep(ctx)
		return r.checkDone(ctx, epoch, nil)
	}
	if a.Epoch != epoch {
		_ = r.client.ReleaseLease(ctx, a.Task)
		return "run epoch changed", nil
	}

	budget, err := r.execute(ctx, epoch, a)
	if err != nil {
		return "", err
	}
	return r.checkDone(ctx, epoch, &budget)
}

func (r *Runtime) execute(ctx context.Context, epoch string, a state.Assignment) (gpsapi.Budget, error) {
	t := a.Task
	ctx, span := observability.StartSpan(ctx, "worker.run",
		append(observability.TaskAttributes(t.Param, t.Value.String(), t.Instance, t.Seed),
			attribute.String("gps.worker", r.cfg.WorkerID),
			attribute.Float64("gps.cap", a.Cap))...)
	defer span.End()

	r.hb.SetStats(1, r.completed)
	cfg := r.space.HandleInactive(a.Config(), t.Param)
	res := executor.PerformRun(ctx, r.runner, executor.Input{
		Request: executor.RunRequest{
			Config:            cfg,
			Instance:          t.Instance,
			InstanceSpecifics: "0",
			Seed:              t.Seed,
			Cutoff:            r.sc.Cutoff,
			RunLength:         r.sc.RunLength,
			RunID:             fmt.Sprintf("%016x", r.rng.Uint64()),
		},
		Cap:            a.Cap,
		Budget:         a.Budget,
		Now:            time.Now().UTC(),
		Quality:        r.sc.Search.Objective == scenario.ObjectiveQuality,
		QualityPenalty: r.sc.Search.QualityPenalty,
	})
	r.completed++
	r.hb.SetStats(0, r.completed)
	span.SetAttributes(attribute.String("gps.status", string(res.Status)))
	r.tel.Incr("worker_runs_total", map[string]string{"status": string(res.Status)})
	r.tel.Observe("run_seconds", res.TimeSpent)
	if r.cfg.Verbose {
		log.Printf("run finished worker_id=%s task=%q status=%s runtime=%g cap=%g misc=%q",
			r.cfg.WorkerID, t.Key(), res.Status, res.Runtime, res.Cap, res.Misc)
	}

	if res.Discard {
		if err := r.client.ReleaseLease(ctx, t); err != nil {
			log.Printf("release lease failed task=%q: %v", t.Key(), err)
		}
	} else {
		rec := gpsapi.RunRecord{
			Status:      res.Status,
			Runtime:     res.Runtime,
			Quality:     res.Quality,
			Config:      cfg,
			AdaptiveCap: a.Cap,
			Worker:      r.cfg.WorkerID,
			FinishedAt:  res.End,
		}
		stored, err := r.client.AddRun(ctx, epoch, t, rec)
		if err != nil {
			return gpsapi.Budget{}, fmt.Errorf("add run: %w", err)
		}
		if !stored && r.cfg.Verbose {
			log.Printf("run dropped worker_id=%s task=%q", r.cfg.WorkerID, t.Key())
		}
	}

	if r.trace != nil {
		if err := r.trace.Append(gpsapi.RunTraceEntry{
			Start:       res.Start,
			End:         res.End,
			Task:        t,
			Config:      cfg,
			Status:      res.Status,
			Runtime:     res.Runtime,
			Quality:     res.Quality,
			AdaptiveCap: a.Cap,
			Misc:        res.Misc,
		}); err != nil {
			log.Printf("run trace append failed: %v", err)
		}
	}

	delta := gpsapi.BudgetDelta{CPUTime: res.TimeSpent + r.overhead(ctx), Runs: 1}
	b, err := r.client.UpdateBudget(ctx, delta)
	if err != nil {
		return gpsapi.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

func (r *Runtime) overhead(ctx context.Context) float64 {
	if r.meter == nil || time.Since(r.lastOverhead) < overheadInterval {
		return 0
	}
	r.lastOverhead = time.Now()
	d, err := r.meter.Delta(ctx)
	if err != nil {
		return 0
	}
	return d
}

func (r *Runtime) checkDone(ctx context.Context, epoch string, b *gpsapi.Budget) (string, error) {
	cur, err := r.client.Epoch(ctx)
	if err != nil {
		return "", fmt.Errorf("read epoch: %w", err)
	}
	if cur != epoch {
		return "run epoch changed", nil
	}
	if b == nil {
		budget, err := r.client.Budget(ctx)
		if err != nil {
			return "", fmt.Errorf("read budget: %w", err)
		}
		b = &budget
	}
	if done, why := b.Exhausted(time.Now().UTC()); done {
		return why, nil
	}
	return "", nil
}

func (r *Runtime) capFunc() state.CapFunc {
	quality := r.sc.Search.Objective == scenario.ObjectiveQuality
	bound := r.sc.Bound()
	return func(br gpsapi.BracketState, runs stats.PointRuns, label string, t gpsapi.Task) float64 {
		if quality {
			return r.sc.Cutoff
		}
		ev := stats.Evaluator{
			Param:     t.Param,
			Incumbent: br.Config,
			Space:     r.space,
			DecayRate: r.sc.Search.DecayRate,
			Cutoff:    r.sc.Cutoff,
		}
		return ev.AdaptiveCap(runs, label, t.InstanceSeed(), bound)
	}
}

func (r *Runtime) sleep(ctx context.Context) {
	d := r.sc.Sleep()
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
