package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

func bracketPoints(vals ...float64) []gpsapi.Point {
	labels := []string{"a", "b", "c", "d"}
	out := make([]gpsapi.Point, len(vals))
	for i, v := range vals {
		out[i] = gpsapi.Point{Label: labels[i], Value: gpsapi.Num(v)}
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *MemoryStore) {
	t.Helper()
	m := NewMemoryStore()
	c := NewClient(m, "gps-test", "run")
	ctx := context.Background()
	if err := c.UpdateBracket(ctx, "x", "real", bracketPoints(0, 20, 5, 10), gpsapi.Config{"y": gpsapi.Num(1)}); err != nil {
		t.Fatalf("update bracket: %v", err)
	}
	if err := c.InitBudget(ctx, gpsapi.Budget{RunCountLimit: 100}); err != nil {
		t.Fatalf("init budget: %v", err)
	}
	if err := c.SetEpoch(ctx, "e1"); err != nil {
		t.Fatalf("set epoch: %v", err)
	}
	return c, m
}

func fixedCap(v float64) CapFunc {
	return func(gpsapi.BracketState, stats.PointRuns, string, gpsapi.Task) float64 { return v }
}

func TestEnqueueAllSkipsQueuedTasks(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	t1 := gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i1", Seed: 1}
	t2 := gpsapi.Task{Param: "x", Value: gpsapi.Num(10), Instance: "i1", Seed: 1}

	n, err := c.EnqueueAll(ctx, []gpsapi.Task{t1, t2, t1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tasks added, got %d", n)
	}
	n, err = c.EnqueueAll(ctx, []gpsapi.Task{t2})
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected duplicate to be skipped, got %d added", n)
	}
	qs, err := c.QueueState(ctx)
	if err != nil {
		t.Fatalf("queue state: %v", err)
	}
	if qs.Queued != 2 || qs.Running != 0 {
		t.Fatalf("unexpected queue state %+v", qs)
	}
}

func TestDequeueLeasesTaskAndDropsStalePoints(t *testing.T) {
	observability.Default.Reset()
	c, _ := newTestClient(t)
	ctx := context.Background()
	stale := gpsapi.Task{Param: "x", Value: gpsapi.Num(7), Instance: "i1", Seed: 1}
	live := gpsapi.Task{Param: "x", Value: gpsapi.Num(10), Instance: "i1", Seed: 1}
	if _, err := c.EnqueueAll(ctx, []gpsapi.Task{stale, live}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var gotLabel string
	capFn := func(br gpsapi.BracketState, runs stats.PointRuns, label string, _ gpsapi.Task) float64 {
		gotLabel = label
		if len(runs) != 4 {
			t.Errorf("cap function expected runs of all 4 points, got %d", len(runs))
		}
		return 3
	}
	a, ok, err := c.Dequeue(ctx, "w1", capFn)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if a.Task.Key() != live.Key() || a.Label != "d" || gotLabel != "d" {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if a.Cap != 3 || a.Epoch != "e1" || a.Budget.RunCountLimit != 100 {
		t.Fatalf("assignment misses cap, epoch or budget: %+v", a)
	}
	if cfg := a.Config(); !cfg["x"].Equal(gpsapi.Num(10)) || !cfg["y"].Equal(gpsapi.Num(1)) {
		t.Fatalf("unexpected run config %v", cfg)
	}
	lease, err := c.Lease(ctx, live)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if lease.Worker != "w1" || lease.Cap != 3 {
		t.Fatalf("unexpected lease %+v", lease)
	}

	_, ok, err = c.Dequeue(ctx, "w1", capFn)
	if err != nil || ok {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
	var discarded float64
	for _, p := range observability.Default.Snapshot().Counters {
		if p.Name == "tasks_discarded_total" {
			discarded += p.Value
		}
	}
	if discarded != 1 {
		t.Fatalf("expected 1 discarded task, got %v", discarded)
	}
}

func TestDequeueDoesNotConflictWithBudgetUpdates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	task := gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i1", Seed: 1}
	if _, err := c.EnqueueAll(ctx, []gpsapi.Task{task}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Another worker charges the budget while this dequeue is in flight.
	calls := 0
	capFn := func(gpsapi.BracketState, stats.PointRuns, string, gpsapi.Task) float64 {
		calls++
		if calls == 1 {
			if _, err := c.UpdateBudget(ctx, gpsapi.BudgetDelta{Runs: 1}); err != nil {
				t.Errorf("update budget: %v", err)
			}
		}
		return 2
	}
	a, ok, err := c.Dequeue(ctx, "w1", capFn)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("dequeue retried %d times after a budget update", calls-1)
	}
	if a.Budget.TotalRuns != 1 || a.Epoch != "e1" {
		t.Fatalf("assignment misses the current budget or epoch: %+v", a)
	}
}

func TestLeaseExpiresAfterTwiceTheCap(t *testing.T) {
	c, m := newTestClient(t)
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }
	task := gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i1", Seed: 1}
	if _, err := c.EnqueueAll(ctx, []gpsapi.Task{task}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := c.Dequeue(ctx, "w1", fixedCap(5)); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	qs, _ := c.QueueState(ctx)
	if qs.Running != 1 {
		t.Fatalf("expected 1 running task, got %+v", qs)
	}
	now = now.Add(9 * time.Second)
	if qs, _ = c.QueueState(ctx); qs.Running != 1 {
		t.Fatalf("lease expired early: %+v", qs)
	}
	now = now.Add(2 * time.Second)
	if qs, _ = c.QueueState(ctx); qs.Running != 0 {
		t.Fatalf("lease did not expire: %+v", qs)
	}
	if got := LeaseTTL(0); got != time.Second {
		t.Fatalf("expected 1s lease floor, got %s", got)
	}
}

func TestReleaseLease(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	task := gpsapi.Task{Param: "x", Value: gpsapi.Num(10), Instance: "i2", Seed: 3}
	if _, err := c.EnqueueAll(ctx, []gpsapi.Task{task}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := c.Dequeue(ctx, "w1", fixedCap(2)); err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := c.ReleaseLease(ctx, task); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := c.Lease(ctx, task); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lease to be gone, got %v", err)
	}
}

func TestAddRunHonoursEpochAndBracket(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	task := gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i1", Seed: 1}
	rec := gpsapi.RunRecord{Status: gpsapi.StatusSuccess, Runtime: 1.5}

	stored, err := c.AddRun(ctx, "old", task, rec)
	if err != nil || stored {
		t.Fatalf("run from an old epoch was stored: stored=%v err=%v", stored, err)
	}
	stored, err = c.AddRun(ctx, "e1", task, rec)
	if err != nil || !stored {
		t.Fatalf("run was not stored: stored=%v err=%v", stored, err)
	}
	runs, err := c.GetRuns(ctx, "x", []string{"c"})
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	got, ok := runs["c"][gpsapi.InstanceSeed{Instance: "i1", Seed: 1}]
	if !ok || got.Runtime != 1.5 || got.Param != "x" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	gone := gpsapi.Task{Param: "x", Value: gpsapi.Num(7), Instance: "i1", Seed: 1}
	if stored, err = c.AddRun(ctx, "e1", gone, rec); err != nil || stored {
		t.Fatalf("run of a value outside the bracket was stored: stored=%v err=%v", stored, err)
	}
}

func TestUpdateBracketCarriesRunsByValue(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rec := gpsapi.RunRecord{Status: gpsapi.StatusSuccess, Runtime: 1}
	for _, v := range []float64{0, 20, 5, 10} {
		task := gpsapi.Task{Param: "x", Value: gpsapi.Num(v), Instance: "i1", Seed: 1}
		rec.Runtime = v
		if _, err := c.AddRun(ctx, "e1", task, rec); err != nil {
			t.Fatalf("add run: %v", err)
		}
	}
	// shrink toward c: the old c becomes d, the old d becomes b
	if err := c.UpdateBracket(ctx, "x", "real", bracketPoints(0, 10, 3, 5), gpsapi.Config{}); err != nil {
		t.Fatalf("update bracket: %v", err)
	}
	runs, err := c.GetRuns(ctx, "x", []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	is := gpsapi.InstanceSeed{Instance: "i1", Seed: 1}
	if runs["a"][is].Runtime != 0 || runs["b"][is].Runtime != 10 || runs["d"][is].Runtime != 5 {
		t.Fatalf("runs did not follow their values: %+v", runs)
	}
	if len(runs["c"]) != 0 {
		t.Fatalf("new point inherited runs: %+v", runs["c"])
	}

	alive, active, err := c.Alive(ctx, "x", bracketPoints(0, 10, 3, 5))
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	done := gpsapi.Task{Param: "x", Value: gpsapi.Num(10), Instance: "i1", Seed: 1}
	if !alive[done.Key()] || active[done.Key()] {
		t.Fatalf("completed task should be alive but not active: alive=%v active=%v", alive, active)
	}
}

func TestAtMostOneActiveTaskPerKey(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	tasks := make([]gpsapi.Task, 0, 40)
	for i := 0; i < 20; i++ {
		tasks = append(tasks,
			gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i", Seed: int64(i)},
			gpsapi.Task{Param: "x", Value: gpsapi.Num(10), Instance: "i", Seed: int64(i)},
		)
	}
	if _, err := c.EnqueueAll(ctx, tasks); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seen := sync.Map{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				a, ok, err := c.Dequeue(ctx, worker, fixedCap(1))
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if !ok {
					return
				}
				if _, loaded := seen.LoadOrStore(a.Task.Key(), true); loaded {
					t.Errorf("task %s handed out twice", a.Task.Key())
				}
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	count := 0
	seen.Range(func(any, any) bool { count++; return true })
	if count != len(tasks) {
		t.Fatalf("expected %d tasks handed out, got %d", len(tasks), count)
	}
}

func TestBudgetTotalsAreMonotoneUnderContention(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(-1)
			for i := 0; i < 25; i++ {
				b, err := c.UpdateBudget(ctx, gpsapi.BudgetDelta{CPUTime: 0.5, Runs: 1})
				if err != nil {
					t.Errorf("update budget: %v", err)
					return
				}
				if b.TotalRuns <= last {
					t.Errorf("total runs went from %d to %d", last, b.TotalRuns)
				}
				last = b.TotalRuns
			}
		}()
	}
	wg.Wait()
	b, err := c.Budget(ctx)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if b.TotalRuns != 200 || b.TotalCPUTime != 100 {
		t.Fatalf("unexpected totals %+v", b)
	}
	if done, why := b.Exhausted(time.Now()); !done || why != "run budget exhausted" {
		t.Fatalf("expected run budget to be exhausted, got %v %q", done, why)
	}
}

func TestWorkersListsLiveHeartbeats(t *testing.T) {
	c, m := newTestClient(t)
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }
	if err := c.Heartbeat(ctx, gpsapi.WorkerStatus{WorkerID: "w2", Host: "h"}, time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := c.Heartbeat(ctx, gpsapi.WorkerStatus{WorkerID: "w1", Host: "h"}, time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	ws, err := c.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(ws) != 2 || ws[0].WorkerID != "w1" {
		t.Fatalf("unexpected workers %+v", ws)
	}
	now = now.Add(2 * time.Second)
	if ws, _ = c.Workers(ctx); len(ws) != 1 {
		t.Fatalf("expired heartbeat still listed: %+v", ws)
	}
}

func TestIncumbentAndQueueStateRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	if _, err := c.Incumbent(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.SaveIncumbent(ctx, gpsapi.Incumbent{Param: "x", Value: gpsapi.Num(5), Label: "c"}); err != nil {
		t.Fatalf("save incumbent: %v", err)
	}
	inc, err := c.Incumbent(ctx, "x")
	if err != nil || inc.Label != "c" {
		t.Fatalf("incumbent: %+v %v", inc, err)
	}
	if err := c.SaveQueueState(ctx, gpsapi.QueueState{Queued: 3, Running: 1, InstIncr: 2}); err != nil {
		t.Fatalf("save queue state: %v", err)
	}
	if qs, err := c.LastQueueState(ctx); err != nil || qs.InstIncr != 2 {
		t.Fatalf("last queue state: %+v %v", qs, err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := c.Bracket(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected reset to clear the bracket, got %v", err)
	}
}

func TestDecodeRejectsForeignEnvelopes(t *testing.T) {
	raw, err := encode(schemaBudget, gpsapi.Budget{TotalRuns: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var b gpsapi.Budget
	if err := decode(raw, schemaBudget, &b); err != nil || b.TotalRuns != 3 {
		t.Fatalf("decode: %+v %v", b, err)
	}
	if err := decode(raw, schemaQueue, &b); err == nil {
		t.Fatal("expected schema mismatch error")
	}
	if err := decode([]byte(`{"schema":"budget","v":2,"data":{}}`), schemaBudget, &b); err == nil {
		t.Fatal("expected version error")
	}
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	m := NewMemoryStore()
	m.retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}
	observability.Default.Reset()
	err := m.Update(context.Background(), "conflict", []string{"k"}, func(tx *Tx) error {
		// a concurrent writer bumps the watched key before every commit
		m.mu.Lock()
		m.seq++
		m.data["k"] = memEntry{value: []byte("x"), version: m.seq}
		m.mu.Unlock()
		tx.Put("k", []byte("y"), 0)
		return nil
	})
	if !errors.Is(err, ErrTooManyConflicts) {
		t.Fatalf("expected ErrTooManyConflicts, got %v", err)
	}
	var conflicts float64
	for _, p := range observability.Default.Snapshot().Counters {
		if p.Name == "store_txn_conflicts_total" {
			conflicts += p.Value
		}
	}
	if conflicts != 3 {
		t.Fatalf("expected 3 conflicts counted, got %v", conflicts)
	}
}
