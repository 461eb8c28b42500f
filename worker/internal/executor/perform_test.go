package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/example/gps/pkg/gpsapi"
)

func fixed(res RunResult, seen *RunRequest) Runner {
	return FuncRunner(func(_ context.Context, req RunRequest) (RunResult, error) {
		if seen != nil {
			*seen = req
		}
		return res, nil
	})
}

func baseInput(cap float64) Input {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Input{
		Request: RunRequest{Instance: "i1", Seed: 1, Cutoff: 10},
		Cap:     cap,
		Budget:  gpsapi.Budget{StartTime: now},
		Now:     now,
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPerformRunZeroCapSkipsRunner(t *testing.T) {
	called := false
	r := FuncRunner(func(context.Context, RunRequest) (RunResult, error) {
		called = true
		return RunResult{}, nil
	})
	res := PerformRun(context.Background(), r, baseInput(0))
	if called {
		t.Fatalf("runner called with a zero cap")
	}
	if res.Status != gpsapi.StatusAdaptiveCapTimeout || res.Runtime != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.TimeSpent != 0 || res.Discard {
		t.Fatalf("zero cap run must cost nothing and be kept: %+v", res)
	}
}

func TestPerformRunClassifiesOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		cap     float64
		out     RunResult
		status  gpsapi.Status
		runtime float64
		spent   float64
	}{
		{"success", 10, RunResult{Outcome: OutcomeSuccess, Runtime: 2}, gpsapi.StatusSuccess, 2, 2},
		{"success over adaptive cap", 4, RunResult{Outcome: OutcomeSuccess, Runtime: 5}, gpsapi.StatusAdaptiveCapTimeout, 100, 5},
		{"success over cutoff", 10, RunResult{Outcome: OutcomeSuccess, Runtime: 11}, gpsapi.StatusCutoffTimeout, 100, 11},
		{"timeout under adaptive cap", 4, RunResult{Outcome: OutcomeTimeout, Runtime: math.Inf(1)}, gpsapi.StatusAdaptiveCapTimeout, 100, 4},
		{"timeout at cutoff", 10, RunResult{Outcome: OutcomeTimeout, Runtime: math.Inf(1)}, gpsapi.StatusCutoffTimeout, 100, 10},
		{"crash with runtime", 10, RunResult{Outcome: OutcomeCrashed, Runtime: 1.5}, gpsapi.StatusCrashed, 100, 1.5},
		{"crash without runtime", 6, RunResult{Outcome: OutcomeCrashed, Runtime: math.Inf(1)}, gpsapi.StatusCrashed, 100, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen RunRequest
			res := PerformRun(context.Background(), fixed(tc.out, &seen), baseInput(tc.cap))
			if res.Status != tc.status {
				t.Fatalf("status %s, want %s", res.Status, tc.status)
			}
			if !near(res.Runtime, tc.runtime) || !near(res.TimeSpent, tc.spent) {
				t.Fatalf("runtime=%v spent=%v, want %v and %v", res.Runtime, res.TimeSpent, tc.runtime, tc.spent)
			}
			if !near(seen.Cutoff, tc.cap) {
				t.Fatalf("runner cutoff %v, want %v", seen.Cutoff, tc.cap)
			}
			if res.Discard {
				t.Fatalf("run discarded: %+v", res)
			}
		})
	}
}

func TestPerformRunRunnerErrorIsCrash(t *testing.T) {
	r := FuncRunner(func(context.Context, RunRequest) (RunResult, error) {
		return RunResult{}, errors.New("exec: not found")
	})
	res := PerformRun(context.Background(), r, baseInput(3))
	if res.Status != gpsapi.StatusCrashed || !near(res.TimeSpent, 3) {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Misc, "exec: not found") {
		t.Fatalf("misc lost the runner error: %q", res.Misc)
	}
}

func TestPerformRunBudgetCapTakesPriority(t *testing.T) {
	in := baseInput(4)
	// 8s of a 10s wall budget are gone, so only 2s remain for a 4s cap.
	in.Budget.WallClockLimit = 10
	in.Now = in.Budget.StartTime.Add(8 * time.Second)
	var seen RunRequest
	res := PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeTimeout, Runtime: math.Inf(1)}, &seen), in)

	if !near(seen.Cutoff, 2) {
		t.Fatalf("runner cutoff %v, want 2", seen.Cutoff)
	}
	if res.Status != gpsapi.StatusBudgetTimeout || res.CapType != CapBudget || !res.Discard {
		t.Fatalf("unexpected result %+v", res)
	}
	before := in.Budget.TotalCPUTime
	after := in.Budget.Add(gpsapi.BudgetDelta{CPUTime: res.TimeSpent, Runs: 1})
	if after.TotalCPUTime-before > 2 {
		t.Fatalf("run charged %v, more than the 2s left", after.TotalCPUTime-before)
	}
}

func TestPerformRunCPUBudget(t *testing.T) {
	in := baseInput(10)
	in.Budget.CPUTimeLimit = 100
	in.Budget.TotalCPUTime = 97
	var seen RunRequest
	res := PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeSuccess, Runtime: 1}, &seen), in)
	if !near(seen.Cutoff, 3) {
		t.Fatalf("runner cutoff %v, want 3", seen.Cutoff)
	}
	if res.Status != gpsapi.StatusSuccess || res.Discard {
		t.Fatalf("unexpected result %+v", res)
	}

	in.Budget.TotalCPUTime = 100
	res = PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeSuccess, Runtime: 1}, nil), in)
	if res.Status != gpsapi.StatusBudgetTimeout || res.TimeSpent != 0 || !res.Discard {
		t.Fatalf("exhausted CPU budget must discard without running: %+v", res)
	}
}

func TestPerformRunTakesTightestBudget(t *testing.T) {
	cases := []struct {
		name    string
		elapsed time.Duration
		cpuUsed float64
		want    float64
	}{
		// 5s of wall clock and 1s of CPU left: CPU binds.
		{"cpu tighter than wall clock", 95 * time.Second, 99, 1},
		// 1s of wall clock and 5s of CPU left: wall clock binds.
		{"wall clock tighter than cpu", 99 * time.Second, 95, 1},
		{"both looser than the cap", 10 * time.Second, 10, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput(10)
			in.Budget.WallClockLimit = 100
			in.Budget.CPUTimeLimit = 100
			in.Budget.TotalCPUTime = tc.cpuUsed
			in.Now = in.Budget.StartTime.Add(tc.elapsed)
			var seen RunRequest
			res := PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeTimeout, Runtime: math.Inf(1)}, &seen), in)
			if !near(seen.Cutoff, tc.want) {
				t.Fatalf("runner cutoff %v, want %v", seen.Cutoff, tc.want)
			}
			if res.TimeSpent > tc.want {
				t.Fatalf("run charged %v past the %v left", res.TimeSpent, tc.want)
			}
			wantBudget := tc.want < 10
			if (res.CapType == CapBudget) != wantBudget {
				t.Fatalf("cap type %s, budget bound=%v", res.CapType, wantBudget)
			}
		})
	}
}

func TestPerformRunQualityObjective(t *testing.T) {
	in := baseInput(2)
	in.Quality = true
	in.QualityPenalty = 1e6
	var seen RunRequest
	res := PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeSuccess, Runtime: 8, Quality: 0.25}, &seen), in)
	// adaptive capping is off, so the runner gets the full cutoff
	if !near(seen.Cutoff, 10) {
		t.Fatalf("runner cutoff %v, want 10", seen.Cutoff)
	}
	if res.Status != gpsapi.StatusSuccess || !near(res.Runtime, 0.25) || !near(res.TimeSpent, 8) {
		t.Fatalf("unexpected result %+v", res)
	}

	res = PerformRun(context.Background(), fixed(RunResult{Outcome: OutcomeCrashed, Runtime: 1, Quality: math.Inf(1)}, nil), in)
	if res.Status != gpsapi.StatusCrashed || !near(res.Runtime, 1e6) || !near(res.Quality, 1e6) {
		t.Fatalf("crashed quality run must get the penalty: %+v", res)
	}
}
