package gpsapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusSuccess            Status = "SUCCESS"
	StatusCutoffTimeout      Status = "CUTOFF-TIMEOUT"
	StatusAdaptiveCapTimeout Status = "ADAPTIVE-CAP-TIMEOUT"
	StatusBudgetTimeout      Status = "BUDGET-TIMEOUT"
	StatusCrashed            Status = "CRASHED"
)

// PenaltyFactor scales the cutoff to give the PAR10 statistic of an
// unsuccessful run.
const PenaltyFactor = 10

type InstanceSeed struct {
	Instance string `json:"instance"`
	Seed     int64  `json:"seed"`
}

func (is InstanceSeed) Key() string {
	return is.Instance + "#" + strconv.FormatInt(is.Seed, 10)
}

type Task struct {
	Param    string `json:"param"`
	Value    Value  `json:"value"`
	Instance string `json:"instance"`
	Seed     int64  `json:"seed"`
}

func (t Task) InstanceSeed() InstanceSeed {
	return InstanceSeed{Instance: t.Instance, Seed: t.Seed}
}

// Key identifies a task. Two tasks with equal keys are the same unit of work.
func (t Task) Key() string {
	return strings.Join([]string{t.Param, t.Value.String(), t.Instance, strconv.FormatInt(t.Seed, 10)}, "|")
}

func (t Task) String() string {
	return fmt.Sprintf("param=%s value=%s instance=%s seed=%d", t.Param, t.Value, t.Instance, t.Seed)
}

type RunRecord struct {
	Param       string    `json:"param"`
	Instance    string    `json:"instance"`
	Seed        int64     `json:"seed"`
	Status      Status    `json:"status"`
	Runtime     float64   `json:"runtime"`
	Quality     float64   `json:"quality"`
	Config      Config    `json:"config"`
	AdaptiveCap float64   `json:"adaptive_cap"`
	Worker      string    `json:"worker,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

func (r RunRecord) InstanceSeed() InstanceSeed {
	return InstanceSeed{Instance: r.Instance, Seed: r.Seed}
}

type Lease struct {
	Task      Task      `json:"task"`
	Worker    string    `json:"worker"`
	Cap       float64   `json:"cap"`
	StartedAt time.Time `json:"started_at"`
}

// Point is a labelled candidate value of one parameter.
type Point struct {
	Label string `json:"label"`
	Value Value  `json:"value"`
}

type BracketState struct {
	Param  string   `json:"param"`
	Kind   string   `json:"kind"`
	Labels []string `json:"labels"`
	Values []Value  `json:"values"`
	Config Config   `json:"config"`
}

func (b BracketState) Points() []Point {
	out := make([]Point, len(b.Labels))
	for i, l := range b.Labels {
		out[i] = Point{Label: l, Value: b.Values[i]}
	}
	return out
}

// Label returns the label of the point holding v.
func (b BracketState) Label(v Value) (string, bool) {
	for i, pv := range b.Values {
		if pv.Equal(v) {
			return b.Labels[i], true
		}
	}
	return "", false
}

type Budget struct {
	WallClockLimit  float64   `json:"wall_clock_limit"`
	CPUTimeLimit    float64   `json:"cpu_time_limit"`
	RunCountLimit   int64     `json:"run_count_limit"`
	StartTime       time.Time `json:"start_time"`
	TotalCPUTime    float64   `json:"total_cpu_time"`
	TotalRuns       int64     `json:"total_runs"`
	TotalIterations int64     `json:"total_iterations"`
}

type BudgetDelta struct {
	CPUTime    float64
	Runs       int64
	Iterations int64
}

func (b Budget) Elapsed(now time.Time) float64 {
	return now.Sub(b.StartTime).Seconds()
}

// Exhausted reports whether any limit has been reached. A non-positive
// limit means unlimited.
func (b Budget) Exhausted(now time.Time) (bool, string) {
	switch {
	case b.WallClockLimit > 0 && b.Elapsed(now) >= b.WallClockLimit:
		return true, "wall clock budget exhausted"
	case b.CPUTimeLimit > 0 && b.TotalCPUTime >= b.CPUTimeLimit:
		return true, "CPU budget exhausted"
	case b.RunCountLimit > 0 && b.TotalRuns >= b.RunCountLimit:
		return true, "run budget exhausted"
	}
	return false, ""
}

func (b Budget) Add(d BudgetDelta) Budget {
	if d.CPUTime > 0 {
		b.TotalCPUTime += d.CPUTime
	}
	if d.Runs > 0 {
		b.TotalRuns += d.Runs
	}
	if d.Iterations > 0 {
		b.TotalIterations += d.Iterations
	}
	return b
}

type Incumbent struct {
	Param          string         `json:"param"`
	Value          Value          `json:"value"`
	Label          string         `json:"label,omitempty"`
	RunEquivalents float64        `json:"run_equivalents"`
	Estimate       float64        `json:"estimate"`
	Instances      []InstanceSeed `json:"instances,omitempty"`
}

type QueueState struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	InstIncr int `json:"inst_incr,omitempty"`
}

type WorkerStatus struct {
	WorkerID   string    `json:"worker_id"`
	Host       string    `json:"host"`
	Running    int       `json:"running"`
	Completed  int64     `json:"completed"`
	CPUUtil    float64   `json:"cpu_utilization"`
	MemoryUtil float64   `json:"memory_utilization"`
	LastSeen   time.Time `json:"last_seen"`
}

type IncumbentTraceEntry struct {
	Time   time.Time `json:"time"`
	Config Config    `json:"config"`
}

type DecisionEntry struct {
	Param string    `json:"param"`
	Op    string    `json:"op"`
	Time  time.Time `json:"time"`
}

type RunTraceEntry struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Task        Task      `json:"task"`
	Config      Config    `json:"config"`
	Status      Status    `json:"status"`
	Runtime     float64   `json:"runtime"`
	Quality     float64   `json:"quality"`
	AdaptiveCap float64   `json:"adaptive_cap"`
	Misc        string    `json:"misc,omitempty"`
}
