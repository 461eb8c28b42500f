package executor

import (
	"context"
	"math"
	"time"

	"github.com/example/gps/pkg/gpsapi"
)

// CapType names what bounded a run's effective cutoff.
type CapType string

const (
	CapRegular  CapType = "regular"
	CapAdaptive CapType = "adaptive"
	CapBudget   CapType = "budget"
)

type Input struct {
	// Request.Cutoff is the nominal cutoff. The runner sees the effective
	// one.
	Request RunRequest
	Cap     float64
	Budget  gpsapi.Budget
	Now     time.Time

	Quality        bool
	QualityPenalty float64
}

type Result struct {
	Status gpsapi.Status
	// Runtime is the statistic to store: the PAR10 runtime, or the quality
	// under the quality objective.
	Runtime float64
	Quality float64
	// TimeSpent is charged to the CPU budget.
	TimeSpent float64
	Cap       float64
	CapType   CapType
	// Discard is set for runs stopped by the configuration budget. They are
	// not evidence about the point.
	Discard bool
	Misc    string
	Start   time.Time
	End     time.Time
}

// PerformRun executes one run under the tighter of its adaptive cap, the
// cutoff and the remaining budget, and classifies the outcome.
func PerformRun(ctx context.Context, r Runner, in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := in.Request.Cutoff
	penalty := gpsapi.PenaltyFactor * cutoff
	capLimit := in.Cap
	if in.Quality {
		capLimit = cutoff
	}
	res := Result{Cap: capLimit, Start: now, End: now, Quality: in.QualityPenalty}

	if capLimit <= 0 {
		res.Status = gpsapi.StatusAdaptiveCapTimeout
		res.CapType = CapAdaptive
		res.Runtime = penalty
		res.Misc = "adaptive cap is zero"
		return finish(res, in)
	}

	res.CapType = CapRegular
	if capLimit < cutoff {
		res.CapType = CapAdaptive
	}
	effective := capLimit
	b := in.Budget
	if b.WallClockLimit > 0 {
		if left := b.WallClockLimit - b.Elapsed(now); left < effective {
			effective = left
			res.CapType = CapBudget
		}
	}
	if b.CPUTimeLimit > 0 {
		if left := b.CPUTimeLimit - b.TotalCPUTime; left < effective {
			effective = left
			res.CapType = CapBudget
		}
	}
	if res.CapType == CapBudget && effective <= 0 {
		res.Status = gpsapi.StatusBudgetTimeout
		res.Runtime = penalty
		res.Misc = "configuration budget exhausted before the run"
		res.Discard = true
		return finish(res, in)
	}
	res.Cap = effective

	req := in.Request
	req.Cutoff = effective
	began := time.Now()
	out, err := r.Run(ctx, req)
	res.End = res.Start.Add(time.Since(began))
	if err != nil {
		out = RunResult{Outcome: OutcomeCrashed, Runtime: math.Inf(1), Quality: math.Inf(1), Misc: err.Error()}
	}
	spent := effective
	if finite(out.Runtime) && out.Runtime >= 0 {
		spent = out.Runtime
	}
	res.TimeSpent = spent
	res.Runtime = penalty
	res.Misc = out.Misc
	if finite(out.Quality) {
		res.Quality = out.Quality
	}

	switch out.Outcome {
	case OutcomeSuccess:
		if spent > effective {
			res.Status = timeoutStatus(res.CapType)
		} else {
			res.Status = gpsapi.StatusSuccess
			res.Runtime = spent
		}
	case OutcomeTimeout:
		res.Status = timeoutStatus(res.CapType)
	default:
		res.Status = gpsapi.StatusCrashed
	}
	if res.Status == gpsapi.StatusBudgetTimeout {
		res.Discard = true
	}
	if res.CapType != CapRegular {
		res.Misc += " - " + string(res.CapType) + " cap " + formatSeconds(effective)
	}
	return finish(res, in)
}

func finish(res Result, in Input) Result {
	if in.Quality {
		if res.Status == gpsapi.StatusSuccess {
			res.Runtime = res.Quality
		} else {
			res.Runtime = in.QualityPenalty
		}
	}
	return res
}

func timeoutStatus(t CapType) gpsapi.Status {
	switch t {
	case CapBudget:
		return gpsapi.StatusBudgetTimeout
	case CapAdaptive:
		return gpsapi.StatusAdaptiveCapTimeout
	default:
		return gpsapi.StatusCutoffTimeout
	}
}

func finite(v float64) bool { return !math.IsInf(v, 0) && !math.IsNaN(v) }

func formatSeconds(v float64) string {
	return time.Duration(v * float64(time.Second)).Round(time.Millisecond).String()
}
