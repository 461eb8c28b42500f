// Package worker wires a configuration worker from a scenario: it loads the
// parameter space, waits for the coordinator's run epoch and executes queued
// runs until the run stops.
package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/example/gps/internal/procstat"
	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/state"
	"github.com/example/gps/internal/trace"
	"github.com/example/gps/worker/internal/config"
	"github.com/example/gps/worker/internal/executor"
	"github.com/example/gps/worker/internal/heartbeat"
	"github.com/example/gps/worker/internal/registration"
	"github.com/example/gps/worker/internal/runtime"
	"github.com/example/gps/worker/internal/telemetry"
)

// Run starts the worker described by the environment (GPS_WORKER_ID,
// GPS_SCRATCH_ROOT, ...) and blocks until it stops.
func Run(ctx context.Context, sc scenario.Scenario, client *state.Client) error {
	return run(ctx, config.FromEnv(), sc, client, true)
}

// RunLocal starts a worker sharing the coordinator's process. Process CPU
// time is already charged by the coordinator, so the worker only charges
// its runs.
func RunLocal(ctx context.Context, workerID string, sc scenario.Scenario, client *state.Client) error {
	cfg := config.FromEnv()
	cfg.WorkerID = workerID
	return run(ctx, cfg, sc, client, false)
}

func run(ctx context.Context, cfg config.Config, sc scenario.Scenario, client *state.Client, chargeProcess bool) error {
	sp, err := space.LoadFile(sc.Path(sc.ParamFile))
	if err != nil {
		return err
	}
	hb := heartbeat.New(client, cfg.WorkerID, cfg.HeartbeatInterval)
	epoch, err := registration.Register(ctx, client, hb, sc.Sleep(), cfg.StartupTimeout)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", cfg.WorkerID, err)
	}

	traceDir := cfg.TraceDir
	if traceDir == "" {
		traceDir = sc.Path(sc.OutputDir)
	}
	rt, err := trace.OpenRunTrace(traceDir, cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("open run trace: %w", err)
	}
	defer rt.Close()

	runner := executor.NewCommandRunner(resolveWrapper(sc), filepath.Join(cfg.ScratchRoot, cfg.WorkerID), cfg.Grace)
	w := runtime.New(cfg, sc, sp, client, runner, hb, telemetry.New(nil)).WithTrace(rt)
	if chargeProcess {
		if m, err := procstat.NewMeter(); err == nil {
			w.WithMeter(m)
		} else {
			log.Printf("process CPU accounting disabled: %v", err)
		}
	}
	return w.Run(ctx, epoch)
}

// resolveWrapper makes a relative wrapper path absolute, since runs execute
// in their own scratch directories.
func resolveWrapper(sc scenario.Scenario) string {
	fields := strings.Fields(sc.Wrapper)
	for i, f := range fields {
		if strings.HasPrefix(f, "-") || !strings.ContainsRune(f, filepath.Separator) || filepath.IsAbs(f) {
			continue
		}
		if abs, err := filepath.Abs(sc.Path(f)); err == nil {
			fields[i] = abs
		}
	}
	return strings.Join(fields, " ")
}
