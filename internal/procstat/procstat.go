// Package procstat measures the CPU time the current process spends, so
// configurator overhead can be charged to the CPU budget.
package procstat

import (
	"context"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Meter reports process CPU time used since the previous call to Delta.
type Meter struct {
	mu   sync.Mutex
	proc *process.Process
	last float64
}

func NewMeter() (*Meter, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &Meter{proc: p}
	if m.last, err = m.total(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Meter) total(ctx context.Context) (float64, error) {
	t, err := m.proc.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

// Delta returns user plus system seconds consumed since the last call.
func (m *Meter) Delta(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.total(ctx)
	if err != nil {
		return 0, err
	}
	d := cur - m.last
	if d < 0 {
		d = 0
	}
	m.last = cur
	return d, nil
}

// Host returns host CPU and memory utilization in percent.
func Host(ctx context.Context) (cpuPct, memPct float64) {
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
