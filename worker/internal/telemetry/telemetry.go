package telemetry

import "github.com/example/gps/internal/observability"

type Client interface {
	Incr(name string, labels map[string]string)
	Observe(name string, value float64)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(string, map[string]string) {}

func (nop) Observe(string, float64) {}

type registry struct {
	reg *observability.Registry
}

// New reports into reg, or into the process-wide registry when reg is nil.
func New(reg *observability.Registry) Client {
	if reg == nil {
		reg = observability.Default
	}
	return registry{reg: reg}
}

func (r registry) Incr(name string, labels map[string]string) {
	r.reg.IncCounter(name, labels, 1)
}

func (r registry) Observe(name string, value float64) {
	r.reg.Observe(name, nil, value)
}
