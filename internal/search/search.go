// Package search holds the per-parameter search state machines: a
// golden-section bracket for numeric parameters and a race for categorical
// ones. Both consume the pairwise comparisons from package stats and decide
// what the coordinator should do next.
package search

import (
	"fmt"

	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

type Op string

const (
	OpExpand   Op = "Expand"
	OpShrink   Op = "Shrink"
	OpKeep     Op = "Keep"
	OpNoShrink Op = "NoShrink"
	OpHold     Op = "Hold"
	OpRace     Op = "Race"
)

// Decision is the outcome of one look at a parameter's comparisons.
type Decision struct {
	Op Op
	// Toward is the point an Expand or Shrink moves toward.
	Toward string
	// Weakness lists the points that need more runs before the next
	// decision can be trusted.
	Weakness []string
	// Blocked is set when applying the move would drop the incumbent.
	Blocked bool
}

// Structural reports whether applying d changes the points.
func (d Decision) Structural() bool {
	return (d.Op == OpExpand || d.Op == OpShrink) && !d.Blocked
}

// String renders d the way it is recorded in the decision sequence.
func (d Decision) String() string {
	s := string(d.Op)
	if d.Toward != "" {
		s += " " + d.Toward
	}
	if d.Blocked {
		s = "No" + s
	}
	return s
}

type Search interface {
	Param() string
	Kind() space.Kind
	Points() []gpsapi.Point
	Next(comp stats.Comparison, incumbent string) Decision
	// Apply performs a structural move. Other decisions are ignored.
	Apply(d Decision)
}

// New returns the search variant for p, starting from its default.
func New(p space.Parameter) (Search, error) {
	switch p.Kind {
	case space.Real, space.Integer:
		return NewBracket(p), nil
	case space.Categorical:
		return NewRace(p), nil
	}
	return nil, fmt.Errorf("parameter %s: no search for kind %q", p.Name, p.Kind)
}

// Labels returns the labels of points in order.
func Labels(points []gpsapi.Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = p.Label
	}
	return out
}
