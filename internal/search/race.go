package search

import (
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

// Race compares every value of a categorical parameter against every
// other. Each value is its own label.
type Race struct {
	param space.Parameter
}

func NewRace(p space.Parameter) *Race { return &Race{param: p} }

func (r *Race) Param() string { return r.param.Name }

func (r *Race) Kind() space.Kind { return r.param.Kind }

func (r *Race) Points() []gpsapi.Point {
	out := make([]gpsapi.Point, len(r.param.Values))
	for i, v := range r.param.Values {
		out[i] = gpsapi.Point{Label: v, Value: gpsapi.Cat(v)}
	}
	return out
}

// Next holds while the incumbent is significantly better than every other
// value and keeps racing all values otherwise.
func (r *Race) Next(comp stats.Comparison, incumbent string) Decision {
	if r.singleWinner(comp, incumbent) {
		return Decision{Op: OpHold}
	}
	return Decision{Op: OpRace, Weakness: r.param.Values}
}

func (r *Race) singleWinner(comp stats.Comparison, incumbent string) bool {
	if len(r.param.Values) < 2 {
		return true
	}
	if incumbent == "" {
		return false
	}
	for _, v := range r.param.Values {
		if v != incumbent && comp.Get(incumbent, v) >= 0 {
			return false
		}
	}
	return true
}

func (r *Race) Apply(Decision) {}
