package search

import (
	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

// Bracket is a four point golden-section window a <= c <= d <= b over a
// numeric parameter.
type Bracket struct {
	param      space.Parameter
	a, b, c, d float64
}

func NewBracket(p space.Parameter) *Bracket {
	br := &Bracket{param: p}
	br.a, br.b, br.c, br.d = StartPoints(p.Default.Float(), p.Min, p.Max)
	if br.integer() {
		br.a, br.b, br.c, br.d = Round(br.a, br.b, br.c, br.d)
	}
	return br
}

func (br *Bracket) Param() string { return br.param.Name }

func (br *Bracket) Kind() space.Kind { return br.param.Kind }

func (br *Bracket) integer() bool { return br.param.Kind == space.Integer }

// Bounds returns the points as (a, b, c, d).
func (br *Bracket) Bounds() (a, b, c, d float64) { return br.a, br.b, br.c, br.d }

func (br *Bracket) Points() []gpsapi.Point {
	return []gpsapi.Point{
		{Label: "a", Value: gpsapi.Num(br.a)},
		{Label: "b", Value: gpsapi.Num(br.b)},
		{Label: "c", Value: gpsapi.Num(br.c)},
		{Label: "d", Value: gpsapi.Num(br.d)},
	}
}

// Bitonic reports whether the comparisons are consistent with a single
// minimum inside the bracket.
func Bitonic(comp stats.Comparison) bool {
	ac, cd, db := comp.Get("a", "c"), comp.Get("c", "d"), comp.Get("d", "b")
	return (ac >= 0 && cd <= 0 && db <= 0) || (ac >= 0 && cd >= 0 && db <= 0)
}

func (br *Bracket) Next(comp stats.Comparison, incumbent string) Decision {
	ac, cd, db := comp.Get("a", "c"), comp.Get("c", "d"), comp.Get("d", "b")
	var dec Decision
	switch {
	case !Bitonic(comp):
		switch {
		case ac <= 0 && cd <= 0 && db <= 0:
			dec = Decision{Op: OpExpand, Toward: "a"}
		case ac >= 0 && cd >= 0 && db >= 0:
			dec = Decision{Op: OpExpand, Toward: "b"}
		default:
			dec = Decision{Op: OpKeep, Weakness: []string{"a", "b", "c", "d"}}
		}
	case !(br.integer() && br.b-br.a <= 3):
		switch {
		case cd < 0:
			dec = Decision{Op: OpShrink, Toward: "c"}
		case cd > 0:
			dec = Decision{Op: OpShrink, Toward: "d"}
		default:
			dec = Decision{Op: OpKeep, Weakness: []string{"c", "d"}}
		}
	default:
		dec = Decision{Op: OpNoShrink, Weakness: []string{"a", "b", "c", "d"}}
	}
	dec.Blocked = removesIncumbent(dec, incumbent)
	return dec
}

// removesIncumbent reports whether applying d would move the incumbent out
// of the bracket.
func removesIncumbent(d Decision, incumbent string) bool {
	switch d.Op {
	case OpExpand:
		return (d.Toward == "a" && incumbent == "d") || (d.Toward == "b" && incumbent == "c")
	case OpShrink:
		return (d.Toward == "c" && incumbent == "b") || (d.Toward == "d" && incumbent == "a")
	}
	return false
}

func (br *Bracket) Apply(d Decision) {
	if !d.Structural() {
		return
	}
	a, b, c, dd := br.a, br.b, br.c, br.d
	switch {
	case d.Op == OpExpand && d.Toward == "a":
		dd, c = c, a
		a = c*(GR+1) - dd*GR
	case d.Op == OpExpand && d.Toward == "b":
		c, dd = dd, b
		b = dd*(GR+1) - c*GR
	case d.Op == OpShrink && d.Toward == "c":
		b, dd = dd, c
		c = b - (b-a)/GR
	case d.Op == OpShrink && d.Toward == "d":
		a, c = c, dd
		dd = a + (b-a)/GR
	default:
		return
	}
	if br.integer() {
		a, b, c, dd = Round(a, b, c, dd)
	}
	br.a, br.b, br.c, br.d = a, b, c, dd
}
