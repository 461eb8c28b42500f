package search

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gps/internal/space"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

func order(vals map[string]int) stats.Comparison {
	comp := stats.Comparison{}
	for pair, v := range vals {
		x, y := pair[:1], pair[1:]
		comp[[2]string{x, y}] = v
		comp[[2]string{y, x}] = -v
	}
	return comp
}

func TestStartPointsKeepDefaultOnInnerPoint(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		pmin := rng.Float64()*100 - 50
		pmax := pmin + 0.1 + rng.Float64()*100
		p0 := pmin + rng.Float64()*(pmax-pmin)
		if i%10 == 0 {
			p0 = pmin
		}
		a, b, c, d := StartPoints(p0, pmin, pmax)
		require.True(t, a <= c && c <= d && d <= b, "StartPoints(%v,%v,%v) = %v %v %v %v out of order", p0, pmin, pmax, a, b, c, d)
		if p0 != pmin {
			assert.True(t, c == p0 || d == p0, "StartPoints(%v,%v,%v): neither c=%v nor d=%v is the default", p0, pmin, pmax, c, d)
		}
		assert.True(t, a >= pmin-1e-9 && b <= pmax+1e-9, "StartPoints(%v,%v,%v) leaves the range: a=%v b=%v", p0, pmin, pmax, a, b)
	}
}

func TestStartPointsNumericScenario(t *testing.T) {
	a, b, c, d := StartPoints(5, 0, 20)
	assert.Equal(t, 0.0, a)
	assert.Equal(t, 5.0, c)
	assert.InDelta(t, 5*GR, d, 1e-9)
	assert.InDelta(t, 5*GR*GR, b, 1e-9)
}

func TestRoundGivesDistinctOrderedIntegers(t *testing.T) {
	a, b, c, d := Round(1.9, 4, 2.2, 3)
	assert.Equal(t, []float64{1, 4, 2, 3}, []float64{a, b, c, d})

	a, b, c, d = Round(0, 1.3, 0.4, 0.8)
	for _, v := range []float64{a, b, c, d} {
		assert.Equal(t, math.Trunc(v), v)
	}
	assert.True(t, a < c && c < d && d < b)
}

func goldenHolds(t *testing.T, br *Bracket) {
	t.Helper()
	a, b, c, d := br.Bounds()
	require.True(t, a <= c && c <= d && d <= b, "bracket out of order: %v %v %v %v", a, b, c, d)
	assert.InDelta(t, b-a, GR*(d-a), 1e-9*math.Max(1, b-a))
	assert.InDelta(t, b-a, GR*(b-c), 1e-9*math.Max(1, b-a))
}

func TestBracketMovesKeepGoldenRatio(t *testing.T) {
	br := NewBracket(space.Parameter{Name: "x", Kind: space.Real, Min: 0, Max: 20, Default: gpsapi.Num(5)})
	goldenHolds(t, br)
	for _, dec := range []Decision{
		{Op: OpExpand, Toward: "a"},
		{Op: OpShrink, Toward: "d"},
		{Op: OpExpand, Toward: "b"},
		{Op: OpShrink, Toward: "c"},
		{Op: OpShrink, Toward: "c"},
	} {
		before := br.Points()
		br.Apply(dec)
		goldenHolds(t, br)
		// exactly three values survive every move
		kept := 0
		for _, p := range br.Points() {
			for _, q := range before {
				if p.Value.Equal(q.Value) {
					kept++
					break
				}
			}
		}
		assert.Equal(t, 3, kept, dec.String())
	}
}

func TestBracketNext(t *testing.T) {
	br := NewBracket(space.Parameter{Name: "x", Kind: space.Real, Min: 0, Max: 20, Default: gpsapi.Num(5)})
	cases := []struct {
		name string
		comp map[string]int
		inc  string
		want string
	}{
		{name: "no data", comp: nil, inc: "c", want: "Keep"},
		{name: "c better", comp: map[string]int{"ac": 1, "cd": -1, "db": -1}, inc: "c", want: "Shrink c"},
		{name: "d better", comp: map[string]int{"ac": 1, "cd": 1, "db": -1}, inc: "d", want: "Shrink d"},
		{name: "improving toward a", comp: map[string]int{"ac": -1, "cd": -1}, inc: "a", want: "Expand a"},
		{name: "improving toward b", comp: map[string]int{"db": 1, "cd": 1}, inc: "b", want: "Expand b"},
		{name: "tritonic", comp: map[string]int{"ac": -1, "cd": 1, "db": -1}, inc: "a", want: "Keep"},
		{name: "expand would drop incumbent", comp: map[string]int{"ac": -1, "cd": -1}, inc: "d", want: "NoExpand a"},
		{name: "shrink would drop incumbent", comp: map[string]int{"ac": 1, "cd": -1, "db": -1}, inc: "b", want: "NoShrink c"},
	}
	for _, tc := range cases {
		dec := br.Next(order(tc.comp), tc.inc)
		assert.Equal(t, tc.want, dec.String(), tc.name)
	}
	assert.Equal(t, []string{"c", "d"}, br.Next(order(nil), "c").Weakness)
}

func TestBlockedDecisionLeavesBracket(t *testing.T) {
	br := NewBracket(space.Parameter{Name: "x", Kind: space.Real, Min: 0, Max: 20, Default: gpsapi.Num(5)})
	before := br.Points()
	dec := br.Next(order(map[string]int{"ac": -1, "cd": -1}), "d")
	require.True(t, dec.Blocked)
	br.Apply(dec)
	assert.Equal(t, before, br.Points())
}

func TestIntegerBracketStopsShrinking(t *testing.T) {
	br := NewBracket(space.Parameter{Name: "n", Kind: space.Integer, Min: 0, Max: 3, Default: gpsapi.Num(1)})
	for _, p := range br.Points() {
		assert.Equal(t, math.Trunc(p.Value.Float()), p.Value.Float())
	}
	dec := br.Next(order(map[string]int{"ac": 1, "cd": -1, "db": -1}), "c")
	assert.Equal(t, OpNoShrink, dec.Op)
	assert.Equal(t, []string{"a", "b", "c", "d"}, dec.Weakness)
}

func TestRaceHoldsOnSingleWinner(t *testing.T) {
	r := NewRace(space.Parameter{Name: "mode", Kind: space.Categorical, Values: []string{"a", "b", "c"}, Default: gpsapi.Cat("a")})
	assert.Equal(t, []string{"a", "b", "c"}, Labels(r.Points()))

	assert.Equal(t, OpRace, r.Next(stats.Comparison{}, "a").Op)
	comp := order(map[string]int{"ba": -1, "bc": -1})
	assert.Equal(t, OpHold, r.Next(comp, "b").Op)
	assert.Equal(t, OpRace, r.Next(comp, "a").Op)

	partial := order(map[string]int{"ba": -1})
	dec := r.Next(partial, "b")
	assert.Equal(t, OpRace, dec.Op)
	assert.Equal(t, []string{"a", "b", "c"}, dec.Weakness)
}

func TestNewPicksVariantByKind(t *testing.T) {
	s, err := New(space.Parameter{Name: "x", Kind: space.Real, Min: 0, Max: 1, Default: gpsapi.Num(0.5)})
	require.NoError(t, err)
	assert.IsType(t, &Bracket{}, s)
	s, err = New(space.Parameter{Name: "m", Kind: space.Categorical, Values: []string{"x"}, Default: gpsapi.Cat("x")})
	require.NoError(t, err)
	assert.IsType(t, &Race{}, s)
}
