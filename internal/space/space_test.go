package space

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gps/pkg/gpsapi"
)

const demoPCS = `
# demo space
heuristic categorical {on, off} [on]
depth integer [1, 10] [3]
weight real [0, 20] [5]
level [0, 4] [2]i
mode {fast, slow} [fast]
depth | heuristic in {on}
level | depth == 3
`

func TestLoadPCS(t *testing.T) {
	s, err := LoadPCS(strings.NewReader(demoPCS))
	require.NoError(t, err)
	assert.Equal(t, []string{"heuristic", "depth", "weight", "level", "mode"}, s.Names())

	depth, ok := s.Param("depth")
	require.True(t, ok)
	assert.Equal(t, Integer, depth.Kind)
	assert.Equal(t, 3.0, depth.Default.Float())
	require.Len(t, depth.Conditions, 1)
	assert.Equal(t, "heuristic", depth.Conditions[0].Parent)

	level, _ := s.Param("level")
	assert.Equal(t, Integer, level.Kind)

	mode, _ := s.Param("mode")
	assert.Equal(t, Categorical, mode.Kind)
	assert.Equal(t, []string{"fast", "slow"}, mode.Values)
	assert.Equal(t, []string{"heuristic", "depth"}, s.Ancestors("level"))
}

func TestLoadYAML(t *testing.T) {
	doc := `
parameters:
  - name: heuristic
    type: categorical
    values: [on, off]
    default: "on"
  - name: depth
    type: integer
    range: [1, 10]
    default: 3
    active_when:
      heuristic: ["on"]
`
	s, err := LoadYAML(strings.NewReader(doc))
	require.NoError(t, err)
	cfg := s.Defaults()
	assert.True(t, s.IsActive(cfg, "depth"))
	cfg["heuristic"] = gpsapi.Cat("off")
	assert.False(t, s.IsActive(cfg, "depth"))
}

func TestNewRejectsCycles(t *testing.T) {
	_, err := New([]Parameter{
		{Name: "a", Kind: Categorical, Values: []string{"x", "y"}, Default: gpsapi.Cat("x"), Conditions: []Condition{{Parent: "b", Values: []gpsapi.Value{gpsapi.Cat("x")}}}},
		{Name: "b", Kind: Categorical, Values: []string{"x", "y"}, Default: gpsapi.Cat("x"), Conditions: []Condition{{Parent: "a", Values: []gpsapi.Value{gpsapi.Cat("x")}}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestNewRejectsDefaultOutsideRange(t *testing.T) {
	_, err := New([]Parameter{{Name: "x", Kind: Real, Min: 0, Max: 1, Default: gpsapi.Num(2)}})
	require.Error(t, err)
}

func TestHandleInactiveActivatesAncestorsMinimally(t *testing.T) {
	s, err := LoadPCS(strings.NewReader(demoPCS))
	require.NoError(t, err)

	cfg := s.Defaults()
	cfg["heuristic"] = gpsapi.Cat("off")
	cfg["depth"] = gpsapi.Num(7)

	out := s.HandleInactive(cfg, "level")
	assert.Equal(t, "on", out["heuristic"].String())
	assert.Equal(t, 3.0, out["depth"].Float())
	assert.Contains(t, out, "level")
	assert.Equal(t, "fast", out["mode"].String())

	stripped := s.Strip(cfg)
	assert.NotContains(t, stripped, "depth")
	assert.NotContains(t, stripped, "level")
	assert.Contains(t, stripped, "weight")
}

func TestChangeIsNormalizedEuclidean(t *testing.T) {
	s, err := LoadPCS(strings.NewReader(demoPCS))
	require.NoError(t, err)

	a := s.Defaults()
	b := a.Clone()
	b["weight"] = gpsapi.Num(15)
	b["mode"] = gpsapi.Cat("slow")
	b["depth"] = gpsapi.Num(1)

	assert.InDelta(t, 0, s.Change("weight", a, a), 1e-12)
	assert.InDelta(t, 1.0, s.Change("depth", a, map[string]gpsapi.Value{"mode": gpsapi.Cat("slow")}), 1e-12)

	want := 0.5*0.5 + 1 + (2.0/9.0)*(2.0/9.0)
	assert.InDelta(t, math.Sqrt(want), s.Change("heuristic", a, b), 1e-12)
	assert.InDelta(t, math.Sqrt(1+(2.0/9.0)*(2.0/9.0)), s.Change("weight", a, b), 1e-12)
}
