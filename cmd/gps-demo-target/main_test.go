package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateIsDeterministicPerInstanceAndSeed(t *testing.T) {
	args := []string{"inst-7", "0", "1000", "0", "42", "-heuristic", "a", "-x0", "5", "-x1", "1"}
	a, b := evaluate(args), evaluate(args)
	assert.Equal(t, "SUCCESS", a.status)
	assert.Equal(t, a.runtime, b.runtime)
	assert.Greater(t, a.runtime, 0.0)
}

func TestEvaluatePenalisesBadParameters(t *testing.T) {
	good := evaluate([]string{"i", "0", "1e9", "0", "1", "-heuristic", "a", "-x0", "5", "-x1", "1"})
	bad := evaluate([]string{"i", "0", "1e9", "0", "1", "-heuristic", "b", "-x0", "5", "-x1", "1"})
	assert.InDelta(t, 20*good.runtime, bad.runtime, 1e-9*bad.runtime)
}

func TestEvaluateTimesOutAtCutoff(t *testing.T) {
	o := evaluate([]string{"i", "0", "0.001", "0", "1", "-heuristic", "b", "-x0", "20", "-x1", "20"})
	assert.Equal(t, "TIMEOUT", o.status)
	assert.Equal(t, 0.001, o.runtime)
}

func TestEvaluateCrashesOnBadInput(t *testing.T) {
	o := evaluate([]string{"i", "0", "10", "0", "1", "-heuristic", "z", "-x0", "5", "-x1", "1"})
	assert.Equal(t, "CRASHED", o.status)
	assert.False(t, strings.Contains(o.misc, ","))
	assert.Equal(t, "CRASHED", evaluate([]string{"i"}).status)
}
