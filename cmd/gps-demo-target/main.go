// gps-demo-target is an artificial target algorithm. Its running time is
// exponentially distributed around an instance difficulty and scaled by
// how far its parameters are from the optimum (x0=5, x1=1, heuristic=a),
// so a configuration run can be tried end to end without a real solver.
//
// Usage: gps-demo-target <instance> <instance-specifics> <cutoff> <run-length> <seed> -x0 <int> -x1 <float> -heuristic <a|b|c>
package main

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

type outcome struct {
	status  string
	runtime float64
	misc    string
}

func main() {
	o := evaluate(os.Args[1:])
	fmt.Printf("Result for GPS: %s, %s, 0, %s\n", o.status, strconv.FormatFloat(o.runtime, 'g', 10, 64), o.misc)
}

func evaluate(args []string) outcome {
	if len(args) < 5 {
		return crashed("expected instance specifics cutoff run-length seed")
	}
	instance := args[0]
	cutoff, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return crashed("bad cutoff " + args[2])
	}
	seed, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return crashed("bad seed " + args[4])
	}
	params := map[string]string{}
	rest := args[5:]
	for i := 0; i+1 < len(rest); i += 2 {
		params[strings.TrimLeft(rest[i], "-")] = strings.Trim(rest[i+1], "'")
	}

	x0, err := strconv.Atoi(params["x0"])
	if err != nil || x0 < 0 || x0 > 20 {
		return crashed(fmt.Sprintf("x0 must be an integer in [0 20]; got %q", params["x0"]))
	}
	x1, err := strconv.ParseFloat(params["x1"], 64)
	if err != nil || x1 <= 0 || x1 > 20 {
		return crashed(fmt.Sprintf("x1 must be in (0 20]; got %q", params["x1"]))
	}
	var p3 float64
	switch params["heuristic"] {
	case "a":
		p3 = 1
	case "b":
		p3 = 20
	case "c":
		p3 = 3
	default:
		return crashed(fmt.Sprintf("heuristic must be one of a b c; got %q", params["heuristic"]))
	}
	p1 := math.Pow(float64(x0-5), 2) + 1
	p2 := 1/x1 + x1 - 1

	h := fnv.New64a()
	_, _ = h.Write([]byte(instance))
	difficulty := rand.New(rand.NewSource(int64(h.Sum64()>>1))).NormFloat64()*0.1 + math.Pi
	cost := rand.New(rand.NewSource(seed)).ExpFloat64() * difficulty

	expected := math.Pi * p1 * p2 * p3
	o := outcome{
		status:  "SUCCESS",
		runtime: cost * p1 * p2 * p3,
		misc:    fmt.Sprintf("deterministic running time %.4f - factor worse than optimal %.6f", expected, expected/math.Pi),
	}
	if o.runtime > cutoff {
		o.status, o.runtime = "TIMEOUT", cutoff
	}
	return o
}

func crashed(msg string) outcome {
	return outcome{status: "CRASHED", misc: strings.ReplaceAll(msg, ",", " -")}
}
