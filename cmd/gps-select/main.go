package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/example/gps/internal/selector"
)

func main() {
	minInstances := flag.Int("min-instances", 10, "common instances needed before a challenger is tested")
	alpha := flag.Float64("alpha", 0.05, "significance level")
	permutations := flag.Int("permutations", 10000, "permutation test resamples")
	correction := flag.Bool("correction", true, "Bonferroni-correct alpha by the number of tests")
	seed := flag.Int64("seed", 0, "random seed; 0 uses the clock")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	verbose := flag.Bool("verbose", false, "log every test")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gps-select [flags] <output dir | run trace>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	log.SetPrefix("gps-select ")
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	s := selector.New(selector.Options{
		MinInstances: *minInstances,
		Alpha:        *alpha,
		Permutations: *permutations,
		Correction:   *correction,
		Seed:         *seed,
		Verbose:      *verbose,
	})
	for _, path := range flag.Args() {
		if err := s.AddPath(path); err != nil {
			log.Fatalf("add %s: %v", path, err)
		}
	}
	res, err := s.Best()
	if err != nil {
		log.Fatalf("select: %v", err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	fmt.Printf("%s\n", strings.TrimSpace(res.Config.String()))
	fmt.Printf("instances=%d mean=%.6g tests=%d\n", res.Instances, res.Mean, res.Tests)
}
