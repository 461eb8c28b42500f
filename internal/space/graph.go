package space

import (
	"fmt"
	"sort"

	"github.com/example/gps/pkg/gpsapi"
)

func (s *Space) sortTopological() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(s.params))
	out := make([]string, 0, len(s.params))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cyclic parameter conditions: %v", append(path, name))
		}
		marks[name] = visiting
		p, _ := s.Param(name)
		for _, c := range p.Conditions {
			if err := visit(c.Parent, append(path, name)); err != nil {
				return err
			}
		}
		marks[name] = done
		out = append(out, name)
		return nil
	}
	for _, p := range s.params {
		if err := visit(p.Name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Parents returns the parameters name is conditioned on.
func (s *Space) Parents(name string) []string {
	p, ok := s.Param(name)
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		if !seen[c.Parent] {
			seen[c.Parent] = true
			out = append(out, c.Parent)
		}
	}
	sort.Strings(out)
	return out
}

// Ancestors returns every parameter name transitively depends on, parents
// before children.
func (s *Space) Ancestors(name string) []string {
	want := map[string]bool{}
	var walk func(n string)
	walk = func(n string) {
		for _, parent := range s.Parents(n) {
			if !want[parent] {
				want[parent] = true
				walk(parent)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(want))
	for _, n := range s.topo {
		if want[n] {
			out = append(out, n)
		}
	}
	return out
}

// IsActive reports whether name is active under cfg: every condition holds
// and every parent is itself active.
func (s *Space) IsActive(cfg gpsapi.Config, name string) bool {
	return s.activeSet(cfg)[name]
}

func (s *Space) activeSet(cfg gpsapi.Config) map[string]bool {
	active := make(map[string]bool, len(s.topo))
	for _, name := range s.topo {
		p, _ := s.Param(name)
		ok := true
		for _, c := range p.Conditions {
			v, set := cfg[c.Parent]
			if !set || !active[c.Parent] || !c.holds(v) {
				ok = false
				break
			}
		}
		active[name] = ok
	}
	return active
}

// Activate returns a copy of cfg in which name is active. Only the
// ancestors whose current values violate a condition on the path are
// changed; each is set to its default when the default satisfies the
// condition and to the first allowed value otherwise.
func (s *Space) Activate(cfg gpsapi.Config, name string) gpsapi.Config {
	out := cfg.Clone()
	if _, ok := s.Param(name); !ok {
		return out
	}
	chain := append(s.Ancestors(name), name)
	for i := len(chain) - 1; i >= 0; i-- {
		p, _ := s.Param(chain[i])
		for _, c := range p.Conditions {
			if v, set := out[c.Parent]; set && c.holds(v) {
				continue
			}
			parent, _ := s.Param(c.Parent)
			if c.holds(parent.Default) {
				out[c.Parent] = parent.Default
			} else {
				out[c.Parent] = c.Values[0]
			}
		}
	}
	return out
}

// Strip removes every inactive parameter from cfg.
func (s *Space) Strip(cfg gpsapi.Config) gpsapi.Config {
	active := s.activeSet(cfg)
	out := make(gpsapi.Config, len(cfg))
	for name, v := range cfg {
		if _, known := s.Param(name); known && !active[name] {
			continue
		}
		out[name] = v
	}
	return out
}

// HandleInactive forces forced to be active, then drops whatever the
// adjustment left inactive.
func (s *Space) HandleInactive(cfg gpsapi.Config, forced string) gpsapi.Config {
	return s.Strip(s.Activate(cfg, forced))
}
