package space

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/gps/pkg/gpsapi"
)

type Kind string

const (
	Real        Kind = "real"
	Integer     Kind = "integer"
	Categorical Kind = "categorical"
)

func (k Kind) Numeric() bool { return k == Real || k == Integer }

// Condition makes a parameter active only while Parent holds one of Values.
type Condition struct {
	Parent string
	Values []gpsapi.Value
}

func (c Condition) holds(v gpsapi.Value) bool {
	for _, allowed := range c.Values {
		if allowed.Equal(v) {
			return true
		}
	}
	return false
}

type Parameter struct {
	Name       string
	Kind       Kind
	Min        float64
	Max        float64
	Values     []string
	Default    gpsapi.Value
	Conditions []Condition
}

// Width is the extent of a numeric range.
func (p Parameter) Width() float64 { return p.Max - p.Min }

func (p Parameter) Contains(v gpsapi.Value) bool {
	if p.Kind == Categorical {
		if !v.IsCategorical() {
			return false
		}
		for _, s := range p.Values {
			if s == v.String() {
				return true
			}
		}
		return false
	}
	if v.IsCategorical() {
		return false
	}
	f := v.Float()
	if p.Kind == Integer && f != math.Trunc(f) {
		return false
	}
	return f >= p.Min && f <= p.Max
}

// Change is the normalized distance between two settings of p: |a-b| over
// the range width for numeric parameters, 0 or 1 for categorical ones.
func (p Parameter) Change(a, b gpsapi.Value) float64 {
	if p.Kind.Numeric() && !a.IsCategorical() && !b.IsCategorical() {
		w := p.Width()
		if w == 0 {
			return 0
		}
		return math.Abs(a.Float()-b.Float()) / w
	}
	if a.Equal(b) {
		return 0
	}
	return 1
}

func (p Parameter) validate() error {
	if p.Name == "" {
		return errors.New("parameter name is required")
	}
	switch p.Kind {
	case Real, Integer:
		if !(p.Min < p.Max) {
			return fmt.Errorf("parameter %s: range [%v, %v] is empty", p.Name, p.Min, p.Max)
		}
		if p.Kind == Integer && (p.Min != math.Trunc(p.Min) || p.Max != math.Trunc(p.Max)) {
			return fmt.Errorf("parameter %s: integer range bounds must be integral", p.Name)
		}
	case Categorical:
		if len(p.Values) == 0 {
			return fmt.Errorf("parameter %s: categorical parameter needs at least one value", p.Name)
		}
		seen := make(map[string]bool, len(p.Values))
		for _, v := range p.Values {
			if seen[v] {
				return fmt.Errorf("parameter %s: duplicate value %q", p.Name, v)
			}
			seen[v] = true
		}
	default:
		return fmt.Errorf("parameter %s: unknown kind %q", p.Name, p.Kind)
	}
	if !p.Contains(p.Default) {
		return fmt.Errorf("parameter %s: default %s is outside its domain", p.Name, p.Default)
	}
	return nil
}

// Space is an ordered set of parameters and the dependency graph induced by
// their activation conditions.
type Space struct {
	params []Parameter
	index  map[string]int
	topo   []string
}

func New(params []Parameter) (*Space, error) {
	s := &Space{
		params: make([]Parameter, 0, len(params)),
		index:  make(map[string]int, len(params)),
	}
	for _, p := range params {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %s", p.Name)
		}
		s.index[p.Name] = len(s.params)
		s.params = append(s.params, p)
	}
	for _, p := range s.params {
		for _, c := range p.Conditions {
			parent, ok := s.Param(c.Parent)
			if !ok {
				return nil, fmt.Errorf("parameter %s: condition on unknown parameter %s", p.Name, c.Parent)
			}
			if len(c.Values) == 0 {
				return nil, fmt.Errorf("parameter %s: condition on %s allows no values", p.Name, c.Parent)
			}
			for _, v := range c.Values {
				if !parent.Contains(v) {
					return nil, fmt.Errorf("parameter %s: condition value %s is outside the domain of %s", p.Name, v, parent.Name)
				}
			}
		}
	}
	topo, err := s.sortTopological()
	if err != nil {
		return nil, err
	}
	s.topo = topo
	return s, nil
}

func (s *Space) Params() []Parameter {
	out := make([]Parameter, len(s.params))
	copy(out, s.params)
	return out
}

func (s *Space) Names() []string {
	out := make([]string, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p.Name)
	}
	return out
}

func (s *Space) Param(name string) (Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

func (s *Space) Len() int { return len(s.params) }

// Defaults returns every parameter at its default, active or not.
func (s *Space) Defaults() gpsapi.Config {
	cfg := make(gpsapi.Config, len(s.params))
	for _, p := range s.params {
		cfg[p.Name] = p.Default
	}
	return cfg
}

// Change is the Euclidean distance between two configurations over the
// union of their parameters, ignoring skip. A parameter set in only one of
// the configurations contributes nothing.
func (s *Space) Change(skip string, a, b gpsapi.Config) float64 {
	var sum float64
	for name, av := range a {
		if name == skip {
			continue
		}
		bv, ok := b[name]
		if !ok {
			continue
		}
		p, ok := s.Param(name)
		if !ok {
			if !av.Equal(bv) {
				sum++
			}
			continue
		}
		d := p.Change(av, bv)
		sum += d * d
	}
	return math.Sqrt(sum)
}
