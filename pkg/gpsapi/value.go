package gpsapi

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a single parameter setting: a number for real and integer
// parameters, a string for categorical ones.
type Value struct {
	num float64
	str string
	cat bool
}

func Num(v float64) Value { return Value{num: v} }

func Cat(v string) Value { return Value{str: v, cat: true} }

func (v Value) IsCategorical() bool { return v.cat }

// Float returns the numeric value, or NaN for categorical values.
func (v Value) Float() float64 {
	if v.cat {
		return math.NaN()
	}
	return v.num
}

func (v Value) String() string {
	if v.cat {
		return v.str
	}
	return strconv.FormatFloat(v.num, 'f', -1, 64)
}

func (v Value) Equal(o Value) bool {
	if v.cat != o.cat {
		return false
	}
	if v.cat {
		return v.str == o.str
	}
	return v.num == o.num
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.cat {
		return json.Marshal(v.str)
	}
	if math.IsInf(v.num, 0) || math.IsNaN(v.num) {
		return nil, fmt.Errorf("cannot encode non-finite parameter value %v", v.num)
	}
	return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*v = Cat(str)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parameter value %s: %w", s, err)
	}
	*v = Num(f)
	return nil
}

// Config maps parameter names to values.
type Config map[string]Value

func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Config) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Args renders the configuration as wrapper arguments, sorted by name.
func (c Config) Args() []string {
	out := make([]string, 0, 2*len(c))
	for _, name := range c.Names() {
		out = append(out, "-"+name, c[name].String())
	}
	return out
}

// String renders the configuration as a parameter call string
// (-name 'value' ...).
func (c Config) String() string {
	var b strings.Builder
	for _, name := range c.Names() {
		fmt.Fprintf(&b, " -%s '%s'", name, c[name].String())
	}
	return b.String()
}

func (c Config) Equal(o Config) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
