package space

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/gps/pkg/gpsapi"
)

type fileParam struct {
	Name       string              `yaml:"name"`
	Type       string              `yaml:"type"`
	Range      []float64           `yaml:"range"`
	Values     []string            `yaml:"values"`
	Default    string              `yaml:"default"`
	ActiveWhen map[string][]string `yaml:"active_when"`
}

type fileSpace struct {
	Parameters []fileParam `yaml:"parameters"`
}

// LoadFile reads a parameter space from a YAML document (.yaml, .yml) or a
// PCS file (anything else).
func LoadFile(path string) (*Space, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parameter space: %w", err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(f)
	default:
		return LoadPCS(f)
	}
}

func LoadYAML(r io.Reader) (*Space, error) {
	var doc fileSpace
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse parameter space: %w", err)
	}
	raw := make([]rawParam, 0, len(doc.Parameters))
	for _, fp := range doc.Parameters {
		rp := rawParam{name: strings.TrimSpace(fp.Name), kind: Kind(strings.ToLower(strings.TrimSpace(fp.Type))), values: fp.Values, def: fp.Default}
		if rp.kind == "" {
			if len(fp.Values) > 0 {
				rp.kind = Categorical
			} else {
				rp.kind = Real
			}
		}
		if rp.kind.Numeric() {
			if len(fp.Range) != 2 {
				return nil, fmt.Errorf("parameter %s: range must have two bounds", rp.name)
			}
			rp.min, rp.max = fp.Range[0], fp.Range[1]
		}
		parents := make([]string, 0, len(fp.ActiveWhen))
		for parent := range fp.ActiveWhen {
			parents = append(parents, parent)
		}
		sort.Strings(parents)
		for _, parent := range parents {
			rp.conds = append(rp.conds, rawCond{parent: parent, values: fp.ActiveWhen[parent]})
		}
		raw = append(raw, rp)
	}
	return build(raw)
}

// LoadPCS parses the parameter configuration space format shared by SMAC
// and ParamILS. Both the typed form
//
//	name real [0, 20] [5]
//	name integer [1, 10] [3]
//	name categorical {on, off} [on]
//
// and the classic form (name [0, 20] [5], an "i" suffix for integers,
// name {on, off} [on]) are accepted, along with conditions written as
// "child | parent in {v1, v2}" or "child | parent == v". Forbidden clauses
// are ignored and the "log" flag is accepted but does not change the
// search.
func LoadPCS(r io.Reader) (*Space, error) {
	var raw []rawParam
	byName := map[string]int{}
	var conds []struct {
		child string
		cond  rawCond
	}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(strings.ToLower(line), "conditionals:") || strings.HasPrefix(strings.ToLower(line), "forbidden") {
			continue
		}
		if strings.Contains(line, "|") {
			child, c, err := parsePCSCondition(line)
			if err != nil {
				return nil, fmt.Errorf("pcs line %d: %w", lineNo, err)
			}
			conds = append(conds, struct {
				child string
				cond  rawCond
			}{child, c})
			continue
		}
		rp, err := parsePCSParam(line)
		if err != nil {
			return nil, fmt.Errorf("pcs line %d: %w", lineNo, err)
		}
		byName[rp.name] = len(raw)
		raw = append(raw, rp)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for _, c := range conds {
		i, ok := byName[c.child]
		if !ok {
			return nil, fmt.Errorf("condition on unknown parameter %s", c.child)
		}
		raw[i].conds = append(raw[i].conds, c.cond)
	}
	return build(raw)
}

type rawCond struct {
	parent string
	values []string
}

type rawParam struct {
	name     string
	kind     Kind
	min, max float64
	values   []string
	def      string
	conds    []rawCond
}

func build(raw []rawParam) (*Space, error) {
	kinds := make(map[string]Kind, len(raw))
	for _, rp := range raw {
		kinds[rp.name] = rp.kind
	}
	params := make([]Parameter, 0, len(raw))
	for _, rp := range raw {
		def, err := parseValue(rp.kind, rp.def)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: default: %w", rp.name, err)
		}
		p := Parameter{Name: rp.name, Kind: rp.kind, Min: rp.min, Max: rp.max, Values: rp.values, Default: def}
		for _, rc := range rp.conds {
			pk, ok := kinds[rc.parent]
			if !ok {
				return nil, fmt.Errorf("parameter %s: condition on unknown parameter %s", rp.name, rc.parent)
			}
			c := Condition{Parent: rc.parent}
			for _, s := range rc.values {
				v, err := parseValue(pk, s)
				if err != nil {
					return nil, fmt.Errorf("parameter %s: condition on %s: %w", rp.name, rc.parent, err)
				}
				c.Values = append(c.Values, v)
			}
			p.Conditions = append(p.Conditions, c)
		}
		params = append(params, p)
	}
	return New(params)
}

func parseValue(kind Kind, s string) (gpsapi.Value, error) {
	s = strings.TrimSpace(s)
	if kind == Categorical {
		return gpsapi.Cat(s), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return gpsapi.Value{}, fmt.Errorf("invalid number %q", s)
	}
	return gpsapi.Num(f), nil
}

func parsePCSParam(line string) (rawParam, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return rawParam{}, fmt.Errorf("malformed parameter %q", line)
	}
	rp := rawParam{name: fields[0]}
	rest := strings.TrimSpace(line[len(fields[0]):])
	typed := ""
	for _, k := range []Kind{Real, Integer, Categorical, "ordinal"} {
		if strings.HasPrefix(rest, string(k)+" ") || strings.HasPrefix(rest, string(k)+"{") || strings.HasPrefix(rest, string(k)+"[") {
			typed = string(k)
			rest = strings.TrimSpace(rest[len(k):])
			break
		}
	}
	domain, after, err := cutGroup(rest)
	if err != nil {
		return rawParam{}, fmt.Errorf("parameter %s: %w", rp.name, err)
	}
	def, after, err := cutGroup(after)
	if err != nil {
		return rawParam{}, fmt.Errorf("parameter %s: default: %w", rp.name, err)
	}
	rp.def = strings.Trim(def, "[]")
	flags := strings.ToLower(strings.TrimSpace(after))
	switch {
	case strings.HasPrefix(domain, "{"):
		rp.kind = Categorical
		for _, v := range strings.Split(strings.Trim(domain, "{}"), ",") {
			rp.values = append(rp.values, strings.TrimSpace(v))
		}
	default:
		bounds := strings.Split(strings.Trim(domain, "[]"), ",")
		if len(bounds) != 2 {
			return rawParam{}, fmt.Errorf("parameter %s: numeric range needs two bounds", rp.name)
		}
		if rp.min, err = strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64); err != nil {
			return rawParam{}, fmt.Errorf("parameter %s: %w", rp.name, err)
		}
		if rp.max, err = strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64); err != nil {
			return rawParam{}, fmt.Errorf("parameter %s: %w", rp.name, err)
		}
		rp.kind = Real
		if typed == string(Integer) || strings.HasPrefix(flags, "i") {
			rp.kind = Integer
		}
	}
	if typed == "ordinal" {
		rp.kind = Categorical
	}
	return rp, nil
}

// cutGroup splits a leading bracketed group ([...] or {...}) off s.
func cutGroup(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("missing group")
	}
	var closer byte
	switch s[0] {
	case '[':
		closer = ']'
	case '{':
		closer = '}'
	default:
		return "", "", fmt.Errorf("expected [ or { in %q", s)
	}
	end := strings.IndexByte(s, closer)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated group in %q", s)
	}
	return s[:end+1], s[end+1:], nil
}

func parsePCSCondition(line string) (string, rawCond, error) {
	parts := strings.SplitN(line, "|", 2)
	child := strings.TrimSpace(parts[0])
	clause := strings.TrimSpace(parts[1])
	if strings.Contains(clause, "&&") || strings.Contains(clause, "||") {
		return "", rawCond{}, fmt.Errorf("compound conditions are not supported: %q", clause)
	}
	if i := strings.Index(clause, "=="); i >= 0 {
		return child, rawCond{parent: strings.TrimSpace(clause[:i]), values: []string{strings.TrimSpace(clause[i+2:])}}, nil
	}
	fields := strings.Fields(clause)
	if len(fields) < 3 || fields[1] != "in" {
		return "", rawCond{}, fmt.Errorf("malformed condition %q", line)
	}
	i := strings.Index(clause, "{")
	if i < 0 {
		return "", rawCond{}, fmt.Errorf("malformed condition %q", line)
	}
	var values []string
	for _, v := range strings.Split(strings.Trim(strings.TrimSpace(clause[i:]), "{}"), ",") {
		values = append(values, strings.TrimSpace(v))
	}
	return child, rawCond{parent: fields[0], values: values}, nil
}
