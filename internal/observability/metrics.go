package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// SummaryPoint is the running count and sum of an observed quantity.
type SummaryPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  uint64            `json:"count"`
	Sum    float64           `json:"sum"`
}

type Snapshot struct {
	Counters  []MetricPoint  `json:"counters"`
	Gauges    []MetricPoint  `json:"gauges"`
	Summaries []SummaryPoint `json:"summaries"`
}

// Value returns the summed value of every counter or gauge called name,
// across label sets.
func (s Snapshot) Value(name string) float64 {
	var v float64
	for _, p := range s.Counters {
		if p.Name == name {
			v += p.Value
		}
	}
	for _, p := range s.Gauges {
		if p.Name == name {
			v += p.Value
		}
	}
	return v
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
	count  uint64
}

// Registry holds the process's counters, gauges and summaries. Every
// component records into Default; the coordinator's status server exposes
// it as JSON and through a Prometheus collector.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]metricEntry
	gauges    map[string]metricEntry
	summaries map[string]metricEntry
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]metricEntry),
		gauges:    make(map[string]metricEntry),
		summaries: make(map[string]metricEntry),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta <= 0 {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = metricEntry{name: name, labels: lcopy, value: value}
}

// Observe adds one observation to a summary.
func (r *Registry) Observe(name string, labels map[string]string, value float64) {
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.summaries[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += value
	e.count++
	r.summaries[k] = e
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters:  make([]MetricPoint, 0, len(r.counters)),
		Gauges:    make([]MetricPoint, 0, len(r.gauges)),
		Summaries: make([]SummaryPoint, 0, len(r.summaries)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.summaries {
		out.Summaries = append(out.Summaries, SummaryPoint{Name: e.name, Labels: cloneMap(e.labels), Count: e.count, Sum: e.value})
	}
	sortPoints(out.Counters)
	sortPoints(out.Gauges)
	sort.Slice(out.Summaries, func(i, j int) bool {
		if out.Summaries[i].Name != out.Summaries[j].Name {
			return out.Summaries[i].Name < out.Summaries[j].Name
		}
		return labelString(out.Summaries[i].Labels) < labelString(out.Summaries[j].Labels)
	})
	return out
}

func sortPoints(ps []MetricPoint) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return labelString(ps[i].Labels) < labelString(ps[j].Labels)
	})
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]metricEntry)
	r.gauges = make(map[string]metricEntry)
	r.summaries = make(map[string]metricEntry)
}

// RenderPrometheus renders the registry in the text exposition format
// without going through a Prometheus registry.
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges)+2*len(s.Summaries))
	for _, p := range s.Counters {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Summaries {
		name := sanitizeMetricName(p.Name)
		lines = append(lines, formatPromLine(name+"_count", p.Labels, float64(p.Count)))
		lines = append(lines, formatPromLine(name+"_sum", p.Labels, p.Sum))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	copyLabels := make(map[string]string, len(labels))
	for k, v := range labels {
		copyLabels[k] = v
	}
	return name + "|" + labelString(copyLabels), copyLabels
}

func labelString(labels map[string]string) string {
	keys := sortedKeys(labels)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "gps_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func formatPromLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := sortedKeys(labels)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}
