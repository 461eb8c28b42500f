package observability

import (
	"errors"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes a Registry to Prometheus. Metric families are built
// from a snapshot on every scrape, so the collector is unchecked.
type Collector struct {
	reg       *Registry
	namespace string
}

var _ prom.Collector = (*Collector)(nil)

func NewCollector(reg *Registry, namespace string) *Collector {
	if reg == nil {
		reg = Default
	}
	if namespace == "" {
		namespace = "gps"
	}
	return &Collector{reg: reg, namespace: namespace}
}

func (c *Collector) Describe(chan<- *prom.Desc) {}

func (c *Collector) Collect(ch chan<- prom.Metric) {
	s := c.reg.Snapshot()
	for _, p := range s.Counters {
		c.emit(ch, p.Name, p.Labels, prom.CounterValue, p.Value)
	}
	for _, p := range s.Gauges {
		c.emit(ch, p.Name, p.Labels, prom.GaugeValue, p.Value)
	}
	for _, p := range s.Summaries {
		keys := sortedKeys(p.Labels)
		desc := prom.NewDesc(prom.BuildFQName(c.namespace, "", sanitizeMetricName(p.Name)), p.Name, keys, nil)
		m, err := prom.NewConstSummary(desc, p.Count, p.Sum, nil, labelValues(keys, p.Labels)...)
		if err != nil {
			ch <- prom.NewInvalidMetric(desc, err)
			continue
		}
		ch <- m
	}
}

func (c *Collector) emit(ch chan<- prom.Metric, name string, labels map[string]string, kind prom.ValueType, v float64) {
	keys := sortedKeys(labels)
	desc := prom.NewDesc(prom.BuildFQName(c.namespace, "", sanitizeMetricName(name)), name, keys, nil)
	m, err := prom.NewConstMetric(desc, kind, v, labelValues(keys, labels)...)
	if err != nil {
		ch <- prom.NewInvalidMetric(desc, err)
		return
	}
	ch <- m
}

func labelValues(keys []string, labels map[string]string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = labels[k]
	}
	return out
}

// Handler registers a collector for reg on a fresh Prometheus registry,
// together with the Go and process collectors, and returns its /metrics
// handler.
func Handler(reg *Registry) (http.Handler, error) {
	pr := prom.NewRegistry()
	for _, c := range []prom.Collector{
		NewCollector(reg, "gps"),
		prom.NewGoCollector(),
		prom.NewProcessCollector(prom.ProcessCollectorOpts{}),
	} {
		if err := pr.Register(c); err != nil {
			var already prom.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{}), nil
}
