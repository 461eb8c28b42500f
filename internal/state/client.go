package state

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

// Client gives the coordinator and the workers typed access to the shared
// state of one configuration run. All keys live under
// "<prefix>:<run>:".
type Client struct {
	store   Store
	ns      string
	backend string
}

func NewClient(store Store, prefix, run string) *Client {
	if prefix == "" {
		prefix = "gps"
	}
	if run == "" {
		run = "default"
	}
	name := "custom"
	if b, ok := store.(backend); ok {
		name = b.name()
	}
	return &Client{store: store, ns: prefix + ":" + run + ":", backend: name}
}

func (c *Client) Store() Store { return c.store }

func (c *Client) queueKey() string { return c.ns + "queue" }
func (c *Client) leasePrefix() string { return c.ns + "task:" }
func (c *Client) leaseKey(taskKey string) string { return c.leasePrefix() + taskKey }
func (c *Client) runsKey(param, label string) string { return c.ns + "runs:" + param + ":" + label }
func (c *Client) bracketKey(param string) string { return c.ns + "bracket:" + param }
func (c *Client) budgetKey() string { return c.ns + "budget" }
func (c *Client) epochKey() string { return c.ns + "epoch" }
func (c *Client) incumbentKey(param string) string { return c.ns + "incumbent:" + param }
func (c *Client) queueStateKey() string { return c.ns + "queueState" }
func (c *Client) workerPrefix() string { return c.ns + "worker:" }

func (c *Client) labels(extra map[string]string) map[string]string {
	l := map[string]string{"store_backend": c.backend}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

// LeaseTTL is how long a running task stays leased: twice its cap, and
// never less than a second.
func LeaseTTL(cap float64) time.Duration {
	d := time.Duration(2 * cap * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Reset deletes every key of the run.
func (c *Client) Reset(ctx context.Context) error {
	return c.store.Update(ctx, "reset", nil, func(tx *Tx) error {
		keys, err := tx.Keys(c.ns)
		if err != nil {
			return err
		}
		for _, k := range keys {
			tx.Delete(k)
		}
		return nil
	})
}

type runList struct {
	Runs []gpsapi.RunRecord `json:"runs"`
}

func (c *Client) readLabelRuns(tx *Tx, param, label string) (stats.Runs, error) {
	var doc runList
	if _, err := getJSON(tx, c.runsKey(param, label), schemaRuns, &doc); err != nil {
		return nil, err
	}
	out := make(stats.Runs, len(doc.Runs))
	for _, r := range doc.Runs {
		out[r.InstanceSeed()] = r
	}
	return out, nil
}

func (c *Client) writeLabelRuns(tx *Tx, param, label string, runs stats.Runs) error {
	if len(runs) == 0 {
		tx.Delete(c.runsKey(param, label))
		return nil
	}
	doc := runList{Runs: make([]gpsapi.RunRecord, 0, len(runs))}
	for _, k := range runs.Keys() {
		doc.Runs = append(doc.Runs, runs[k])
	}
	return putJSON(tx, c.runsKey(param, label), schemaRuns, doc, 0)
}

func (c *Client) readRuns(tx *Tx, param string, labels []string) (stats.PointRuns, error) {
	out := make(stats.PointRuns, len(labels))
	for _, l := range labels {
		runs, err := c.readLabelRuns(tx, param, l)
		if err != nil {
			return nil, err
		}
		out[l] = runs
	}
	return out, nil
}

func (c *Client) readBracket(tx *Tx, param string) (gpsapi.BracketState, bool, error) {
	var br gpsapi.BracketState
	ok, err := getJSON(tx, c.bracketKey(param), schemaBracket, &br)
	return br, ok, err
}

// leasedTasks lists the keys of tasks that currently hold a lease.
func (c *Client) leasedTasks(tx *Tx) ([]string, error) {
	keys, err := tx.Keys(c.leasePrefix())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, c.leasePrefix()))
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) setQueueGauge(n int) {
	observability.Default.SetGauge("queue_depth", c.labels(nil), float64(n))
}
