package state

import (
	"context"
	"strings"

	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

// AddRun stores rec as the result of t and releases the task's lease. The
// run is dropped when epoch is no longer the current run epoch or when the
// task's value is no longer a point of its bracket. stored reports whether
// the run made it into the ledger.
func (c *Client) AddRun(ctx context.Context, epoch string, t gpsapi.Task, rec gpsapi.RunRecord) (bool, error) {
	rec.Param = t.Param
	rec.Instance = t.Instance
	rec.Seed = t.Seed
	var stored bool
	err := c.store.Update(ctx, "add_run", []string{c.epochKey(), c.bracketKey(t.Param)}, func(tx *Tx) error {
		stored = false
		cur, err := c.readEpoch(tx)
		if err != nil {
			return err
		}
		if cur != epoch {
			return nil
		}
		br, ok, err := c.readBracket(tx, t.Param)
		if err != nil {
			return err
		}
		tx.Delete(c.leaseKey(t.Key()))
		label, isPoint := br.Label(t.Value)
		if !ok || !isPoint {
			return nil
		}
		runs, err := c.readLabelRuns(tx, t.Param, label)
		if err != nil {
			return err
		}
		runs[t.InstanceSeed()] = rec
		stored = true
		return c.writeLabelRuns(tx, t.Param, label, runs)
	})
	if err != nil {
		return false, err
	}
	if !stored {
		c.incDiscarded("add_run", 1)
	}
	return stored, nil
}

// UpdateBracket replaces the points of a parameter's bracket and the
// configuration its runs use. A new point inherits the runs of the old
// point holding the same value; runs of values that left the bracket are
// cleared.
func (c *Client) UpdateBracket(ctx context.Context, param, kind string, points []gpsapi.Point, cfg gpsapi.Config) error {
	next := gpsapi.BracketState{Param: param, Kind: kind, Config: cfg.Clone()}
	for _, p := range points {
		next.Labels = append(next.Labels, p.Label)
		next.Values = append(next.Values, p.Value)
	}
	return c.store.Update(ctx, "update_bracket", []string{c.bracketKey(param)}, func(tx *Tx) error {
		prev, _, err := c.readBracket(tx, param)
		if err != nil {
			return err
		}
		old, err := c.readRuns(tx, param, prev.Labels)
		if err != nil {
			return err
		}
		kept := make(map[string]bool, len(points))
		for _, p := range points {
			kept[p.Label] = true
			from, had := prev.Label(p.Value)
			if had && from == p.Label {
				continue
			}
			var runs stats.Runs
			if had {
				runs = old[from]
			}
			if err := c.writeLabelRuns(tx, param, p.Label, runs); err != nil {
				return err
			}
		}
		for _, l := range prev.Labels {
			if !kept[l] {
				tx.Delete(c.runsKey(param, l))
			}
		}
		return putJSON(tx, c.bracketKey(param), schemaBracket, next, 0)
	})
}

// Bracket returns the stored bracket of param.
func (c *Client) Bracket(ctx context.Context, param string) (gpsapi.BracketState, error) {
	var (
		br gpsapi.BracketState
		ok bool
	)
	err := c.store.Update(ctx, "bracket", nil, func(tx *Tx) error {
		var err error
		br, ok, err = c.readBracket(tx, param)
		return err
	})
	if err != nil {
		return gpsapi.BracketState{}, err
	}
	if !ok {
		return gpsapi.BracketState{}, ErrNotFound
	}
	return br, nil
}

// GetRuns returns a consistent snapshot of the runs of the given labels.
func (c *Client) GetRuns(ctx context.Context, param string, labels []string) (stats.PointRuns, error) {
	var out stats.PointRuns
	err := c.store.Update(ctx, "get_runs", nil, func(tx *Tx) error {
		var err error
		out, err = c.readRuns(tx, param, labels)
		return err
	})
	return out, err
}

// Alive returns the keys of the tasks of param's points that are queued,
// running or completed (alive), and of those that are queued or running
// (active).
func (c *Client) Alive(ctx context.Context, param string, points []gpsapi.Point) (alive, active map[string]bool, err error) {
	err = c.store.Update(ctx, "alive", []string{c.queueKey()}, func(tx *Tx) error {
		alive, active = map[string]bool{}, map[string]bool{}
		q, err := c.readQueue(tx)
		if err != nil {
			return err
		}
		for _, t := range q.Tasks {
			if t.Param == param {
				alive[t.Key()] = true
				active[t.Key()] = true
			}
		}
		leased, err := c.leasedTasks(tx)
		if err != nil {
			return err
		}
		for _, k := range leased {
			if strings.HasPrefix(k, param+"|") {
				alive[k] = true
				active[k] = true
			}
		}
		for _, p := range points {
			runs, err := c.readLabelRuns(tx, param, p.Label)
			if err != nil {
				return err
			}
			for is := range runs {
				t := gpsapi.Task{Param: param, Value: p.Value, Instance: is.Instance, Seed: is.Seed}
				alive[t.Key()] = true
			}
		}
		return nil
	})
	return alive, active, err
}
