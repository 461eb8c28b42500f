package state

import (
	"context"
	"sort"
	"time"

	"github.com/example/gps/pkg/gpsapi"
)

func (c *Client) readBudget(tx *Tx) (gpsapi.Budget, bool, error) {
	var b gpsapi.Budget
	ok, err := getJSON(tx, c.budgetKey(), schemaBudget, &b)
	return b, ok, err
}

// InitBudget stores the limits and start time of a fresh run. Totals start
// at zero.
func (c *Client) InitBudget(ctx context.Context, b gpsapi.Budget) error {
	b.TotalCPUTime, b.TotalRuns, b.TotalIterations = 0, 0, 0
	if b.StartTime.IsZero() {
		b.StartTime = time.Now().UTC()
	}
	return c.store.Update(ctx, "init_budget", nil, func(tx *Tx) error {
		return putJSON(tx, c.budgetKey(), schemaBudget, b, 0)
	})
}

// UpdateBudget adds delta to the budget totals and returns the new budget.
// Negative deltas are ignored so totals never decrease.
func (c *Client) UpdateBudget(ctx context.Context, d gpsapi.BudgetDelta) (gpsapi.Budget, error) {
	var out gpsapi.Budget
	err := c.store.Update(ctx, "update_budget", []string{c.budgetKey()}, func(tx *Tx) error {
		b, ok, err := c.readBudget(tx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = b.Add(d)
		return putJSON(tx, c.budgetKey(), schemaBudget, out, 0)
	})
	return out, err
}

func (c *Client) Budget(ctx context.Context) (gpsapi.Budget, error) {
	var (
		b  gpsapi.Budget
		ok bool
	)
	err := c.store.Update(ctx, "budget", nil, func(tx *Tx) error {
		var err error
		b, ok, err = c.readBudget(tx)
		return err
	})
	if err != nil {
		return gpsapi.Budget{}, err
	}
	if !ok {
		return gpsapi.Budget{}, ErrNotFound
	}
	return b, nil
}

// SaveIncumbent stores the incumbent of inc.Param.
func (c *Client) SaveIncumbent(ctx context.Context, inc gpsapi.Incumbent) error {
	return c.store.Update(ctx, "save_incumbent", nil, func(tx *Tx) error {
		return putJSON(tx, c.incumbentKey(inc.Param), schemaIncumbent, inc, 0)
	})
}

func (c *Client) Incumbent(ctx context.Context, param string) (gpsapi.Incumbent, error) {
	var (
		inc gpsapi.Incumbent
		ok  bool
	)
	err := c.store.Update(ctx, "incumbent", nil, func(tx *Tx) error {
		var err error
		ok, err = getJSON(tx, c.incumbentKey(param), schemaIncumbent, &inc)
		return err
	})
	if err != nil {
		return gpsapi.Incumbent{}, err
	}
	if !ok {
		return gpsapi.Incumbent{}, ErrNotFound
	}
	return inc, nil
}

// SaveQueueState records the latest instance increment decision together
// with the queue sizes it was based on.
func (c *Client) SaveQueueState(ctx context.Context, qs gpsapi.QueueState) error {
	return c.store.Update(ctx, "save_queue_state", nil, func(tx *Tx) error {
		return putJSON(tx, c.queueStateKey(), schemaQueueState, qs, 0)
	})
}

func (c *Client) LastQueueState(ctx context.Context) (gpsapi.QueueState, error) {
	var (
		qs gpsapi.QueueState
		ok bool
	)
	err := c.store.Update(ctx, "last_queue_state", nil, func(tx *Tx) error {
		var err error
		ok, err = getJSON(tx, c.queueStateKey(), schemaQueueState, &qs)
		return err
	})
	if err != nil {
		return gpsapi.QueueState{}, err
	}
	if !ok {
		return gpsapi.QueueState{}, ErrNotFound
	}
	return qs, nil
}

// Heartbeat publishes a worker's status. The record disappears after ttl
// unless it is refreshed.
func (c *Client) Heartbeat(ctx context.Context, ws gpsapi.WorkerStatus, ttl time.Duration) error {
	if ws.LastSeen.IsZero() {
		ws.LastSeen = time.Now().UTC()
	}
	return c.store.Update(ctx, "heartbeat", nil, func(tx *Tx) error {
		return putJSON(tx, c.workerPrefix()+ws.WorkerID, schemaWorker, ws, ttl)
	})
}

// Workers lists the workers with a live heartbeat, ordered by id.
func (c *Client) Workers(ctx context.Context) ([]gpsapi.WorkerStatus, error) {
	var out []gpsapi.WorkerStatus
	err := c.store.Update(ctx, "workers", nil, func(tx *Tx) error {
		out = out[:0]
		keys, err := tx.Keys(c.workerPrefix())
		if err != nil {
			return err
		}
		for _, k := range keys {
			var ws gpsapi.WorkerStatus
			ok, err := getJSON(tx, k, schemaWorker, &ws)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, ws)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, err
}
