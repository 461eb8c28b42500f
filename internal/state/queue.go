package state

import (
	"context"
	"time"

	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/stats"
	"github.com/example/gps/pkg/gpsapi"
)

type queueDoc struct {
	Tasks []gpsapi.Task   `json:"tasks"`
	Index map[string]bool `json:"index"`
}

func (q *queueDoc) push(t gpsapi.Task) bool {
	if q.Index == nil {
		q.Index = make(map[string]bool)
	}
	k := t.Key()
	if q.Index[k] {
		return false
	}
	q.Index[k] = true
	q.Tasks = append(q.Tasks, t)
	return true
}

func (q *queueDoc) pop() (gpsapi.Task, bool) {
	if len(q.Tasks) == 0 {
		return gpsapi.Task{}, false
	}
	t := q.Tasks[0]
	q.Tasks = q.Tasks[1:]
	delete(q.Index, t.Key())
	return t, true
}

func (c *Client) readQueue(tx *Tx) (queueDoc, error) {
	var q queueDoc
	if _, err := getJSON(tx, c.queueKey(), schemaQueue, &q); err != nil {
		return queueDoc{}, err
	}
	if q.Index == nil {
		q.Index = make(map[string]bool, len(q.Tasks))
		for _, t := range q.Tasks {
			q.Index[t.Key()] = true
		}
	}
	return q, nil
}

// EnqueueAll appends the tasks that are not already queued. It returns how
// many were added.
func (c *Client) EnqueueAll(ctx context.Context, tasks []gpsapi.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	var added, depth int
	err := c.store.Update(ctx, "enqueue_all", []string{c.queueKey()}, func(tx *Tx) error {
		added = 0
		q, err := c.readQueue(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if q.push(t) {
				added++
			}
		}
		depth = len(q.Tasks)
		if added == 0 {
			return nil
		}
		return putJSON(tx, c.queueKey(), schemaQueue, q, 0)
	})
	if err != nil {
		return 0, err
	}
	c.setQueueGauge(depth)
	return added, nil
}

// CapFunc computes the running time cap of a task from the current bracket
// and the runs of all of its points.
type CapFunc func(br gpsapi.BracketState, runs stats.PointRuns, label string, t gpsapi.Task) float64

// Assignment is a dequeued task together with everything a worker needs to
// run it.
type Assignment struct {
	Task    gpsapi.Task
	Label   string
	Bracket gpsapi.BracketState
	Cap     float64
	Budget  gpsapi.Budget
	Epoch   string
}

// Config returns the full configuration the task runs: the bracket's
// incumbent configuration with the task's value substituted.
func (a Assignment) Config() gpsapi.Config {
	cfg := a.Bracket.Config.Clone()
	if cfg == nil {
		cfg = gpsapi.Config{}
	}
	cfg[a.Task.Param] = a.Task.Value
	return cfg
}

// Dequeue pops the first task whose value is still a point of its bracket,
// computes its cap and leases it to worker. Tasks whose values left the
// bracket are dropped on the way. ok is false when the queue is empty.
func (c *Client) Dequeue(ctx context.Context, worker string, capFn CapFunc) (Assignment, bool, error) {
	var (
		out       Assignment
		found     bool
		discarded int
		depth     int
	)
	err := c.store.Update(ctx, "dequeue", []string{c.queueKey()}, func(tx *Tx) error {
		out, found, discarded = Assignment{}, false, 0
		q, err := c.readQueue(tx)
		if err != nil {
			return err
		}
		for !found {
			t, ok := q.pop()
			if !ok {
				break
			}
			br, ok, err := c.readBracket(tx, t.Param)
			if err != nil {
				return err
			}
			label, isPoint := br.Label(t.Value)
			if !ok || !isPoint {
				discarded++
				continue
			}
			runs, err := c.readRuns(tx, t.Param, br.Labels)
			if err != nil {
				return err
			}
			cp := capFn(br, runs, label, t)
			lease := gpsapi.Lease{Task: t, Worker: worker, Cap: cp, StartedAt: time.Now().UTC()}
			if err := putJSON(tx, c.leaseKey(t.Key()), schemaLease, lease, LeaseTTL(cp)); err != nil {
				return err
			}
			out = Assignment{Task: t, Label: label, Bracket: br, Cap: cp}
			found = true
		}
		depth = len(q.Tasks)
		if !found && discarded == 0 {
			return nil
		}
		return putJSON(tx, c.queueKey(), schemaQueue, q, 0)
	})
	if err != nil {
		return Assignment{}, false, err
	}
	if discarded > 0 {
		c.incDiscarded("dequeue", discarded)
	}
	c.setQueueGauge(depth)
	if !found {
		return out, false, nil
	}
	if out.Budget, out.Epoch, err = c.runContext(ctx); err != nil {
		return Assignment{}, false, err
	}
	return out, true, nil
}

// runContext reads the budget and epoch in their own transaction, so
// budget updates from other workers do not conflict with a dequeue.
func (c *Client) runContext(ctx context.Context) (gpsapi.Budget, string, error) {
	var (
		b     gpsapi.Budget
		epoch string
	)
	err := c.store.Update(ctx, "run_context", nil, func(tx *Tx) error {
		var err error
		if b, _, err = c.readBudget(tx); err != nil {
			return err
		}
		epoch, err = c.readEpoch(tx)
		return err
	})
	return b, epoch, err
}

// QueueState reports the number of queued tasks and of live leases.
func (c *Client) QueueState(ctx context.Context) (gpsapi.QueueState, error) {
	var qs gpsapi.QueueState
	err := c.store.Update(ctx, "queue_state", []string{c.queueKey()}, func(tx *Tx) error {
		q, err := c.readQueue(tx)
		if err != nil {
			return err
		}
		leased, err := c.leasedTasks(tx)
		if err != nil {
			return err
		}
		qs = gpsapi.QueueState{Queued: len(q.Tasks), Running: len(leased)}
		return nil
	})
	return qs, err
}

// Lease returns the lease of a running task.
func (c *Client) Lease(ctx context.Context, t gpsapi.Task) (gpsapi.Lease, error) {
	var (
		l  gpsapi.Lease
		ok bool
	)
	err := c.store.Update(ctx, "lease", nil, func(tx *Tx) error {
		var err error
		ok, err = getJSON(tx, c.leaseKey(t.Key()), schemaLease, &l)
		return err
	})
	if err != nil {
		return gpsapi.Lease{}, err
	}
	if !ok {
		return gpsapi.Lease{}, ErrNotFound
	}
	return l, nil
}

// ReleaseLease drops the lease of a task whose run is not recorded.
func (c *Client) ReleaseLease(ctx context.Context, t gpsapi.Task) error {
	return c.store.Update(ctx, "release_lease", nil, func(tx *Tx) error {
		tx.Delete(c.leaseKey(t.Key()))
		return nil
	})
}

func (c *Client) incDiscarded(where string, n int) {
	observability.Default.IncCounter("tasks_discarded_total", c.labels(map[string]string{"where": where}), float64(n))
}
