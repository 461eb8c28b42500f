package state

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gps/internal/observability"
)

var (
	ErrNotFound         = errors.New("state: not found")
	ErrTooManyConflicts = errors.New("state: too many transaction conflicts")
	// errConflict is returned by a backend commit when a key read by the
	// transaction changed before the commit.
	errConflict = errors.New("state: transaction conflict")
)

// Store is a transactional key-value service with optimistic concurrency.
// Every key a transaction reads is watched; the transaction's writes are
// committed atomically only if none of them changed in the meantime.
type Store interface {
	// Update runs fn against a consistent view of the keys it reads and
	// commits the writes fn staged. fn may run several times and must not
	// have side effects outside tx. The keys in watch are read before fn
	// runs.
	Update(ctx context.Context, op string, watch []string, fn func(tx *Tx) error) error
	Close() error
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 64, BaseDelay: time.Millisecond, MaxDelay: 250 * time.Millisecond}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// backoff returns the full-jitter delay before the given retry.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(min(attempt, 20))
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

type write struct {
	key    string
	value  []byte
	ttl    time.Duration
	delete bool
}

// txnConn is one attempt of a transaction against a backend.
type txnConn interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	keys(ctx context.Context, prefix string) ([]string, error)
	commit(ctx context.Context, writes []write) error
	close()
}

type backend interface {
	begin(ctx context.Context) (txnConn, error)
	name() string
}

// Tx stages writes on top of a watched snapshot. Reads see the
// transaction's own writes.
type Tx struct {
	ctx    context.Context
	conn   txnConn
	cache  map[string]cached
	writes map[string]write
	order  []string
}

type cached struct {
	value []byte
	ok    bool
}

func (tx *Tx) Get(key string) ([]byte, bool, error) {
	if w, ok := tx.writes[key]; ok {
		if w.delete {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	if c, ok := tx.cache[key]; ok {
		return c.value, c.ok, nil
	}
	v, ok, err := tx.conn.get(tx.ctx, key)
	if err != nil {
		return nil, false, err
	}
	tx.cache[key] = cached{value: v, ok: ok}
	return v, ok, nil
}

// Keys lists the live keys under prefix. Listing does not watch the keys.
func (tx *Tx) Keys(prefix string) ([]string, error) {
	return tx.conn.keys(tx.ctx, prefix)
}

// Put stages a write. A positive ttl makes the key expire.
func (tx *Tx) Put(key string, value []byte, ttl time.Duration) {
	tx.stage(write{key: key, value: value, ttl: ttl})
}

func (tx *Tx) Delete(key string) {
	tx.stage(write{key: key, delete: true})
}

func (tx *Tx) stage(w write) {
	if _, ok := tx.writes[w.key]; !ok {
		tx.order = append(tx.order, w.key)
	}
	tx.writes[w.key] = w
}

func (tx *Tx) staged() []write {
	out := make([]write, 0, len(tx.order))
	for _, k := range tx.order {
		out = append(out, tx.writes[k])
	}
	return out
}

// runTxn drives fn against b until it commits, fails, or conflicts
// policy.MaxAttempts times in a row.
func runTxn(ctx context.Context, b backend, policy RetryPolicy, op string, watch []string, fn func(tx *Tx) error) error {
	ctx, span := observability.StartSpan(ctx, "state."+op, attribute.String("store.backend", b.name()))
	defer span.End()
	policy = policy.withDefaults()
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := runOnce(ctx, b, watch, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConflict) {
			span.RecordError(err)
			return fmt.Errorf("%s: %w", op, err)
		}
		observability.Default.IncCounter("store_txn_conflicts_total", map[string]string{"op": op, "store_backend": b.name()}, 1)
		timer := time.NewTimer(policy.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	span.RecordError(ErrTooManyConflicts)
	return fmt.Errorf("%s: %w", op, ErrTooManyConflicts)
}

func runOnce(ctx context.Context, b backend, watch []string, fn func(tx *Tx) error) error {
	conn, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer conn.close()
	tx := &Tx{ctx: ctx, conn: conn, cache: map[string]cached{}, writes: map[string]write{}}
	for _, k := range watch {
		if _, _, err := tx.Get(k); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return conn.commit(ctx, tx.staged())
}
