package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	version int64
	expires time.Time
	deleted bool
}

func (e memEntry) live(now time.Time) bool {
	if e.version == 0 || e.deleted {
		return false
	}
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryStore keeps everything in process. It is used by tests and by
// single-process runs where the coordinator and workers share one Store.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memEntry
	seq   int64
	retry RetryPolicy
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memEntry),
		retry: DefaultRetryPolicy,
		now:   time.Now,
	}
}

func (m *MemoryStore) Update(ctx context.Context, op string, watch []string, fn func(tx *Tx) error) error {
	return runTxn(ctx, m, m.retry, op, watch, fn)
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) name() string { return "memory" }

func (m *MemoryStore) begin(context.Context) (txnConn, error) {
	return &memConn{m: m, seen: map[string]memSeen{}}, nil
}

type memSeen struct {
	version int64
	live    bool
}

type memConn struct {
	m    *MemoryStore
	seen map[string]memSeen
}

func (c *memConn) get(_ context.Context, key string) ([]byte, bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	e := c.m.data[key]
	live := e.live(c.m.now())
	c.seen[key] = memSeen{version: e.version, live: live}
	if !live {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *memConn) keys(_ context.Context, prefix string) ([]string, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	now := c.m.now()
	out := make([]string, 0)
	for k, e := range c.m.data {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *memConn) commit(_ context.Context, writes []write) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	now := c.m.now()
	for k, s := range c.seen {
		e := c.m.data[k]
		if e.version != s.version || e.live(now) != s.live {
			return errConflict
		}
	}
	for _, w := range writes {
		c.m.seq++
		if w.delete {
			c.m.data[w.key] = memEntry{version: c.m.seq, deleted: true}
			continue
		}
		e := memEntry{value: append([]byte(nil), w.value...), version: c.m.seq}
		if w.ttl > 0 {
			e.expires = now.Add(w.ttl)
		}
		c.m.data[w.key] = e
	}
	return nil
}

func (c *memConn) close() {}
