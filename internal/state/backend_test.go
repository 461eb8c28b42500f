package state

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/example/gps/pkg/gpsapi"
)

// exerciseClient drives the operations a coordinator and its workers use
// against any backend.
func exerciseClient(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	if err := c.UpdateBracket(ctx, "x", "real", bracketPoints(0, 20, 5, 10), gpsapi.Config{}); err != nil {
		t.Fatalf("update bracket: %v", err)
	}
	if err := c.InitBudget(ctx, gpsapi.Budget{}); err != nil {
		t.Fatalf("init budget: %v", err)
	}
	if err := c.SetEpoch(ctx, "e1"); err != nil {
		t.Fatalf("set epoch: %v", err)
	}
	tasks := make([]gpsapi.Task, 0, 12)
	for i := 0; i < 12; i++ {
		tasks = append(tasks, gpsapi.Task{Param: "x", Value: gpsapi.Num(5), Instance: "i", Seed: int64(i)})
	}
	if _, err := c.EnqueueAll(ctx, tasks); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seen := sync.Map{}
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				a, ok, err := c.Dequeue(ctx, worker, fixedCap(2))
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if !ok {
					return
				}
				if _, loaded := seen.LoadOrStore(a.Task.Key(), true); loaded {
					t.Errorf("duplicate dequeue of %s", a.Task.Key())
				}
				rec := gpsapi.RunRecord{Status: gpsapi.StatusSuccess, Runtime: 1, Worker: worker}
				if _, err := c.AddRun(ctx, a.Epoch, a.Task, rec); err != nil {
					t.Errorf("add run: %v", err)
					return
				}
				if _, err := c.UpdateBudget(ctx, gpsapi.BudgetDelta{CPUTime: 1, Runs: 1}); err != nil {
					t.Errorf("update budget: %v", err)
					return
				}
			}
		}("w" + strconv.Itoa(w))
	}
	wg.Wait()

	runs, err := c.GetRuns(ctx, "x", []string{"c"})
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	if len(runs["c"]) != len(tasks) {
		t.Fatalf("expected %d runs, got %d", len(tasks), len(runs["c"]))
	}
	b, err := c.Budget(ctx)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if b.TotalRuns != int64(len(tasks)) {
		t.Fatalf("expected %d runs in budget, got %d", len(tasks), b.TotalRuns)
	}
	qs, err := c.QueueState(ctx)
	if err != nil {
		t.Fatalf("queue state: %v", err)
	}
	if qs.Queued != 0 || qs.Running != 0 {
		t.Fatalf("expected drained queue, got %+v", qs)
	}
}

func TestSQLiteStoreSharesStateAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	exerciseClient(t, NewClient(s, "gps-test", "sqlite"))

	// a second handle on the same file sees the committed state
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer s2.Close()
	b, err := NewClient(s2, "gps-test", "sqlite").Budget(context.Background())
	if err != nil {
		t.Fatalf("budget via second handle: %v", err)
	}
	if b.TotalRuns != 12 {
		t.Fatalf("expected 12 runs, got %d", b.TotalRuns)
	}
}

func TestSQLiteStoreExpiresKeys(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gps.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	now := time.Now()
	s.now = func() time.Time { return now }
	c := NewClient(s, "gps-test", "ttl")
	ctx := context.Background()
	if err := c.Heartbeat(ctx, gpsapi.WorkerStatus{WorkerID: "w1"}, time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ws, _ := c.Workers(ctx); len(ws) != 1 {
		t.Fatalf("expected one worker, got %+v", ws)
	}
	now = now.Add(2 * time.Second)
	if ws, _ := c.Workers(ctx); len(ws) != 0 {
		t.Fatalf("expected heartbeat to expire, got %+v", ws)
	}
}

func TestListMigrationFilesSortsSQLFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("SELECT 1;")},
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"README.md":  {Data: []byte("x")},
	}
	files, err := listMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0] != "0001_a.sql" || files[1] != "0002_b.sql" {
		t.Fatalf("unexpected migration order %v", files)
	}
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("GPS_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set GPS_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	s := NewRedisStore(RedisStoreConfig{Addr: addr, Timeout: 2 * time.Second})
	run := "integration-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	c := NewClient(s, "gps-test", run)
	defer func() { _ = c.Reset(context.Background()) }()
	exerciseClient(t, c)
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob(`gps:run[1]:*?`); got != `gps:run\[1\]:\*\?` {
		t.Fatalf("unexpected escape %q", got)
	}
}
