package heartbeat

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/example/gps/internal/procstat"
	"github.com/example/gps/internal/state"
	"github.com/example/gps/pkg/gpsapi"
)

// Client publishes the worker's status record. The record expires after
// three missed intervals.
type Client struct {
	store     *state.Client
	workerID  string
	host      string
	interval  time.Duration
	running   atomic.Int64
	completed atomic.Int64
}

func New(store *state.Client, workerID string, interval time.Duration) *Client {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	host, _ := os.Hostname()
	return &Client{store: store, workerID: workerID, host: host, interval: interval}
}

func (c *Client) SetStats(running int, completed int64) {
	if c == nil {
		return
	}
	c.running.Store(int64(running))
	c.completed.Store(completed)
}

func (c *Client) Start(ctx context.Context) {
	if err := c.Send(ctx); err != nil {
		log.Printf("heartbeat failed: %v", err)
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(ctx); err != nil && ctx.Err() == nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) Send(ctx context.Context) error {
	cpuUtil, memUtil := procstat.Host(ctx)
	return c.store.Heartbeat(ctx, gpsapi.WorkerStatus{
		WorkerID:   c.workerID,
		Host:       c.host,
		Running:    int(c.running.Load()),
		Completed:  c.completed.Load(),
		CPUUtil:    cpuUtil,
		MemoryUtil: memUtil,
		LastSeen:   time.Now().UTC(),
	}, 3*c.interval)
}
