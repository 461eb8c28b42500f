package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/gps/internal/state"
	"github.com/example/gps/worker/internal/heartbeat"
)

var ErrRunStopped = errors.New("configuration run already stopped")

// Register waits until a coordinator has published a run epoch, announces
// the worker with a first heartbeat and returns the epoch the worker is
// bound to.
func Register(ctx context.Context, client *state.Client, hb *heartbeat.Client, poll, timeout time.Duration) (string, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		epoch, err := client.Epoch(ctx)
		if err != nil {
			return "", fmt.Errorf("read run epoch: %w", err)
		}
		switch epoch {
		case "":
		case state.EpochStopped:
			return "", ErrRunStopped
		default:
			if err := hb.Send(ctx); err != nil {
				return "", fmt.Errorf("first heartbeat: %w", err)
			}
			return epoch, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for coordinator: %w", ctx.Err())
		case <-time.After(poll):
		}
	}
}
