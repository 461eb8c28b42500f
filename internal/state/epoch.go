package state

import (
	"context"
)

// EpochStopped is written by the coordinator on exit. Workers holding any
// other epoch see the change and stop.
const EpochStopped = "stopped"

func (c *Client) readEpoch(tx *Tx) (string, error) {
	var epoch string
	if _, err := getJSON(tx, c.epochKey(), schemaEpoch, &epoch); err != nil {
		return "", err
	}
	return epoch, nil
}

// SetEpoch replaces the run epoch token.
func (c *Client) SetEpoch(ctx context.Context, epoch string) error {
	return c.store.Update(ctx, "set_epoch", nil, func(tx *Tx) error {
		return putJSON(tx, c.epochKey(), schemaEpoch, epoch, 0)
	})
}

// Epoch returns the current run epoch, or "" when none was set.
func (c *Client) Epoch(ctx context.Context) (string, error) {
	var epoch string
	err := c.store.Update(ctx, "epoch", nil, func(tx *Tx) error {
		var err error
		epoch, err = c.readEpoch(tx)
		return err
	})
	return epoch, err
}
