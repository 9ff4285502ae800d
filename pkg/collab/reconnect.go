package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxConnectAttempts caps consecutive failed dials before Run gives up. A
// server missing for five straight attempts is down, not blinking; the
// application decides what to do next.
const maxConnectAttempts = 5

// ErrRetriesExhausted is returned by Run after maxConnectAttempts consecutive
// connection failures.
var ErrRetriesExhausted = errors.New("collab: connection attempts exhausted")

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitialWait
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run keeps the client connected until ctx is canceled. Every drop triggers
// an immediate redial; consecutive failures back off exponentially, and the
// failure count resets on every successful connection.
func (c *Client) Run(ctx context.Context) error {
	bo := c.newBackOff()
	failures := 0

	for {
		if err := c.Connect(ctx); err != nil {
			failures++
			if failures >= maxConnectAttempts {
				return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			wait := bo.NextBackOff()
			c.logger.Warn("connect failed, retrying",
				"attempt", failures,
				"wait", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		bo.Reset()

		c.mu.Lock()
		done := c.done
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-done:
			c.logger.Info("connection lost, reconnecting", "document_id", c.opts.DocumentID)
		}
	}
}
