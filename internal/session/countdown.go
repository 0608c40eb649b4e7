package session

import (
	"context"
	"time"
)

// Countdown calls tick on every interval until tick returns false or the task
// is stopped.
type Countdown struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startCountdown(parent context.Context, interval time.Duration, tick func() bool) *Countdown {
	ctx, cancel := context.WithCancel(parent)
	c := &Countdown{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tick() {
					return
				}
			}
		}
	}()

	return c
}

// Stop cancels the task without waiting. Safe to call more than once and while
// holding locks the tick function takes.
func (c *Countdown) Stop() {
	c.cancel()
}

// Done is closed once the goroutine has exited.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}
