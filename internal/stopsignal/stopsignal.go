// Package stopsignal folds the run's cancellation sources into one context:
// OS signals, the optional duration limit, and an out-of-band stop file that
// operators touch to end a run from outside the process tree.
package stopsignal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultPollInterval is how often the stop file is checked for existence.
// Polling, not watching: the file may live on filesystems where watches are
// unreliable.
const DefaultPollInterval = 500 * time.Millisecond

// Options selects which cancellation sources are armed.
type Options struct {
	Duration     time.Duration // 0 runs until stopped
	StopFile     string        // "" disables file polling
	PollInterval time.Duration // 0 uses DefaultPollInterval
}

// Controller owns the run context and remembers which source ended it.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	cause string

	sigCh  chan os.Signal
	timer  *time.Timer
	ticker *time.Ticker
}

// New arms the configured sources under parent and returns the controller.
// Callers must Close it to release the signal registration.
func New(parent context.Context, opts Options) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{ctx: ctx, cancel: cancel}

	c.sigCh = make(chan os.Signal, 2)
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)

	var durationCh <-chan time.Time
	if opts.Duration > 0 {
		c.timer = time.NewTimer(opts.Duration)
		durationCh = c.timer.C
	}

	var pollCh <-chan time.Time
	if opts.StopFile != "" {
		interval := opts.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		c.ticker = time.NewTicker(interval)
		pollCh = c.ticker.C
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-c.sigCh:
				c.trip("signal: " + sig.String())
				return
			case <-durationCh:
				c.trip("duration")
				return
			case <-pollCh:
				if _, err := os.Stat(opts.StopFile); err == nil {
					c.trip("stop-file")
					return
				}
			}
		}
	}()

	return c
}

// Context is the run context; it ends when any armed source fires.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Cause names the source that ended the run, or "" while it is still alive
// or when the parent context was cancelled externally.
func (c *Controller) Cause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close cancels the context and releases the signal registration and timers.
func (c *Controller) Close() {
	c.cancel()
	signal.Stop(c.sigCh)
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

func (c *Controller) trip(cause string) {
	c.mu.Lock()
	if c.cause == "" {
		c.cause = cause
	}
	c.mu.Unlock()
	c.cancel()
}

// ClearFlag removes a stale stop file left behind by a previous run. A
// missing file is not an error.
func ClearFlag(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
