package session

import (
	"context"
	"sync"
)

// coalescer runs fn off the event loop with at most one run in flight and
// one queued behind it. Triggers that arrive while a run is queued fold
// into it, so a burst of events costs two fetches, not one per event.
type coalescer struct {
	fn func(ctx context.Context)
	wg *sync.WaitGroup

	mu      sync.Mutex
	running bool
	again   bool
}

func newCoalescer(wg *sync.WaitGroup, fn func(ctx context.Context)) *coalescer {
	return &coalescer{fn: fn, wg: wg}
}

func (c *coalescer) trigger(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.again = true
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *coalescer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() == nil {
			c.fn(ctx)
		}
		c.mu.Lock()
		if !c.again {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.again = false
		c.mu.Unlock()
	}
}
