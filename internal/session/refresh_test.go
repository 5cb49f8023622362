package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoalescer_BurstCostsTwoRuns(t *testing.T) {
	var wg sync.WaitGroup
	var runs atomic.Int32
	entered, release := make(chan struct{}), make(chan struct{})
	c := newCoalescer(&wg, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	ctx := context.Background()
	c.trigger(ctx)
	<-entered
	for i := 0; i < 10; i++ {
		c.trigger(ctx)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), runs.Load())

	c.trigger(ctx)
	wg.Wait()
	assert.Equal(t, int32(3), runs.Load())
}

func TestCoalescer_CancelledContextSkipsQueuedRun(t *testing.T) {
	var wg sync.WaitGroup
	var runs atomic.Int32
	entered, release := make(chan struct{}), make(chan struct{})
	c := newCoalescer(&wg, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.trigger(ctx)
	<-entered
	c.trigger(ctx)
	cancel()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
}
