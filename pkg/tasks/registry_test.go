package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoAndShutdownAwaitsCompletion(t *testing.T) {
	r := NewRegistry()
	var finished atomic.Bool

	ok := r.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})
	require.True(t, ok)

	r.Shutdown()
	assert.True(t, finished.Load())
}

func TestGoReplacesExistingName(t *testing.T) {
	r := NewRegistry()
	var firstCancelled atomic.Bool

	r.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		firstCancelled.Store(true)
	})
	r.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
	})

	require.Eventually(t, func() bool { return firstCancelled.Load() }, 2*time.Second, 5*time.Millisecond)
	r.Shutdown()
}

func TestCancelStopsTask(t *testing.T) {
	r := NewRegistry()
	var finished atomic.Bool

	r.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})
	r.Cancel("worker")

	require.Eventually(t, func() bool { return finished.Load() }, 2*time.Second, 5*time.Millisecond)
	r.Shutdown()
}

func TestPeriodicTicks(t *testing.T) {
	r := NewRegistry()
	var ticks atomic.Int32

	r.Periodic("probe", 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	})

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Shutdown()
}

func TestGoAfterShutdown(t *testing.T) {
	r := NewRegistry()
	r.Shutdown()

	ok := r.Go("late", func(context.Context) {})
	assert.False(t, ok)
}
