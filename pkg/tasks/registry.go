// Package tasks tracks background goroutines (async jobs, periodic probes,
// cache refreshes) so shutdown can cancel and await all of them.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

type task struct {
	cancel context.CancelFunc
}

// Registry owns named background tasks. Shutdown cancels every task and
// waits for completion; task errors are logged, never propagated.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task)}
}

// Go spawns fn under a cancellable context. Starting a task under a name
// already in use cancels the previous one first. After Shutdown, Go is a
// no-op and reports false.
func (r *Registry) Go(name string, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(context.Background())
	entry := &task{cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return false
	}
	if previous, ok := r.tasks[name]; ok {
		previous.cancel()
	}
	r.tasks[name] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.remove(name, entry)
		fn(ctx)
	}()
	return true
}

// Periodic spawns a task invoking fn every interval until cancelled.
func (r *Registry) Periodic(name string, interval time.Duration, fn func(ctx context.Context)) bool {
	return r.Go(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Cancel stops a named task without waiting for it.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	entry, ok := r.tasks[name]
	r.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Shutdown cancels every task and awaits completion.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for _, entry := range r.tasks {
		entry.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	logger.Debugw("task registry drained")
}

// remove drops the task's registration unless a newer task already took
// over the name.
func (r *Registry) remove(name string, entry *task) {
	entry.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[name]; ok && current == entry {
		delete(r.tasks, name)
	}
}
