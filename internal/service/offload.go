package service

import (
	"context"
	"errors"
	"runtime"
)

// ErrOffloadQueueFull reports that the offload pool's backlog is at
// capacity.
var ErrOffloadQueueFull = errors.New("offload queue full")

// OffloadResult resolves an offloaded call.
type OffloadResult struct {
	Value any
	Err   error
}

type offloadTask struct {
	fn   func() (any, error)
	done chan OffloadResult
}

// OffloadPool runs CPU-bound or blocking calls on a fixed set of
// workers so handlers never stall the runtime. Results come back as
// one-shot futures.
type OffloadPool struct {
	tasks chan offloadTask
}

// NewOffloadPool starts workers goroutines consuming a backlog of
// queueSize tasks. workers <= 0 defaults to GOMAXPROCS.
func NewOffloadPool(ctx context.Context, workers, queueSize int) *OffloadPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	p := &OffloadPool{tasks: make(chan offloadTask, queueSize)}
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	return p
}

func (p *OffloadPool) worker(ctx context.Context) {
	for {
		select {
		case task := <-p.tasks:
			value, err := task.fn()
			task.done <- OffloadResult{Value: value, Err: err}
		case <-ctx.Done():
			return
		}
	}
}

// Submit queues fn and returns its future. It fails fast when the
// backlog is full rather than blocking the caller.
func (p *OffloadPool) Submit(fn func() (any, error)) (<-chan OffloadResult, error) {
	task := offloadTask{fn: fn, done: make(chan OffloadResult, 1)}
	select {
	case p.tasks <- task:
		return task.done, nil
	default:
		return nil, ErrOffloadQueueFull
	}
}

// Run submits fn and blocks until it resolves or ctx is done.
func (p *OffloadPool) Run(ctx context.Context, fn func() (any, error)) (any, error) {
	done, err := p.Submit(fn)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-done:
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
