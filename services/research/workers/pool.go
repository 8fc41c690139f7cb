// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workers provides a persistent bounded worker pool.
//
// A Pool owns a fixed number of goroutines fed through a task channel.
// Callers Submit work and collect completions with Next in completion
// order, which lets a scheduling loop react to the first finished task
// instead of waiting for a whole batch. Gather layers submission-order
// collection on top for fan-out/fan-in callers.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Submit and Next after Close.
	ErrClosed = errors.New("workers: pool closed")

	// ErrNothingPending is returned by Next when no submitted task is
	// waiting to be collected.
	ErrNothingPending = errors.New("workers: no pending tasks")
)

// PanicError is the error recorded for a task whose Run panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workers: task panicked: %v", e.Value)
}

// Task is one unit of work. Key identifies the task in its Result.
type Task[K comparable, T any] struct {
	Key K
	Run func(ctx context.Context) (T, error)
}

// Result is the outcome of one Task.
type Result[K comparable, T any] struct {
	Key        K
	Value      T
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the task ran.
func (r Result[K, T]) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Pool runs tasks on a fixed set of goroutines.
//
// Submit blocks until a worker accepts the task, so at most Size tasks run
// at any moment. Completed results are buffered up to Size; a caller that
// keeps Submit-ing without calling Next eventually blocks.
//
// Thread Safety: Safe for concurrent use. Next is normally called from a
// single collecting goroutine.
type Pool[K comparable, T any] struct {
	size    int
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan Task[K, T]
	results chan Result[K, T]
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	pending atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

// NewPool starts a pool with size workers.
//
// Inputs:
//   - ctx: Parent context handed (derived) to every task. Cancelled by Close.
//   - size: Number of workers. Values below 1 are treated as 1.
//
// Outputs:
//   - *Pool: A running pool. Callers must Close it.
func NewPool[K comparable, T any](ctx context.Context, size int) *Pool[K, T] {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool[K, T]{
		size:    size,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan Task[K, T]),
		results: make(chan Result[K, T], size),
		quit:    make(chan struct{}),
	}
	p.wg.Add(size)
	for range size {
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool[K, T]) Size() int { return p.size }

// Pending returns the number of submitted tasks whose results have not been
// collected by Next.
func (p *Pool[K, T]) Pending() int { return int(p.pending.Load()) }

// Peak returns the highest number of tasks observed running at once.
func (p *Pool[K, T]) Peak() int { return int(p.peak.Load()) }

// Submit hands task to a free worker, blocking until one accepts it.
//
// Outputs:
//   - error: ctx.Err() if ctx ends first, ErrClosed after Close.
func (p *Pool[K, T]) Submit(ctx context.Context, task Task[K, T]) error {
	if task.Run == nil {
		return fmt.Errorf("workers: task %v has nil Run", task.Key)
	}
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	case <-p.quit:
		p.pending.Add(-1)
		return ErrClosed
	}
}

// Next blocks until any submitted task finishes and returns its result.
//
// Outputs:
//   - Result: The first completed result not yet collected.
//   - error: ErrNothingPending when nothing is outstanding, ctx.Err() or
//     ErrClosed otherwise. A task failure is reported in Result.Err, not here.
func (p *Pool[K, T]) Next(ctx context.Context) (Result[K, T], error) {
	if p.pending.Load() <= 0 {
		return Result[K, T]{}, ErrNothingPending
	}
	select {
	case r := <-p.results:
		p.pending.Add(-1)
		return r, nil
	case <-ctx.Done():
		return Result[K, T]{}, ctx.Err()
	case <-p.quit:
		return Result[K, T]{}, ErrClosed
	}
}

// Close cancels running tasks, stops the workers and waits for them.
// Uncollected results are dropped. Close is idempotent.
func (p *Pool[K, T]) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pool[K, T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			res := p.run(task)
			select {
			case p.results <- res:
			case <-p.quit:
				return
			}
		}
	}
}

func (p *Pool[K, T]) run(task Task[K, T]) (res Result[K, T]) {
	n := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	res.Key = task.Key
	res.StartedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		res.FinishedAt = time.Now()
		p.running.Add(-1)
	}()
	res.Value, res.Err = task.Run(p.ctx)
	return res
}

// Gather runs every fn on p and returns their results in submission order,
// regardless of completion order. The pool must not be shared with another
// collector while Gather runs.
//
// Outputs:
//   - []Result: One result per fn, index-aligned with fns.
//   - error: Non-nil only if ctx ends or the pool closes before all results
//     arrive; per-task failures are in Result.Err.
func Gather[T any](ctx context.Context, p *Pool[int, T], fns []func(context.Context) (T, error)) ([]Result[int, T], error) {
	out := make([]Result[int, T], len(fns))
	if len(fns) == 0 {
		return out, nil
	}

	submitErr := make(chan error, 1)
	go func() {
		for i, fn := range fns {
			if err := p.Submit(ctx, Task[int, T]{Key: i, Run: fn}); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	for collected := 0; collected < len(fns); {
		select {
		case r := <-p.results:
			p.pending.Add(-1)
			out[r.Key] = r
			collected++
		case err := <-submitErr:
			if err != nil {
				return out, err
			}
			submitErr = nil
		case <-ctx.Done():
			return out, ctx.Err()
		case <-p.quit:
			return out, ErrClosed
		}
	}
	return out, nil
}
