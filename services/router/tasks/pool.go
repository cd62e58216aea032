// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tasks runs deferred work (cache warm-writes, analytics spill)
// on a bounded worker pool with an explicit lifecycle. Submission never
// blocks the request path: a full queue drops the task and reports it.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one unit of deferred work. The context carries the pool's
// shutdown deadline, not the originating request's.
type Task struct {
	// Name identifies the task kind in logs and metrics.
	Name string

	// Run does the work. Errors are logged, never retried.
	Run func(ctx context.Context) error
}

// Observer receives task lifecycle notifications. Implemented by the
// metrics layer; a nil observer disables reporting.
type Observer interface {
	TaskQueued(name string)
	TaskDropped(name string)
	TaskCompleted(name string, err error)
}

// Pool is the bounded background worker pool.
//
// # Description
//
// A fixed number of workers drain a fixed-capacity channel. Submit is
// non-blocking: when the queue is full the task is dropped, counted, and
// the caller moves on. Close stops intake, lets queued work drain within
// the drain timeout, then cancels the worker context.
//
// # Thread Safety
//
// Pool is safe for concurrent use. Submit after Close returns an error.
type Pool struct {
	queue chan Task

	workers      int
	taskTimeout  time.Duration
	drainTimeout time.Duration
	observer     Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithTaskTimeout bounds each task's execution.
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.taskTimeout = d }
}

// WithDrainTimeout bounds how long Close waits for queued work.
func WithDrainTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.drainTimeout = d }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// NewPool starts workers workers over a queue of queueSize.
func NewPool(workers, queueSize int, opts ...PoolOption) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}
	if queueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", queueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:        make(chan Task, queueSize),
		workers:      workers,
		taskTimeout:  30 * time.Second,
		drainTimeout: 10 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit enqueues a task without blocking. A full queue drops the task.
//
// The mutex is held across the send so Close cannot close the queue
// between the closed check and the enqueue.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool is closed")
	}

	select {
	case p.queue <- task:
		if p.observer != nil {
			p.observer.TaskQueued(task.Name)
		}
		return nil
	default:
		slog.Warn("Background task dropped, queue full", slog.String("task", task.Name))
		if p.observer != nil {
			p.observer.TaskDropped(task.Name)
		}
		return fmt.Errorf("task queue full, dropped %q", task.Name)
	}
}

// Close stops intake and drains queued tasks. Safe to call twice.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		slog.Warn("Task pool drain timed out, cancelling remaining work")
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.runOne(task)
	}
}

func (p *Pool) runOne(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Background task panicked",
				slog.String("task", task.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if p.observer != nil {
				p.observer.TaskCompleted(task.Name, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
	defer cancel()

	err := task.Run(ctx)
	if err != nil {
		slog.Warn("Background task failed",
			slog.String("task", task.Name),
			slog.Any("error", err))
	}
	if p.observer != nil {
		p.observer.TaskCompleted(task.Name, err)
	}
}
