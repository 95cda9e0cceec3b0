// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines used by CPU strategies to compute
// independent rows of tiles in parallel.
package workerspool

import (
	"sync"
	"sync/atomic"
)

// Pool bounds the number of goroutines running tile tasks. The bound is soft: a worker that waits on
// other workers (see WorkerIsAsleep) temporarily lends its slot.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	numRunning     int
	sleeping       atomic.Int32
}

// NewWithParallelism returns a Pool targeting maxParallelism concurrent tasks.
// 0 disables parallelism, a negative value makes it unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	return &Pool{maxParallelism: maxParallelism}
}

// IsEnabled returns whether tasks may run in other goroutines.
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether the number of goroutines is unbounded.
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the soft target on the number of concurrent tasks.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// goroutineToParallelismRatio is the number of goroutines allowed per unit of parallelism.
const goroutineToParallelismRatio = 2

// lockedIsFull must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.sleeping.Load())
}

// lockedRunTaskInGoroutine must be called with w.mu held.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.mu.Unlock()
	}()
}

// StartIfAvailable starts the task in a new goroutine and returns true, or returns false if the pool is full.
// The caller synchronizes with the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// WorkerIsAsleep lends the slot of the calling worker while it waits on other tasks.
// It must be followed by WorkerRestarted.
func (w *Pool) WorkerIsAsleep() {
	w.sleeping.Add(1)
}

// WorkerRestarted takes back the slot lent by WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.sleeping.Add(-1)
}

// ParallelFor calls fn(ii) for every ii in [0, n) and returns when all calls finished.
//
// Calls are started in the pool while there are workers available, and run inline in the calling
// goroutine otherwise, so it never deadlocks, even with parallelism disabled. A nil pool runs
// everything inline.
//
// The calls must be independent of each other.
func (w *Pool) ParallelFor(n int, fn func(ii int)) {
	if w == nil || !w.IsEnabled() || n <= 1 {
		for ii := range n {
			fn(ii)
		}
		return
	}
	var wg sync.WaitGroup
	for ii := range n {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(ii)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}
