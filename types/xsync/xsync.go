// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// LatchWithValue implements a "latch" synchronization mechanism, with a value associated with the
// triggering of the latch.
//
// Once triggered it never changes state, and later values given to Trigger are discarded.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		latch: NewLatch(),
	}
}

// Trigger latch and saves the associated value.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait waits for the latch to be triggered and returns the value given to Trigger.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// OnceMap is a concurrent map where the value of each key is computed at most once successfully.
//
// Insertion is per key (an atomic insert-if-absent in a sync.Map), so computations for different keys
// never serialize on each other. Concurrent callers asking for a key being computed wait for the
// first caller's result.
//
// The zero value is ready to use. It should not be copied after first use.
type OnceMap[K comparable, V any] struct {
	m sync.Map // K -> *onceEntry[V]
}

type onceResult[V any] struct {
	value V
	err   error
}

type onceEntry[V any] struct {
	result *LatchWithValue[onceResult[V]]
}

// LoadOrCompute returns the value stored for key. If there is none, it calls compute and stores its result.
//
// The returned computed is true only for the caller whose compute function produced the value.
// If compute fails (or panics) nothing is stored, waiting callers receive the error, and a later
// call will try again.
func (m *OnceMap[K, V]) LoadOrCompute(key K, compute func() (V, error)) (value V, computed bool, err error) {
	if e, found := m.m.Load(key); found {
		r := e.(*onceEntry[V]).result.Wait()
		return r.value, false, r.err
	}
	entry := &onceEntry[V]{result: NewLatchWithValue[onceResult[V]]()}
	actual, loaded := m.m.LoadOrStore(key, entry)
	if loaded {
		r := actual.(*onceEntry[V]).result.Wait()
		return r.value, false, r.err
	}

	finished := false
	defer func() {
		if !finished {
			// compute panicked: release the waiters and let the panic go on.
			m.m.CompareAndDelete(key, entry)
			entry.result.Trigger(onceResult[V]{err: errors.Errorf("computation of value for key %v panicked", key)})
		}
	}()
	value, err = compute()
	finished = true
	if err != nil {
		m.m.CompareAndDelete(key, entry)
		entry.result.Trigger(onceResult[V]{err: err})
		return value, false, err
	}
	entry.result.Trigger(onceResult[V]{value: value})
	return value, true, nil
}

// Load returns the value for key if it has been successfully computed.
// It doesn't wait for in-flight computations.
func (m *OnceMap[K, V]) Load(key K) (value V, found bool) {
	e, ok := m.m.Load(key)
	if !ok {
		return
	}
	entry := e.(*onceEntry[V])
	if !entry.result.Test() {
		return
	}
	r := entry.result.Wait()
	if r.err != nil {
		return
	}
	return r.value, true
}

// Range calls fn sequentially for each computed key and value present in the map.
// If fn returns false, range stops the iteration.
func (m *OnceMap[K, V]) Range(fn func(key K, value V) bool) {
	m.m.Range(func(k, e any) bool {
		entry := e.(*onceEntry[V])
		if !entry.result.Test() {
			return true
		}
		r := entry.result.Wait()
		if r.err != nil {
			return true
		}
		return fn(k.(K), r.value)
	})
}

// Len returns the number of computed values stored.
func (m *OnceMap[K, V]) Len() (count int) {
	m.Range(func(K, V) bool {
		count++
		return true
	})
	return
}

// Clear removes all entries. In-flight computations still deliver their result to their waiters.
func (m *OnceMap[K, V]) Clear() {
	m.m.Clear()
}
