// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/gomlx/dnnalgo/types/xsync"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// streamQueueSize is the number of tasks that can be enqueued before Enqueue blocks.
const streamQueueSize = 1024

// Stream executes enqueued tasks in order, in its own goroutine.
//
// Errors returned by tasks (or errors they panic with) don't stop the stream: the first one is kept and reported by Synchronize.
type Stream struct {
	id    uuid.UUID
	tasks chan func() error

	// closeMu protects closed, and is read-locked while sending on tasks.
	closeMu sync.RWMutex
	closed  bool
	done    *xsync.Latch

	errMu    sync.Mutex
	firstErr error
}

// NewStream creates a stream and starts its goroutine. The id is used in logs.
func NewStream(id uuid.UUID) *Stream {
	s := &Stream{
		id:    id,
		tasks: make(chan func() error, streamQueueSize),
		done:  xsync.NewLatch(),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer s.done.Trigger()
	for task := range s.tasks {
		var err error
		if panicErr := exceptions.TryCatch[error](func() { err = task() }); panicErr != nil {
			err = panicErr
		}
		if err == nil {
			continue
		}
		klog.Errorf("stream %s: asynchronous task failed: %+v", s.id, err)
		s.errMu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.errMu.Unlock()
	}
}

// Enqueue task to be executed after every task enqueued before it.
//
// It panics if the stream is closed.
func (s *Stream) Enqueue(task func() error) {
	if !s.tryEnqueue(task) {
		exceptions.Panicf("stream %s: Enqueue called on a closed stream", s.id)
	}
}

// tryEnqueue enqueues task and returns true, or returns false if the stream is closed.
func (s *Stream) tryEnqueue(task func() error) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	s.tasks <- task
	return true
}

// Synchronize waits for all tasks enqueued so far to finish, and returns the first error that
// happened since the last call to Synchronize.
func (s *Stream) Synchronize() error {
	marker := xsync.NewLatch()
	if !s.tryEnqueue(func() error {
		marker.Trigger()
		return nil
	}) {
		return errors.Errorf("stream %s: Synchronize called on a closed stream", s.id)
	}
	marker.Wait()

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.firstErr
	s.firstErr = nil
	return err
}

// Close the stream. Already enqueued tasks are still executed. It is a no-op if already closed.
func (s *Stream) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.tasks)
	s.closeMu.Unlock()
	s.done.Wait()
}
