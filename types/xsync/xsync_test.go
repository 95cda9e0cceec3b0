// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	require.False(t, l.Test())
	l.Trigger(3)
	l.Trigger(7) // Discarded.
	require.True(t, l.Test())
	require.Equal(t, 3, l.Wait())
}

func TestOnceMap(t *testing.T) {
	var m OnceMap[string, int]
	var calls atomic.Int32
	compute := func() (int, error) {
		calls.Add(1)
		return 42, nil
	}

	const numGoroutines = 32
	var wg sync.WaitGroup
	var computedCount atomic.Int32
	results := make([]int, numGoroutines)
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, computed, err := m.LoadOrCompute("a", compute)
			if err != nil {
				t.Errorf("unexpected error: %+v", err)
			}
			if computed {
				computedCount.Add(1)
			}
			results[ii] = v
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), computedCount.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
	v, found := m.Load("a")
	require.True(t, found)
	require.Equal(t, 42, v)
	require.Equal(t, 1, m.Len())

	// Errors are not stored.
	_, _, err := m.LoadOrCompute("b", func() (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)
	_, found = m.Load("b")
	require.False(t, found)
	v, computed, err := m.LoadOrCompute("b", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, 7, v)

	// Panics release the key.
	require.Panics(t, func() {
		_, _, _ = m.LoadOrCompute("c", func() (int, error) { panic("bad") })
	})
	_, found = m.Load("c")
	require.False(t, found)

	m.Clear()
	require.Equal(t, 0, m.Len())
}
