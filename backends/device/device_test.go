// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithConfig(t *testing.T) {
	h := must.M1(NewWithConfig("cpu"))
	defer func() { _ = h.Close() }()
	assert.Equal(t, CPU, h.Type())
	assert.Equal(t, uint64(math.MaxUint64), h.WorkspaceLimit())
	assert.Equal(t, "cpu", h.Key())
	assert.False(t, h.IsComputeCapabilityRequired(1, 0))

	h2 := must.M1(NewWithConfig("cuda:sm=7.5, workspace=64MiB, parallelism=0"))
	defer func() { _ = h2.Close() }()
	assert.Equal(t, CUDA, h2.Type())
	assert.Equal(t, ComputeCapability{7, 5}, h2.ComputeCapability())
	assert.Equal(t, uint64(64<<20), h2.WorkspaceLimit())
	assert.Equal(t, 0, h2.Pool().MaxParallelism())
	assert.True(t, h2.IsComputeCapabilityRequired(6, 1))
	assert.True(t, h2.IsComputeCapabilityRequired(7, 5))
	assert.False(t, h2.IsComputeCapabilityRequired(8, 0))
	assert.Equal(t, "cuda(sm_75)", h2.Key())
	assert.Contains(t, h2.String(), "workspace=64 MiB")

	h3 := must.M1(NewWithConfig("CUDA:sm=sm_61"))
	defer func() { _ = h3.Close() }()
	assert.Equal(t, ComputeCapability{6, 1}, h3.ComputeCapability())
	assert.NotEqual(t, h2.ID(), h3.ID())

	h4 := must.M1(NewWithConfig("rocm"))
	defer func() { _ = h4.Close() }()
	assert.Equal(t, ROCm, h4.Type())
	assert.False(t, h4.IsComputeCapabilityRequired(0, 0))

	for _, config := range []string{"tpu", "cpu:sm=7.5", "cpu:parallelism=many", "cpu:workspace=lots", "cuda:sm=x", "cpu:foo"} {
		_, err := NewWithConfig(config)
		assert.Error(t, err, "config %q should have failed", config)
	}
}

func TestNew(t *testing.T) {
	t.Setenv(DNNALGO_DEVICE, "cuda:sm=9.0")
	h := must.M1(New())
	require.Equal(t, CUDA, h.Type())
	require.Equal(t, ComputeCapability{9, 0}, h.ComputeCapability())
	require.NoError(t, h.Close())

	t.Setenv(DNNALGO_DEVICE, "")
	h = must.M1(New())
	require.Equal(t, CPU, h.Type())
	require.NoError(t, h.Close())
}

func TestParseType(t *testing.T) {
	for _, deviceType := range []Type{CPU, CUDA, ROCm} {
		parsed, err := ParseType(deviceType.String())
		require.NoError(t, err)
		require.Equal(t, deviceType, parsed)
	}
	_, err := ParseType("tpu")
	require.Error(t, err)
	require.Equal(t, "Type(7)", Type(7).String())
}

func TestStream(t *testing.T) {
	s := NewStream(uuid.New())
	var order []int
	for ii := range 10 {
		s.Enqueue(func() error {
			order = append(order, ii)
			return nil
		})
	}
	require.NoError(t, s.Synchronize())
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)

	// First error is reported, later tasks still run.
	var ran atomic.Int32
	s.Enqueue(func() error { return errors.New("first") })
	s.Enqueue(func() error { exceptions.Panicf("second"); return nil })
	s.Enqueue(func() error { ran.Add(1); return nil })
	err := s.Synchronize()
	require.ErrorContains(t, err, "first")
	require.Equal(t, int32(1), ran.Load())
	require.NoError(t, s.Synchronize())

	// A panic is reported as an error.
	s.Enqueue(func() error { exceptions.Panicf("boom"); return nil })
	require.ErrorContains(t, s.Synchronize(), "boom")

	s.Close()
	s.Close()
	require.Error(t, s.Synchronize())
	err = exceptions.TryCatch[error](func() { s.Enqueue(func() error { return nil }) })
	require.ErrorContains(t, err, "Enqueue called on a closed stream")
}

func TestStreamSynchronizeWhileClosing(t *testing.T) {
	for range 20 {
		s := NewStream(uuid.New())
		s.Enqueue(func() error { return nil })
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for ii := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[ii] = exceptions.TryCatch[error](func() {
					if err := s.Synchronize(); err != nil {
						assert.ErrorContains(t, err, "Synchronize called on a closed stream")
					}
				})
			}()
		}
		s.Close()
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err, "Synchronize must not panic while the stream is closing")
		}
	}
}

func TestHandleRun(t *testing.T) {
	cpu := must.M1(NewWithConfig("cpu"))
	err := cpu.Run(func() error { return errors.New("inline") })
	require.ErrorContains(t, err, "inline")
	require.NoError(t, cpu.Close())

	cuda := must.M1(NewWithConfig("cuda"))
	require.Equal(t, DefaultCUDAComputeCapability, cuda.ComputeCapability())
	require.NoError(t, cuda.Run(func() error { return errors.New("async") }))
	require.ErrorContains(t, cuda.Synchronize(), "async")
	require.NoError(t, cuda.Close())
}
