// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIotaAndCycle(t *testing.T) {
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Equal(t, []int16{-1, 0, 1, -1, 0}, Cycle[int16](-1, 3, 5))
	assert.Equal(t, []int{7, 7, 7}, SliceWithValue(3, 7))
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
}

func TestClose(t *testing.T) {
	assert.True(t, Close(float32(1000), 1000.05))
	assert.False(t, Close(0.0, 0.01))
	assert.Equal(t, -1, AllClose([]float64{1, 2}, []float64{1, 2.00001}))
	assert.Equal(t, 1, AllClose([]float64{1, 2}, []float64{1, 3}))
	assert.Equal(t, 0, AllClose([]float64{1}, []float64{1, 3}))
}

func TestFlag(t *testing.T) {
	dims := Flag("test_dims", []int{1, 2}, "dimensions", strconv.Atoi)
	f := &genericSliceFlagImpl[int]{parsedSlice: *dims, parserFn: strconv.Atoi}
	require.Equal(t, "1,2", f.String())
	require.NoError(t, f.Set("20, 12,3"))
	require.Equal(t, []int{20, 12, 3}, f.parsedSlice)
	require.Error(t, f.Set("a,b"))
}
