// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// FlatIndex returns the index in the flat slice of the element at the given indices, using the layout strides.
func (t *Tensor) FlatIndex(indices ...int) int {
	if len(indices) != t.layout.Rank() {
		exceptions.Panicf("Tensor.FlatIndex(%v): tensor %s has rank %d", indices, t.layout, t.layout.Rank())
	}
	idx := 0
	for axis, i := range indices {
		idx += i * t.layout.Strides[axis]
	}
	return idx
}

// LoadFunc returns a function that reads the element at a flat index as a float64.
//
// Values are the raw stored values: quantization parameters are not applied.
func (t *Tensor) LoadFunc() func(ii int) float64 {
	switch flat := t.flat.(type) {
	case []int8:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []int16:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []int32:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []int64:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []uint8:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []uint16:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []uint32:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []uint64:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []float32:
		return func(ii int) float64 { return float64(flat[ii]) }
	case []float64:
		return func(ii int) float64 { return flat[ii] }
	case []float16.Float16:
		return func(ii int) float64 { return float64(flat[ii].Float32()) }
	case []bfloat16.BFloat16:
		return func(ii int) float64 { return float64(flat[ii].Float32()) }
	}
	exceptions.Panicf("Tensor.LoadFunc: dtype %s not supported", t.layout.DType)
	return nil
}

// StoreFunc returns a function that writes a float64 to the element at a flat index, converted to the tensor's dtype.
//
// Conversions to integer types truncate: callers round and saturate as needed.
func (t *Tensor) StoreFunc() func(ii int, v float64) {
	switch flat := t.flat.(type) {
	case []int8:
		return func(ii int, v float64) { flat[ii] = int8(v) }
	case []int16:
		return func(ii int, v float64) { flat[ii] = int16(v) }
	case []int32:
		return func(ii int, v float64) { flat[ii] = int32(v) }
	case []int64:
		return func(ii int, v float64) { flat[ii] = int64(v) }
	case []uint8:
		return func(ii int, v float64) { flat[ii] = uint8(v) }
	case []uint16:
		return func(ii int, v float64) { flat[ii] = uint16(v) }
	case []uint32:
		return func(ii int, v float64) { flat[ii] = uint32(v) }
	case []uint64:
		return func(ii int, v float64) { flat[ii] = uint64(v) }
	case []float32:
		return func(ii int, v float64) { flat[ii] = float32(v) }
	case []float64:
		return func(ii int, v float64) { flat[ii] = v }
	case []float16.Float16:
		return func(ii int, v float64) { flat[ii] = float16.Fromfloat32(float32(v)) }
	case []bfloat16.BFloat16:
		return func(ii int, v float64) { flat[ii] = bfloat16.FromFloat32(float32(v)) }
	}
	exceptions.Panicf("Tensor.StoreFunc: dtype %s not supported", t.layout.DType)
	return nil
}

// LoadIntFunc returns a function that reads the element at a flat index of an integer tensor as an int64.
// Unsigned 64-bit values above math.MaxInt64 wrap around.
func (t *Tensor) LoadIntFunc() func(ii int) int64 {
	switch flat := t.flat.(type) {
	case []int8:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []int16:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []int32:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []int64:
		return func(ii int) int64 { return flat[ii] }
	case []uint8:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []uint16:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []uint32:
		return func(ii int) int64 { return int64(flat[ii]) }
	case []uint64:
		return func(ii int) int64 { return int64(flat[ii]) }
	}
	exceptions.Panicf("Tensor.LoadIntFunc: dtype %s is not an integer type", t.layout.DType)
	return nil
}

// StoreIntFunc returns a function that writes an int64 to the element at a flat index of an integer tensor.
// Values wrap around to the width of the tensor's dtype, as integer arithmetic in that dtype would.
func (t *Tensor) StoreIntFunc() func(ii int, v int64) {
	switch flat := t.flat.(type) {
	case []int8:
		return func(ii int, v int64) { flat[ii] = int8(v) }
	case []int16:
		return func(ii int, v int64) { flat[ii] = int16(v) }
	case []int32:
		return func(ii int, v int64) { flat[ii] = int32(v) }
	case []int64:
		return func(ii int, v int64) { flat[ii] = v }
	case []uint8:
		return func(ii int, v int64) { flat[ii] = uint8(v) }
	case []uint16:
		return func(ii int, v int64) { flat[ii] = uint16(v) }
	case []uint32:
		return func(ii int, v int64) { flat[ii] = uint32(v) }
	case []uint64:
		return func(ii int, v int64) { flat[ii] = uint64(v) }
	}
	exceptions.Panicf("Tensor.StoreIntFunc: dtype %s is not an integer type", t.layout.DType)
	return nil
}
