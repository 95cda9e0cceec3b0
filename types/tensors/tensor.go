// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, an operand buffer given to operators: a shapes.Layout plus
// a flat Go slice holding the elements.
//
// The flat slice is owned by the caller: operators only read from inputs and write to outputs.
// Elements are addressed with the layout strides, so a Tensor may be a strided view over a larger slice.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor is a layout plus the flat data it describes.
type Tensor struct {
	layout shapes.Layout

	// flat is always a slice of the Go type of layout.DType.
	flat any
}

// FromFlat returns a contiguous Tensor with the given dimensions, backed by flat (not copied).
//
// It panics if the number of elements doesn't match.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	layout := shapes.MakeLayout(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != layout.Size() {
		exceptions.Panicf("tensors.FromFlat: len(flat)=%d doesn't match the size of %s", len(flat), layout.Shape)
	}
	return &Tensor{layout: layout, flat: flat}
}

// FromFlatLayout returns a Tensor with the given layout (possibly strided), backed by flat (not copied).
//
// It panics if the dtypes don't match or flat is too short to hold every element addressed by the layout.
func FromFlatLayout[T dtypes.Supported](flat []T, layout shapes.Layout) *Tensor {
	if dtype := dtypes.FromGenericsType[T](); layout.DType != dtype {
		exceptions.Panicf("tensors.FromFlatLayout: flat of type %s given for layout %s", dtype, layout)
	}
	if len(flat) < layout.Span() {
		exceptions.Panicf("tensors.FromFlatLayout: len(flat)=%d too short for layout %s, which requires %d elements",
			len(flat), layout, layout.Span())
	}
	return &Tensor{layout: layout, flat: flat}
}

// New allocates a zero-initialized Tensor with the given layout.
func New(layout shapes.Layout) *Tensor {
	if !layout.Ok() {
		exceptions.Panicf("tensors.New: invalid layout %s", layout)
	}
	span := layout.Span()
	flat := reflect.MakeSlice(reflect.SliceOf(layout.DType.GoType()), span, span).Interface()
	return &Tensor{layout: layout, flat: flat}
}

// Zeros allocates a zero-initialized contiguous Tensor.
func Zeros(dtype dtypes.DType, dimensions ...int) *Tensor {
	return New(shapes.MakeLayout(dtype, dimensions...))
}

// Layout of the tensor.
func (t *Tensor) Layout() shapes.Layout { return t.layout }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.layout.Shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.layout.DType }

// FlatAny returns the flat slice as an any.
func (t *Tensor) FlatAny() any { return t.flat }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor%s", t.layout)
}

// Flat returns the flat slice of the tensor, converted to the type T.
//
// It panics if T doesn't match the tensor's dtype.
func Flat[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("tensors.Flat[%T] is incompatible with tensor's dtype %s", v, t.layout.DType)
	}
	return flat
}
