// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Quantization parameters of a quantized layout: real = Scale * (q - ZeroPoint).
//
// The zero value means "not quantized".
type Quantization struct {
	Scale     float32
	ZeroPoint int32
}

// IsQuantized returns whether the parameters describe a quantized dtype.
func (q Quantization) IsQuantized() bool { return q.Scale != 0 }

// Layout describes how an operand is stored: its Shape, the strides (in number of elements) of each axis
// and, for quantized dtypes, the quantization parameters.
type Layout struct {
	Shape
	Strides []int
	Quant   Quantization
}

// MakeLayout returns a contiguous (row-major) layout for the given dtype and dimensions.
func MakeLayout(dtype dtypes.DType, dimensions ...int) Layout {
	shape := Make(dtype, dimensions...)
	return Layout{Shape: shape, Strides: ContiguousStrides(shape.Dimensions)}
}

// ContiguousStrides returns the row-major strides for the given dimensions.
func ContiguousStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// WithStrides returns a copy of the layout with the given strides.
//
// It panics if the number of strides doesn't match the rank.
func (l Layout) WithStrides(strides ...int) Layout {
	if len(strides) != l.Rank() {
		exceptions.Panicf("Layout.WithStrides(%v): rank of %s is %d", strides, l.Shape, l.Rank())
	}
	l2 := l.Clone()
	l2.Strides = slices.Clone(strides)
	return l2
}

// WithQuantization returns a copy of the layout with the given quantization parameters.
func (l Layout) WithQuantization(scale float32, zeroPoint int32) Layout {
	l2 := l.Clone()
	l2.Quant = Quantization{Scale: scale, ZeroPoint: zeroPoint}
	return l2
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	return Layout{Shape: l.Shape.Clone(), Strides: slices.Clone(l.Strides), Quant: l.Quant}
}

// IsContiguous returns whether the layout is row-major with no gaps.
//
// Axes of dimension 1 are ignored, since their stride is irrelevant.
func (l Layout) IsContiguous() bool {
	if len(l.Strides) != l.Rank() {
		return false
	}
	expected := 1
	for axis := l.Rank() - 1; axis >= 0; axis-- {
		dim := l.Dimensions[axis]
		if dim == 1 {
			continue
		}
		if l.Strides[axis] != expected {
			return false
		}
		expected *= dim
	}
	return true
}

// Span returns the number of elements a buffer needs to hold all elements addressed by the layout.
func (l Layout) Span() int {
	if l.Rank() == 0 {
		return 1
	}
	span := 1
	for axis, dim := range l.Dimensions {
		span += (dim - 1) * l.Strides[axis]
	}
	return span
}

// Equal compares dtype, dimensions, strides and quantization parameters.
func (l Layout) Equal(l2 Layout) bool {
	return l.Shape.Equal(l2.Shape) && slices.Equal(l.Strides, l2.Strides) && l.Quant == l2.Quant
}

// Key returns a compact deterministic representation of every field of the layout,
// suitable to compose signature keys.
func (l Layout) Key() string {
	var sb strings.Builder
	sb.WriteString(l.DType.String())
	sb.WriteByte('[')
	writeDimensions(&sb, l.Dimensions)
	sb.WriteString("]/[")
	writeDimensions(&sb, l.Strides)
	sb.WriteByte(']')
	if l.Quant.IsQuantized() {
		fmt.Fprintf(&sb, "q(%g,%d)", l.Quant.Scale, l.Quant.ZeroPoint)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	var parts []string
	if !l.IsContiguous() {
		parts = append(parts, fmt.Sprintf("strides=%v", l.Strides))
	}
	if l.Quant.IsQuantized() {
		parts = append(parts, fmt.Sprintf("scale=%g, zero_point=%d", l.Quant.Scale, l.Quant.ZeroPoint))
	}
	if len(parts) == 0 {
		return l.Shape.String()
	}
	return fmt.Sprintf("%s{%s}", l.Shape, strings.Join(parts, ", "))
}
