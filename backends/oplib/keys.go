// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oplib

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// NumericTypeID enumerates the element types known by the library.
type NumericTypeID uint8

const (
	NumericInvalid NumericTypeID = iota
	NumericS8
	NumericS16
	NumericS32
	NumericF16
	NumericBF16
	NumericF32
)

var numericNames = []string{"invalid", "s8", "s16", "s32", "f16", "bf16", "f32"}

// String implements fmt.Stringer.
func (id NumericTypeID) String() string {
	if int(id) < len(numericNames) {
		return numericNames[id]
	}
	return fmt.Sprintf("NumericTypeID(%d)", int(id))
}

// NumericTypeOf converts a dtype to the library's NumericTypeID. It returns NumericInvalid for dtypes
// the library doesn't know.
func NumericTypeOf(dtype dtypes.DType) NumericTypeID {
	switch dtype {
	case dtypes.Int8:
		return NumericS8
	case dtypes.Int16:
		return NumericS16
	case dtypes.Int32:
		return NumericS32
	case dtypes.Float16:
		return NumericF16
	case dtypes.BFloat16:
		return NumericBF16
	case dtypes.Float32:
		return NumericF32
	default:
		return NumericInvalid
	}
}

// LayoutTypeID enumerates the memory layouts of operands.
type LayoutTypeID uint8

const (
	LayoutRowMajor LayoutTypeID = iota
	LayoutColumnMajor
	LayoutTensorNCHW
	LayoutTensorNHWC
)

var layoutNames = []string{"row", "column", "nchw", "nhwc"}

// String implements fmt.Stringer.
func (id LayoutTypeID) String() string {
	if int(id) < len(layoutNames) {
		return layoutNames[id]
	}
	return fmt.Sprintf("LayoutTypeID(%d)", int(id))
}

// ConvOperator is the convolution pass an operation implements.
type ConvOperator uint8

const (
	ConvFprop ConvOperator = iota
	ConvDgrad
	ConvWgrad
)

// String implements fmt.Stringer.
func (op ConvOperator) String() string {
	switch op {
	case ConvFprop:
		return "fprop"
	case ConvDgrad:
		return "dgrad"
	case ConvWgrad:
		return "wgrad"
	}
	return fmt.Sprintf("ConvOperator(%d)", int(op))
}

// ConvType is the kind of convolution.
type ConvType uint8

const (
	ConvConvolution ConvType = iota
	ConvDepthwise
)

// String implements fmt.Stringer.
func (t ConvType) String() string {
	if t == ConvDepthwise {
		return "depthwise"
	}
	return "convolution"
}

// EpilogueType is the operation applied to the accumulators before they are stored.
type EpilogueType uint8

const (
	// EpilogueLinearCombination stores alpha*accumulator + beta*output.
	EpilogueLinearCombination EpilogueType = iota
	EpilogueBiasAddLinearCombination
)

// TileShape of a threadblock, warp or instruction.
type TileShape struct {
	M, N, K int
}

// String implements fmt.Stringer, as "MxNxK".
func (t TileShape) String() string {
	return fmt.Sprintf("%dx%dx%d", t.M, t.N, t.K)
}

// ConvolutionKey identifies a convolution operation. It is comparable and used to index the OperationTable.
type ConvolutionKey struct {
	Operator ConvOperator
	ConvType ConvType

	ElementSrc, ElementDiff, ElementGrad, ElementAccumulator NumericTypeID
	LayoutSrc, LayoutDiff, LayoutGrad                        LayoutTypeID

	Threadblock, Warp, Instruction TileShape
	Epilogue                       EpilogueType
	Stages                         int
	AlignmentSrc, AlignmentFilter  int
	WithoutSharedLoad              bool
}

// String implements fmt.Stringer.
func (k ConvolutionKey) String() string {
	return fmt.Sprintf("%s_%s_%s%s_%s_%s_tb%s_w%s_i%s_%dstage", k.ConvType, k.Operator,
		k.ElementSrc, k.LayoutSrc, k.ElementGrad, k.ElementAccumulator,
		k.Threadblock, k.Warp, k.Instruction, k.Stages)
}

// GemmKey identifies a GEMM operation. It is comparable and used to index the OperationTable.
type GemmKey struct {
	ElementA, ElementB, ElementC, ElementAccumulator NumericTypeID
	LayoutA, LayoutB, LayoutC                        LayoutTypeID

	Threadblock, Warp, Instruction TileShape
	Epilogue                       EpilogueType
	Stages                         int
	Alignment                      int
}

// String implements fmt.Stringer.
func (k GemmKey) String() string {
	return fmt.Sprintf("gemm_%s%s_%s%s_%s%s_%s_tb%s_w%s_i%s_%dstage",
		k.ElementA, k.LayoutA, k.ElementB, k.LayoutB, k.ElementC, k.LayoutC, k.ElementAccumulator,
		k.Threadblock, k.Warp, k.Instruction, k.Stages)
}
