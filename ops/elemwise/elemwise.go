// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package elemwise implements the quantized unary mode of the ElemwiseMultiType operator:
//
//	dst = quantize(mode(dequantize(src)))
//
// over int8 (symmetric), uint8 (asymmetric) and int32 quantized tensors, computed in float32.
// Quantization rounds half away from zero and saturates to the range of the output dtype.
package elemwise

import (
	"fmt"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// OperatorName is used in logs and error messages.
const OperatorName = "ElemwiseMultiType"

// Param of the operator.
type Param struct {
	Mode Mode
}

// String implements fmt.Stringer.
func (p Param) String() string { return fmt.Sprintf("{mode=%s}", p.Mode) }

// SizeArgs describes an elementwise problem.
type SizeArgs struct {
	Handle   *device.Handle
	Param    Param
	Src, Dst shapes.Layout
}

// NewSizeArgs validates the layouts and returns the problem.
//
// Quantization parameters are not validated here: non-quantized operands are a fatal error of Exec.
func NewSizeArgs(handle *device.Handle, param Param, src, dst shapes.Layout) (*SizeArgs, error) {
	if !param.Mode.Valid() {
		return nil, errors.Errorf("%s: invalid mode %d", OperatorName, param.Mode)
	}
	if !src.Ok() || !dst.Ok() || len(src.Strides) != src.Rank() || len(dst.Strides) != dst.Rank() {
		return nil, errors.Errorf("%s: invalid operands src=%s, dst=%s", OperatorName, src, dst)
	}
	if err := dst.CheckDims(src.Dimensions...); err != nil {
		return nil, errors.WithMessagef(err, "%s: src and dst must have the same dimensions", OperatorName)
	}
	return &SizeArgs{Handle: handle, Param: param, Src: src, Dst: dst}, nil
}

// Key is the signature of the problem, used by the selection cache.
func (args *SizeArgs) Key() string {
	return fmt.Sprintf("%s;%s;%s;%s", args.Handle.Key(), args.Param.Mode, args.Src.Key(), args.Dst.Key())
}

// String implements fmt.Stringer.
func (args *SizeArgs) String() string {
	return fmt.Sprintf("%s(src=%s, dst=%s, param=%s) on %s", OperatorName, args.Src, args.Dst, args.Param,
		args.Handle.Key())
}

// ExecArgs are the SizeArgs plus the operands and the workspace.
type ExecArgs struct {
	*SizeArgs
	Src, Dst  *tensors.Tensor
	Workspace algo.Workspace

	// Tuning is unused: no elementwise algorithm tunes.
	Tuning any
}

func (args *ExecArgs) checkLayouts() {
	if !args.Src.Layout().Equal(args.SizeArgs.Src) || !args.Dst.Layout().Equal(args.SizeArgs.Dst) {
		exceptions.Panicf("%s: operands src=%s, dst=%s don't match %s", OperatorName, args.Src, args.Dst, args.SizeArgs)
	}
}

// checkQuantized panics if either operand is not quantized.
func (args *SizeArgs) checkQuantized() {
	if !args.Src.Quant.IsQuantized() || !args.Dst.Quant.IsQuantized() {
		exceptions.Panicf("%s: src=%s and dst=%s must both be quantized (non-zero scale)", OperatorName,
			args.Src, args.Dst)
	}
}

// isQuantizedDType returns whether dtype is one of the supported storage dtypes of quantized tensors.
func isQuantizedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8, dtypes.Int32:
		return true
	}
	return false
}
