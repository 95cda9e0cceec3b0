// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matmul implements the MatrixMul operator, C = op(A) x op(B), where op optionally transposes its operand.
//
// A is [M, K] (or [K, M] if transposed), B is [K, N] (or [N, K] if transposed) and C is [M, N].
// The algorithms are, in preference order: the vendor library GEMMs (CUDA), the tiled CPU strategies for each
// dtype family, and a naive implementation that accepts any numeric dtypes and layouts.
package matmul

import (
	"fmt"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// OperatorName is used in logs and error messages.
const OperatorName = "MatrixMul"

// Param of the operator.
type Param struct {
	TransposeA, TransposeB bool
}

// String implements fmt.Stringer.
func (p Param) String() string {
	return fmt.Sprintf("{transposeA=%v, transposeB=%v}", p.TransposeA, p.TransposeB)
}

// SizeArgs describes a MatrixMul problem: everything the algorithms need to decide availability and workspace.
type SizeArgs struct {
	Handle  *device.Handle
	Param   Param
	A, B, C shapes.Layout
}

// Key is the signature of the problem, used by the selection cache.
func (args *SizeArgs) Key() string {
	return fmt.Sprintf("%s;ta=%t,tb=%t;%s;%s;%s", args.Handle.Key(), args.Param.TransposeA, args.Param.TransposeB,
		args.A.Key(), args.B.Key(), args.C.Key())
}

// String implements fmt.Stringer.
func (args *SizeArgs) String() string {
	return fmt.Sprintf("%s(A=%s, B=%s, C=%s, param=%s) on %s", OperatorName, args.A, args.B, args.C, args.Param,
		args.Handle.Key())
}

// Dims returns the sizes of the problem, or an error if the layouts are not consistent.
func (args *SizeArgs) Dims() (M, N, K int, err error) {
	for _, operand := range []struct {
		name   string
		layout shapes.Layout
	}{{"A", args.A}, {"B", args.B}, {"C", args.C}} {
		if !operand.layout.Ok() || operand.layout.Rank() != 2 || len(operand.layout.Strides) != 2 {
			return 0, 0, 0, errors.Errorf("%s: operand %s must be a matrix, got %s", OperatorName, operand.name, operand.layout)
		}
	}
	M, K = args.A.Dimensions[0], args.A.Dimensions[1]
	if args.Param.TransposeA {
		M, K = K, M
	}
	kB, N := args.B.Dimensions[0], args.B.Dimensions[1]
	if args.Param.TransposeB {
		kB, N = N, kB
	}
	if K != kB {
		return 0, 0, 0, errors.Errorf("%s: contracting dimensions of A (%d) and B (%d) differ, with %s", OperatorName, K, kB, args.Param)
	}
	if args.C.Dimensions[0] != M || args.C.Dimensions[1] != N {
		return 0, 0, 0, errors.Errorf("%s: output C must be [%d, %d], got %s", OperatorName, M, N, args.C)
	}
	if M == 0 || N == 0 || K == 0 {
		return 0, 0, 0, errors.Errorf("%s: empty problem M=%d, N=%d, K=%d", OperatorName, M, N, K)
	}
	return
}

// ExecArgs are the SizeArgs plus the operands and the workspace.
type ExecArgs struct {
	*SizeArgs
	A, B, C   *tensors.Tensor
	Workspace algo.Workspace

	// Tuning is the handle returned by the selected algorithm, if it is an algo.Tuner.
	Tuning any
}

// checkLayouts panics if the operands don't match the layouts of the SizeArgs.
func (args *ExecArgs) checkLayouts() {
	if !args.A.Layout().Equal(args.SizeArgs.A) || !args.B.Layout().Equal(args.SizeArgs.B) ||
		!args.C.Layout().Equal(args.SizeArgs.C) {
		exceptions.Panicf("%s: operands A=%s, B=%s, C=%s don't match %s", OperatorName, args.A, args.B, args.C, args.SizeArgs)
	}
}

// leadingDimension returns the stride of the rows of a matrix layout whose rows are contiguous.
func leadingDimension(l shapes.Layout) (ld int, ok bool) {
	rows, cols := l.Dimensions[0], l.Dimensions[1]
	if cols > 1 && l.Strides[1] != 1 {
		return 0, false
	}
	if rows == 1 {
		return cols, true
	}
	ld = l.Strides[0]
	return ld, ld >= cols
}
