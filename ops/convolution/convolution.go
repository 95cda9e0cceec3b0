// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convolution implements the ConvolutionBackwardFilter operator: the gradient of a 2D convolution with
// respect to its filter, given the convolution input (src) and the gradient of its output (diff).
//
// Operands are src [N, IC, IH, IW], diff [N, OC, OH, OW] and grad [OC, IC, FH, FW] for dense convolutions, or
// grad [G, OCPG, ICPG, FH, FW] for grouped ones (the shapes are NHWC-ordered with FormatNHWC, except the filter).
package convolution

import (
	"fmt"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// OperatorName is used in logs and error messages.
const OperatorName = "ConvolutionBackwardFilter"

// Mode of the convolution.
type Mode uint8

const (
	// ModeCrossCorrelation doesn't flip the filter. This is what deep learning frameworks call convolution.
	ModeCrossCorrelation Mode = iota

	// ModeConvolution flips the filter spatially.
	ModeConvolution
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeConvolution {
		return "CONVOLUTION"
	}
	return "CROSS_CORRELATION"
}

// Sparse defines the filter grouping.
type Sparse uint8

const (
	SparseDense Sparse = iota
	SparseGroup
)

// String implements fmt.Stringer.
func (s Sparse) String() string {
	if s == SparseGroup {
		return "GROUP"
	}
	return "DENSE"
}

// Format of src and diff.
type Format uint8

const (
	FormatNCHW Format = iota
	FormatNHWC
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == FormatNHWC {
		return "NHWC"
	}
	return "NCHW"
}

// Param of the operator. Zero strides and dilations are taken as 1.
type Param struct {
	Mode             Mode
	Sparse           Sparse
	Format           Format
	PadH, PadW       int
	StrideH, StrideW int
	DilateH, DilateW int
}

// String implements fmt.Stringer.
func (p Param) String() string {
	return fmt.Sprintf("{mode=%s, sparse=%s, format=%s, pad=(%d,%d), stride=(%d,%d), dilate=(%d,%d)}",
		p.Mode, p.Sparse, p.Format, p.PadH, p.PadW, p.StrideH, p.StrideW, p.DilateH, p.DilateW)
}

func (p Param) withDefaults() Param {
	for _, v := range []*int{&p.StrideH, &p.StrideW, &p.DilateH, &p.DilateW} {
		if *v == 0 {
			*v = 1
		}
	}
	return p
}

// CanonizedFilterMeta is the filter geometry derived from the param and the operand layouts.
type CanonizedFilterMeta struct {
	Format           Format
	Group            int
	ICPG, OCPG       int
	FH, FW           int
	StrideH, StrideW int
	PadH, PadW       int
	DilateH, DilateW int

	// Flip is set for ModeConvolution.
	Flip bool
}

// spatialDims returns (channels, height, width) of a src or diff layout.
func spatialDims(format Format, l shapes.Layout) (c, h, w int) {
	if format == FormatNHWC {
		return l.Dimensions[3], l.Dimensions[1], l.Dimensions[2]
	}
	return l.Dimensions[1], l.Dimensions[2], l.Dimensions[3]
}

// OutputSize returns the size of the output of a convolution along one spatial axis.
func OutputSize(input, filter, pad, stride, dilate int) int {
	return (input+2*pad-((filter-1)*dilate+1))/stride + 1
}

// CanonizeFilterMeta validates the operand layouts against the param and returns the filter geometry.
func CanonizeFilterMeta(param Param, src, diff, grad shapes.Layout) (CanonizedFilterMeta, error) {
	param = param.withDefaults()
	fm := CanonizedFilterMeta{
		Format:  param.Format,
		StrideH: param.StrideH, StrideW: param.StrideW,
		PadH: param.PadH, PadW: param.PadW,
		DilateH: param.DilateH, DilateW: param.DilateW,
		Flip: param.Mode == ModeConvolution,
	}
	if param.StrideH < 0 || param.StrideW < 0 || param.DilateH < 0 || param.DilateW < 0 || param.PadH < 0 || param.PadW < 0 {
		return fm, errors.Errorf("%s: invalid param %s", OperatorName, param)
	}
	for _, l := range []shapes.Layout{src, diff} {
		if err := l.CheckRank(4); err != nil {
			return fm, errors.WithMessagef(err, "%s: src and diff must have rank 4", OperatorName)
		}
	}
	if !src.Ok() || src.DType != diff.DType || src.DType != grad.DType {
		return fm, errors.Errorf("%s: src=%s, diff=%s and grad=%s must have the same dtype", OperatorName, src, diff, grad)
	}
	switch param.Sparse {
	case SparseDense:
		if grad.Rank() != 4 {
			return fm, errors.Errorf("%s: dense filter gradient must be [OC, IC, FH, FW], got %s", OperatorName, grad)
		}
		fm.Group = 1
		fm.OCPG, fm.ICPG, fm.FH, fm.FW = grad.Dimensions[0], grad.Dimensions[1], grad.Dimensions[2], grad.Dimensions[3]
	case SparseGroup:
		if grad.Rank() != 5 {
			return fm, errors.Errorf("%s: group filter gradient must be [G, OCPG, ICPG, FH, FW], got %s", OperatorName, grad)
		}
		fm.Group, fm.OCPG, fm.ICPG = grad.Dimensions[0], grad.Dimensions[1], grad.Dimensions[2]
		fm.FH, fm.FW = grad.Dimensions[3], grad.Dimensions[4]
	}
	for _, dim := range []int{fm.Group, fm.OCPG, fm.ICPG, fm.FH, fm.FW} {
		if dim <= 0 {
			return fm, errors.Errorf("%s: invalid filter gradient %s", OperatorName, grad)
		}
	}

	ic, ih, iw := spatialDims(param.Format, src)
	oc, oh, ow := spatialDims(param.Format, diff)
	if src.Dimensions[0] != diff.Dimensions[0] || src.Dimensions[0] <= 0 {
		return fm, errors.Errorf("%s: batch sizes of src=%s and diff=%s differ", OperatorName, src, diff)
	}
	if ic != fm.Group*fm.ICPG || oc != fm.Group*fm.OCPG {
		return fm, errors.Errorf("%s: channels of src=%s and diff=%s don't match the filter gradient %s (%s)",
			OperatorName, src, diff, grad, param.Sparse)
	}
	if ih+2*fm.PadH < (fm.FH-1)*fm.DilateH+1 || iw+2*fm.PadW < (fm.FW-1)*fm.DilateW+1 {
		return fm, errors.Errorf("%s: dilated filter %dx%d doesn't fit the padded input %dx%d of src=%s with %s",
			OperatorName, (fm.FH-1)*fm.DilateH+1, (fm.FW-1)*fm.DilateW+1, ih+2*fm.PadH, iw+2*fm.PadW, src, param)
	}
	expectedH := OutputSize(ih, fm.FH, fm.PadH, fm.StrideH, fm.DilateH)
	expectedW := OutputSize(iw, fm.FW, fm.PadW, fm.StrideW, fm.DilateW)
	if expectedH <= 0 || expectedW <= 0 || expectedH != oh || expectedW != ow {
		return fm, errors.Errorf("%s: diff spatial size (%d, %d) doesn't match the expected (%d, %d) for src=%s and filter %dx%d with %s",
			OperatorName, oh, ow, expectedH, expectedW, src, fm.FH, fm.FW, param)
	}
	return fm, nil
}

// SizeArgs describes a ConvolutionBackwardFilter problem.
type SizeArgs struct {
	Handle          *device.Handle
	Param           Param
	Src, Diff, Grad shapes.Layout
	GradFilterMeta  CanonizedFilterMeta
}

// NewSizeArgs validates the layouts and returns the problem.
func NewSizeArgs(handle *device.Handle, param Param, src, diff, grad shapes.Layout) (*SizeArgs, error) {
	fm, err := CanonizeFilterMeta(param, src, diff, grad)
	if err != nil {
		return nil, err
	}
	return &SizeArgs{Handle: handle, Param: param.withDefaults(), Src: src, Diff: diff, Grad: grad, GradFilterMeta: fm}, nil
}

// Key is the signature of the problem, used by the selection cache.
func (args *SizeArgs) Key() string {
	p := args.Param
	return fmt.Sprintf("%s;%d,%d,%d;p%d,%d;s%d,%d;d%d,%d;%s;%s;%s", args.Handle.Key(), p.Mode, p.Sparse, p.Format,
		p.PadH, p.PadW, p.StrideH, p.StrideW, p.DilateH, p.DilateW, args.Src.Key(), args.Diff.Key(), args.Grad.Key())
}

// String implements fmt.Stringer.
func (args *SizeArgs) String() string {
	return fmt.Sprintf("%s(src=%s, diff=%s, grad=%s, param=%s) on %s", OperatorName, args.Src, args.Diff, args.Grad,
		args.Param, args.Handle.Key())
}

// Problem returns the sizes of the problem in the form used by the operation library.
func (args *SizeArgs) Problem() oplib.ConvProblem {
	fm := args.GradFilterMeta
	ic, ih, iw := spatialDims(fm.Format, args.Src)
	oc, oh, ow := spatialDims(fm.Format, args.Diff)
	return oplib.ConvProblem{
		N: args.Src.Dimensions[0], IC: ic, IH: ih, IW: iw,
		OC: oc, OH: oh, OW: ow,
		FH: fm.FH, FW: fm.FW,
		PadH: fm.PadH, PadW: fm.PadW,
		StrideH: fm.StrideH, StrideW: fm.StrideW,
		DilateH: fm.DilateH, DilateW: fm.DilateW,
		Groups:      fm.Group,
		Convolution: fm.Flip,
	}
}

// contiguousNCHW returns whether all operands are contiguous and in NCHW format.
func (args *SizeArgs) contiguousNCHW() bool {
	return args.GradFilterMeta.Format == FormatNCHW &&
		args.Src.IsContiguous() && args.Diff.IsContiguous() && args.Grad.IsContiguous()
}

// ExecArgs are the SizeArgs plus the operands and the workspace.
type ExecArgs struct {
	*SizeArgs
	Src, Diff, Grad *tensors.Tensor
	Workspace       algo.Workspace

	// Tuning is the handle returned by the selected algorithm, if it is an algo.Tuner.
	Tuning any
}

// checkLayouts panics if the operands don't match the layouts of the SizeArgs.
func (args *ExecArgs) checkLayouts() {
	if !args.Src.Layout().Equal(args.SizeArgs.Src) || !args.Diff.Layout().Equal(args.SizeArgs.Diff) ||
		!args.Grad.Layout().Equal(args.SizeArgs.Grad) {
		exceptions.Panicf("%s: operands src=%s, diff=%s, grad=%s don't match %s",
			OperatorName, args.Src, args.Diff, args.Grad, args.SizeArgs)
	}
}

// convolutionArguments returns the float32 arguments for the operation library.
func (args *ExecArgs) convolutionArguments() *oplib.ConvolutionArguments {
	return &oplib.ConvolutionArguments{
		Problem: args.Problem(),
		Src:     tensors.Flat[float32](args.Src),
		Diff:    tensors.Flat[float32](args.Diff),
		Grad:    tensors.Flat[float32](args.Grad),
		Alpha:   1,
	}
}
