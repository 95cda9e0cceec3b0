// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oplib

import (
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DepthwiseWgradKey returns the key of the float32 NCHW depthwise convolution backward filter operation
// with the given tiling, using FMA instructions and a linear combination epilogue.
func DepthwiseWgradKey(threadblock, warp TileShape, stages int) ConvolutionKey {
	return ConvolutionKey{
		Operator:           ConvWgrad,
		ConvType:           ConvDepthwise,
		ElementSrc:         NumericF32,
		ElementDiff:        NumericF32,
		ElementGrad:        NumericF32,
		ElementAccumulator: NumericF32,
		LayoutSrc:          LayoutTensorNCHW,
		LayoutDiff:         LayoutTensorNCHW,
		LayoutGrad:         LayoutTensorNCHW,
		Threadblock:        threadblock,
		Warp:               warp,
		Instruction:        TileShape{1, 1, 1},
		Epilogue:           EpilogueLinearCombination,
		Stages:             stages,
		AlignmentSrc:       1,
		AlignmentFilter:    1,
		WithoutSharedLoad:  true,
	}
}

// GemmF32AccKey returns the key of a GEMM operation with inputs of type element (float32 or float16),
// float32 row-major output and float32 accumulation.
func GemmF32AccKey(element NumericTypeID, layoutA, layoutB LayoutTypeID, threadblock, warp TileShape, stages int) GemmKey {
	return GemmKey{
		ElementA:           element,
		ElementB:           element,
		ElementC:           NumericF32,
		ElementAccumulator: NumericF32,
		LayoutA:            layoutA,
		LayoutB:            layoutB,
		LayoutC:            LayoutRowMajor,
		Threadblock:        threadblock,
		Warp:               warp,
		Instruction:        TileShape{1, 1, 1},
		Epilogue:           EpilogueLinearCombination,
		Stages:             stages,
		Alignment:          1,
	}
}

// referenceDepthwiseWgradTilings are the tilings of the depthwise backward filter operations in the default library.
var referenceDepthwiseWgradTilings = []struct {
	threadblock, warp TileShape
	stages            int
}{
	{TileShape{128, 128, 8}, TileShape{32, 64, 8}, 2},
	{TileShape{64, 128, 8}, TileShape{64, 32, 8}, 2},
	{TileShape{128, 64, 8}, TileShape{64, 32, 8}, 2},
	{TileShape{64, 64, 8}, TileShape{32, 32, 8}, 2},
}

// referenceGemmTilings are the tilings of the GEMM operations in the default library.
var referenceGemmTilings = []struct {
	threadblock, warp TileShape
	stages            int
}{
	{TileShape{128, 128, 8}, TileShape{32, 64, 8}, 2},
	{TileShape{64, 64, 8}, TileShape{32, 32, 8}, 2},
}

func registerReferenceOperations(l *Library) {
	for _, tiling := range referenceDepthwiseWgradTilings {
		l.RegisterConv(&referenceConvOp{key: DepthwiseWgradKey(tiling.threadblock, tiling.warp, tiling.stages)})
	}
	layouts := []LayoutTypeID{LayoutRowMajor, LayoutColumnMajor}
	for _, element := range []NumericTypeID{NumericF32, NumericF16} {
		for _, layoutA := range layouts {
			for _, layoutB := range layouts {
				for _, tiling := range referenceGemmTilings {
					l.RegisterGemm(&referenceGemmOp{
						key: GemmF32AccKey(element, layoutA, layoutB, tiling.threadblock, tiling.warp, tiling.stages)})
				}
			}
		}
	}
}

// referenceConvOp implements a convolution backward filter cross-correlation on the host.
type referenceConvOp struct {
	key ConvolutionKey
}

func (op *referenceConvOp) Key() ConvolutionKey { return op.key }

func (op *referenceConvOp) Run(args *ConvolutionArguments, stream *device.Stream) error {
	if op.key.Operator != ConvWgrad {
		return errors.Wrapf(ErrStatus, "operation %s: only backward filter is implemented", op.key)
	}
	if err := args.validate(); err != nil {
		return errors.WithMessagef(err, "operation %s", op.key)
	}
	p := args.Problem
	if p.Convolution {
		return errors.Wrapf(ErrStatus, "operation %s: only cross-correlation is supported", op.key)
	}
	if op.key.ConvType == ConvDepthwise && (p.ICPG() != 1 || p.OCPG() != 1) {
		return errors.Wrapf(ErrStatus, "operation %s: depthwise requires one channel per group, got icpg=%d, ocpg=%d",
			op.key, p.ICPG(), p.OCPG())
	}
	argsCopy := *args
	stream.Enqueue(func() error {
		wgrad(&argsCopy)
		return nil
	})
	return nil
}

// wgrad computes the backward filter of a grouped convolution, with dilation and either mode.
func wgrad(args *ConvolutionArguments) {
	p := args.Problem
	icpg, ocpg := p.ICPG(), p.OCPG()
	for oc := range p.OC {
		g := oc / ocpg
		for icg := range icpg {
			ic := g*icpg + icg
			for fh := range p.FH {
				for fw := range p.FW {
					var acc float32
					for n := range p.N {
						for oh := range p.OH {
							ih := oh*p.StrideH - p.PadH + fh*p.DilateH
							if ih < 0 || ih >= p.IH {
								continue
							}
							diffRow := ((n*p.OC+oc)*p.OH + oh) * p.OW
							srcRow := ((n*p.IC+ic)*p.IH + ih) * p.IW
							for ow := range p.OW {
								iw := ow*p.StrideW - p.PadW + fw*p.DilateW
								if iw < 0 || iw >= p.IW {
									continue
								}
								acc += float32(args.Diff[diffRow+ow] * args.Src[srcRow+iw])
							}
						}
					}
					kh, kw := fh, fw
					if p.Convolution {
						kh, kw = p.FH-1-fh, p.FW-1-fw
					}
					idx := ((oc*icpg+icg)*p.FH+kh)*p.FW + kw
					if args.Beta == 0 {
						args.Grad[idx] = args.Alpha * acc
					} else {
						args.Grad[idx] = args.Alpha*acc + args.Beta*args.Grad[idx]
					}
				}
			}
		}
	}
}

// referenceGemmOp implements GEMM on the host.
type referenceGemmOp struct {
	key GemmKey
}

func (op *referenceGemmOp) Key() GemmKey { return op.key }

// elementLoader returns a function that loads element ii of the slice x as float32, the length of x and its type.
func elementLoader(x any) (load func(ii int) float32, length int, id NumericTypeID) {
	switch v := x.(type) {
	case []float32:
		return func(ii int) float32 { return v[ii] }, len(v), NumericF32
	case []float16.Float16:
		return func(ii int) float32 { return v[ii].Float32() }, len(v), NumericF16
	case []bfloat16.BFloat16:
		return func(ii int) float32 { return v[ii].Float32() }, len(v), NumericBF16
	}
	return nil, 0, NumericInvalid
}

// operandIndex returns the function that maps the logical (row, col) of an operand to its flat index,
// and the number of elements required.
func operandIndex(layout LayoutTypeID, rows, cols, ld int) (index func(row, col int) int, required int) {
	if layout == LayoutColumnMajor {
		return func(row, col int) int { return col*ld + row }, (cols-1)*ld + rows
	}
	return func(row, col int) int { return row*ld + col }, (rows-1)*ld + cols
}

func (op *referenceGemmOp) Run(args *GemmArguments, stream *device.Stream) error {
	if args.M <= 0 || args.N <= 0 || args.K <= 0 {
		return errors.Wrapf(ErrStatus, "operation %s: invalid problem M=%d, N=%d, K=%d", op.key, args.M, args.N, args.K)
	}
	loadA, lenA, idA := elementLoader(args.A)
	loadB, lenB, idB := elementLoader(args.B)
	if idA != op.key.ElementA || idB != op.key.ElementB {
		return errors.Wrapf(ErrStatus, "operation %s: operands of type %s and %s given", op.key, idA, idB)
	}
	indexA, requiredA := operandIndex(op.key.LayoutA, args.M, args.K, args.LdA)
	indexB, requiredB := operandIndex(op.key.LayoutB, args.K, args.N, args.LdB)
	if lenA < requiredA || lenB < requiredB || len(args.C) < (args.M-1)*args.LdC+args.N || args.LdC < args.N {
		return errors.Wrapf(ErrStatus, "operation %s: buffers too small for M=%d, N=%d, K=%d", op.key, args.M, args.N, args.K)
	}
	a := *args
	stream.Enqueue(func() error {
		for row := range a.M {
			for col := range a.N {
				var acc float32
				for k := range a.K {
					acc += float32(loadA(indexA(row, k)) * loadB(indexB(k, col)))
				}
				idx := row*a.LdC + col
				if a.Beta == 0 {
					a.C[idx] = a.Alpha * acc
				} else {
					a.C[idx] = a.Alpha*acc + a.Beta*a.C[idx]
				}
			}
		}
		return nil
	})
	return nil
}
