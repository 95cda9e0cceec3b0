// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package elemwise

import (
	"math"
	"sync"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Algorithm of the ElemwiseMultiType operator.
type Algorithm = algo.Algorithm[*SizeArgs, *ExecArgs]

const typeNaive uint32 = 0

// Pack returns the algorithms of the operator.
var Pack = sync.OnceValue(func() *algo.Pack[*SizeArgs, *ExecArgs] {
	return algo.NewPack[*SizeArgs, *ExecArgs](OperatorName, &naiveAlgo{})
})

// chunkSize is the number of elements processed by each parallel task.
const chunkSize = 4096

// quantized are the storage types of the quantized dtypes.
type quantized interface {
	int8 | uint8 | int32
}

// naiveAlgo dequantizes, applies the mode and requantizes each element, over any strides.
type naiveAlgo struct{}

func (a *naiveAlgo) Name() string              { return "NAIVE" }
func (a *naiveAlgo) Attribute() algo.Attribute { return algo.Reproducible | algo.Naive }
func (a *naiveAlgo) Desc() algo.Desc           { return algo.Desc{Handle: device.CPU, Type: typeNaive} }

func (a *naiveAlgo) IsAvailable(args *SizeArgs) bool {
	return isQuantizedDType(args.Src.DType) && isQuantizedDType(args.Dst.DType)
}

func (a *naiveAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

func (a *naiveAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkQuantized()
	args.checkLayouts()
	run := dispatchSrc(args.Src, args.Dst, args.Param.Mode)
	size := args.SizeArgs.Src.Size()
	pool := args.Handle.Pool()
	return args.Handle.Run(func() error {
		pool.ParallelFor((size+chunkSize-1)/chunkSize, func(chunk int) {
			run(chunk*chunkSize, min(size, (chunk+1)*chunkSize))
		})
		return nil
	})
}

func dispatchSrc(src, dst *tensors.Tensor, mode Mode) func(from, to int) {
	switch src.DType() {
	case dtypes.Int8:
		return dispatchDst(tensors.Flat[int8](src), src.Layout(), dst, mode)
	case dtypes.Uint8:
		return dispatchDst(tensors.Flat[uint8](src), src.Layout(), dst, mode)
	case dtypes.Int32:
		return dispatchDst(tensors.Flat[int32](src), src.Layout(), dst, mode)
	}
	exceptions.Panicf("%s: unsupported src dtype %s", OperatorName, src.DType())
	return nil
}

func dispatchDst[TSrc quantized](src []TSrc, srcLayout shapes.Layout, dst *tensors.Tensor, mode Mode) func(from, to int) {
	switch dst.DType() {
	case dtypes.Int8:
		return unaryKernel(src, srcLayout, tensors.Flat[int8](dst), dst.Layout(), mode)
	case dtypes.Uint8:
		return unaryKernel(src, srcLayout, tensors.Flat[uint8](dst), dst.Layout(), mode)
	case dtypes.Int32:
		return unaryKernel(src, srcLayout, tensors.Flat[int32](dst), dst.Layout(), mode)
	}
	exceptions.Panicf("%s: unsupported dst dtype %s", OperatorName, dst.DType())
	return nil
}

// unaryKernel returns the function that processes the elements [from, to) in row-major order of the dimensions.
func unaryKernel[TSrc, TDst quantized](src []TSrc, srcLayout shapes.Layout, dst []TDst, dstLayout shapes.Layout,
	mode Mode) func(from, to int) {
	scaleIn, zpIn := srcLayout.Quant.Scale, srcLayout.Quant.ZeroPoint
	invScaleOut, zpOut := 1/dstLayout.Quant.Scale, dstLayout.Quant.ZeroPoint
	lowest, highest := quantizedRange[TDst]()
	srcOffset, dstOffset := offsetFunc(srcLayout), offsetFunc(dstLayout)
	return func(from, to int) {
		for ii := from; ii < to; ii++ {
			x := scaleIn * float32(int32(src[srcOffset(ii)])-zpIn)
			y := mode.Apply(x)
			dst[dstOffset(ii)] = TDst(quantize(y, invScaleOut, zpOut, lowest, highest))
		}
	}
}

// quantize rounds y/scale half away from zero, adds the zero point and saturates to [lowest, highest].
// NaN quantizes to the zero point.
func quantize(y, invScale float32, zeroPoint int32, lowest, highest float64) int64 {
	if math.IsNaN(float64(y)) {
		return int64(zeroPoint)
	}
	v := math.Round(float64(y*invScale)) + float64(zeroPoint)
	return int64(min(max(v, lowest), highest))
}

func quantizedRange[T quantized]() (lowest, highest float64) {
	var v T
	switch any(v).(type) {
	case int8:
		return math.MinInt8, math.MaxInt8
	case uint8:
		return 0, math.MaxUint8
	default:
		return math.MinInt32, math.MaxInt32
	}
}

// offsetFunc maps the row-major position of an element to its flat index in a layout.
func offsetFunc(l shapes.Layout) func(ii int) int {
	if l.IsContiguous() {
		return func(ii int) int { return ii }
	}
	dims, strides := l.Dimensions, l.Strides
	return func(ii int) int {
		offset := 0
		for axis := len(dims) - 1; axis >= 0; axis-- {
			offset += (ii % dims[axis]) * strides[axis]
			ii /= dims[axis]
		}
		return offset
	}
}
