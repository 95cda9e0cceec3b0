// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/cpu/strategy"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Algorithm of the MatrixMul operator.
type Algorithm = algo.Algorithm[*SizeArgs, *ExecArgs]

// Algorithm types, used in the descriptors.
const (
	typeLibGemm uint32 = iota
	typeInt16x16x32K12x8x1
	typeInt8x8x32K4x4
	typeF32K8x8
	typeF16K8x8
	typeBF16K8x8
	typeNaive
)

// libGemmTilings are the tilings of the vendor GEMM operations tried, in order.
var libGemmTilings = []struct {
	threadblock, warp oplib.TileShape
	stages            int
}{
	{oplib.TileShape{M: 128, N: 128, K: 8}, oplib.TileShape{M: 32, N: 64, K: 8}, 2},
	{oplib.TileShape{M: 64, N: 64, K: 8}, oplib.TileShape{M: 32, N: 32, K: 8}, 2},
}

// Pack returns the algorithms of the operator, in preference order.
var Pack = sync.OnceValue(func() *algo.Pack[*SizeArgs, *ExecArgs] {
	pack := algo.NewPack[*SizeArgs, *ExecArgs](OperatorName)
	for _, tiling := range libGemmTilings {
		pack.Add(newLibGemmAlgo(tiling.threadblock, tiling.warp, tiling.stages))
	}
	pack.Add(
		&strategyAlgo[int16, int16, int32]{name: "INT16X16X32_K12X8X1", algoType: typeInt16x16x32K12x8x1, strategy: strategy.GemmS16x12x8()},
		&strategyAlgo[int8, int8, int32]{name: "INT8X8X32_K4X4", algoType: typeInt8x8x32K4x4, strategy: strategy.GemmS8x4x4()},
		&strategyAlgo[float32, float32, float32]{name: "F32_K8X8", algoType: typeF32K8x8, strategy: strategy.GemmF32x8x8()},
		&strategyAlgo[float16.Float16, float32, float32]{name: "F16_K8X8", algoType: typeF16K8x8, strategy: strategy.GemmF16x8x8()},
		&strategyAlgo[bfloat16.BFloat16, float32, float32]{name: "BF16_K8X8", algoType: typeBF16K8x8, strategy: strategy.GemmBF16x8x8()},
		&naiveAlgo{},
	)
	return pack
})

// libGemmAlgo runs a GEMM operation of the vendor library.
type libGemmAlgo struct {
	name              string
	threadblock, warp oplib.TileShape
	stages            int
}

func newLibGemmAlgo(threadblock, warp oplib.TileShape, stages int) *libGemmAlgo {
	return &libGemmAlgo{
		name:        strings.ToUpper(fmt.Sprintf("LIB_GEMM_%s_%s", threadblock, warp)) + fmt.Sprintf("_%dstage", stages),
		threadblock: threadblock,
		warp:        warp,
		stages:      stages,
	}
}

func (a *libGemmAlgo) Name() string              { return a.name }
func (a *libGemmAlgo) Attribute() algo.Attribute { return algo.VendorLibrary | algo.Reproducible }

func (a *libGemmAlgo) Desc() algo.Desc {
	return algo.Desc{Handle: device.CUDA, Type: typeLibGemm, Param: algo.EncodeParam(
		uint32(a.threadblock.M), uint32(a.threadblock.N), uint32(a.threadblock.K),
		uint32(a.warp.M), uint32(a.warp.N), uint32(a.warp.K), uint32(a.stages))}
}

// key of the vendor operation for the problem: a transposed operand is the column-major view of its storage.
func (a *libGemmAlgo) key(args *SizeArgs) oplib.GemmKey {
	layoutA, layoutB := oplib.LayoutRowMajor, oplib.LayoutRowMajor
	if args.Param.TransposeA {
		layoutA = oplib.LayoutColumnMajor
	}
	if args.Param.TransposeB {
		layoutB = oplib.LayoutColumnMajor
	}
	return oplib.GemmF32AccKey(oplib.NumericTypeOf(args.A.DType), layoutA, layoutB, a.threadblock, a.warp, a.stages)
}

func (a *libGemmAlgo) IsAvailable(args *SizeArgs) bool {
	if args.Handle.Type() != device.CUDA || !args.Handle.IsComputeCapabilityRequired(7, 0) {
		return false
	}
	if _, _, _, err := args.Dims(); err != nil {
		return false
	}
	if !args.A.IsContiguous() || !args.B.IsContiguous() || !args.C.IsContiguous() {
		return false
	}
	if args.A.DType != args.B.DType || args.C.DType != dtypes.Float32 ||
		(args.A.DType != dtypes.Float32 && args.A.DType != dtypes.Float16) {
		return false
	}
	return oplib.Default().FindGemm(a.key(args)) != nil
}

func (a *libGemmAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

func (a *libGemmAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkLayouts()
	M, N, K, _ := args.Dims()
	lda, ldb := K, N
	if args.Param.TransposeA {
		lda = M
	}
	if args.Param.TransposeB {
		ldb = K
	}
	op := oplib.Default().FindGemm(a.key(args.SizeArgs))
	err := op.Run(&oplib.GemmArguments{
		M: M, N: N, K: K,
		A: args.A.FlatAny(), B: args.B.FlatAny(), C: tensors.Flat[float32](args.C),
		LdA: lda, LdB: ldb, LdC: N,
		Alpha: 1,
	}, args.Handle.Stream())
	if err != nil {
		return errors.WithMessagef(err, "%s algo %s", OperatorName, a.name)
	}
	return nil
}

// strategyAlgo runs a tiled CPU strategy through strategy.Interleaved.
type strategyAlgo[TIn dtypes.Supported, TPack, TOut strategy.Number] struct {
	name     string
	algoType uint32
	strategy *strategy.Strategy[TIn, TPack, TOut]
}

func (a *strategyAlgo[TIn, TPack, TOut]) Name() string              { return a.name }
func (a *strategyAlgo[TIn, TPack, TOut]) Attribute() algo.Attribute { return algo.Reproducible }
func (a *strategyAlgo[TIn, TPack, TOut]) Desc() algo.Desc {
	return algo.Desc{Handle: device.CPU, Type: a.algoType}
}

// interleaved returns the driver for the problem, and false if the operands' rows are not contiguous.
func (a *strategyAlgo[TIn, TPack, TOut]) interleaved(args *SizeArgs) (*strategy.Interleaved[TIn, TPack, TOut], bool) {
	M, N, K, err := args.Dims()
	if err != nil {
		return nil, false
	}
	lda, okA := leadingDimension(args.A)
	ldb, okB := leadingDimension(args.B)
	ldc, okC := leadingDimension(args.C)
	return &strategy.Interleaved[TIn, TPack, TOut]{
		Strategy: a.strategy,
		M:        M, N: N, K: K,
		TransposeA: args.Param.TransposeA, TransposeB: args.Param.TransposeB,
		LdA: lda, LdB: ldb, LdC: ldc,
	}, okA && okB && okC
}

func (a *strategyAlgo[TIn, TPack, TOut]) IsAvailable(args *SizeArgs) bool {
	if _, ok := a.interleaved(args); !ok {
		return false
	}
	input := a.strategy.InputDType()
	return args.A.DType == input && args.B.DType == input && args.C.DType == a.strategy.OutputDType()
}

func (a *strategyAlgo[TIn, TPack, TOut]) WorkspaceInBytes(args *SizeArgs) uint64 {
	M, N, K, err := args.Dims()
	if err != nil {
		return 0
	}
	g := &strategy.Interleaved[TIn, TPack, TOut]{Strategy: a.strategy, M: M, N: N, K: K}
	return g.WorkspaceSize()
}

func (a *strategyAlgo[TIn, TPack, TOut]) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	algo.CheckWorkspace(OperatorName, a, args.SizeArgs, args.Workspace)
	args.checkLayouts()
	g, _ := a.interleaved(args.SizeArgs)
	flatA, flatB := tensors.Flat[TIn](args.A), tensors.Flat[TIn](args.B)
	flatC := tensors.Flat[TOut](args.C)
	ws, pool := args.Workspace, args.Handle.Pool()
	return args.Handle.Run(func() error {
		g.Exec(flatA, flatB, flatC, ws, false, pool)
		return nil
	})
}

// naiveAlgo is the triple loop over any numeric dtypes and strides. It accumulates in float64, or in int64 when all
// operands are integers, in which case the result wraps around to the width of C.
type naiveAlgo struct{}

func (a *naiveAlgo) Name() string              { return "NAIVE" }
func (a *naiveAlgo) Attribute() algo.Attribute { return algo.Reproducible | algo.Naive }
func (a *naiveAlgo) Desc() algo.Desc           { return algo.Desc{Handle: device.CPU, Type: typeNaive} }

func isNumeric(dtype dtypes.DType) bool {
	return (dtype.IsFloat() || dtype.IsInt()) && !dtype.IsComplex()
}

func (a *naiveAlgo) IsAvailable(args *SizeArgs) bool {
	if _, _, _, err := args.Dims(); err != nil {
		return false
	}
	return isNumeric(args.A.DType) && isNumeric(args.B.DType) && isNumeric(args.C.DType)
}

func (a *naiveAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

func (a *naiveAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkLayouts()
	M, N, K, _ := args.Dims()
	loadA, loadB, storeC := args.A.LoadFunc(), args.B.LoadFunc(), args.C.StoreFunc()
	strideAM, strideAK := args.SizeArgs.A.Strides[0], args.SizeArgs.A.Strides[1]
	if args.Param.TransposeA {
		strideAM, strideAK = strideAK, strideAM
	}
	strideBK, strideBN := args.SizeArgs.B.Strides[0], args.SizeArgs.B.Strides[1]
	if args.Param.TransposeB {
		strideBK, strideBN = strideBN, strideBK
	}
	strideCM, strideCN := args.SizeArgs.C.Strides[0], args.SizeArgs.C.Strides[1]
	if args.A.DType().IsInt() && args.B.DType().IsInt() && args.C.DType().IsInt() {
		loadIntA, loadIntB, storeIntC := args.A.LoadIntFunc(), args.B.LoadIntFunc(), args.C.StoreIntFunc()
		return args.Handle.Run(func() error {
			for m := range M {
				for n := range N {
					var acc int64
					for k := range K {
						acc += loadIntA(m*strideAM+k*strideAK) * loadIntB(k*strideBK+n*strideBN)
					}
					storeIntC(m*strideCM+n*strideCN, acc)
				}
			}
			return nil
		})
	}
	return args.Handle.Run(func() error {
		for m := range M {
			for n := range N {
				var acc float64
				for k := range K {
					acc += loadA(m*strideAM+k*strideAK) * loadB(k*strideBK+n*strideBN)
				}
				storeC(m*strideCM+n*strideCN, acc)
			}
		}
		return nil
	})
}
