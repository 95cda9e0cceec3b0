// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convolution

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Algorithm of the ConvolutionBackwardFilter operator.
type Algorithm = algo.Algorithm[*SizeArgs, *ExecArgs]

// Algorithm types, used in the descriptors.
const (
	typeMIOpen uint32 = iota
	typeImplicitBatchedGemm
	typeChannelWise
	typeMatmul
	typeNaive
)

// implicitBatchedGemmTilings are the tilings of the vendor depthwise kernels tried, in order.
var implicitBatchedGemmTilings = []struct {
	threadblock, warp oplib.TileShape
	stages            int
}{
	{oplib.TileShape{M: 128, N: 128, K: 8}, oplib.TileShape{M: 32, N: 64, K: 8}, 2},
	{oplib.TileShape{M: 128, N: 64, K: 8}, oplib.TileShape{M: 64, N: 32, K: 8}, 2},
	{oplib.TileShape{M: 128, N: 32, K: 8}, oplib.TileShape{M: 64, N: 32, K: 8}, 2},
	{oplib.TileShape{M: 64, N: 128, K: 8}, oplib.TileShape{M: 64, N: 32, K: 8}, 2},
	{oplib.TileShape{M: 64, N: 64, K: 8}, oplib.TileShape{M: 32, N: 32, K: 8}, 2},
}

// Pack returns the algorithms of the operator, in preference order.
var Pack = sync.OnceValue(func() *algo.Pack[*SizeArgs, *ExecArgs] {
	pack := algo.NewPack[*SizeArgs, *ExecArgs](OperatorName)
	pack.Add(&miopenAlgo{attribute: algo.Reproducible | algo.VendorLibrary})
	for _, tiling := range implicitBatchedGemmTilings {
		pack.Add(newImplicitBatchedGemmAlgo(tiling.threadblock, tiling.warp, tiling.stages))
	}
	pack.Add(&channelWiseAlgo{}, &matmulAlgo{}, &naiveAlgo{})
	return pack
})

// VendorAlgorithms returns the algorithms backed by a vendor library, in preference order.
func VendorAlgorithms() []Algorithm {
	return Pack().Filter(func(a Algorithm) bool { return a.Attribute().Contains(algo.VendorLibrary) })
}

// NonVendorAlgorithms returns the algorithms implemented in this module, in preference order.
func NonVendorAlgorithms() []Algorithm {
	return Pack().Filter(func(a Algorithm) bool { return !a.Attribute().Contains(algo.VendorLibrary) })
}

// isFloat32 returns whether all operands are float32.
func (args *SizeArgs) isFloat32() bool {
	return args.Src.DType == dtypes.Float32 && args.Diff.DType == dtypes.Float32 && args.Grad.DType == dtypes.Float32
}

// miopenAlgo uses the tuned convolution of the vendor library: the best kernel for each problem is searched once
// by Tune, and the selection cache keeps it.
type miopenAlgo struct {
	attribute algo.Attribute
}

func (a *miopenAlgo) Name() string              { return "MIOpenConvolutionBackwardFilter" }
func (a *miopenAlgo) Attribute() algo.Attribute { return a.attribute }
func (a *miopenAlgo) Desc() algo.Desc {
	return algo.Desc{Handle: device.ROCm, Type: typeMIOpen, Param: algo.EncodeParam(uint32(a.attribute))}
}

func (a *miopenAlgo) IsAvailable(args *SizeArgs) bool {
	if args.Handle.Type() != device.ROCm {
		return false
	}
	if !args.contiguousNCHW() {
		return false
	}
	return oplib.ConvBwdWeightsSupported(args.Problem(), oplib.NumericTypeOf(args.Src.DType))
}

func (a *miopenAlgo) WorkspaceInBytes(args *SizeArgs) uint64 {
	return oplib.ConvBwdWeightsWorkspaceSize(args.Problem())
}

// Tune implements algo.Tuner.
func (a *miopenAlgo) Tune(args *SizeArgs) (any, error) {
	handle, err := oplib.FindConvBwdWeightsAlgorithm(args.Problem(), oplib.NumericTypeOf(args.Src.DType))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s algo %s", OperatorName, a.Name())
	}
	return handle, nil
}

func (a *miopenAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	algo.CheckWorkspace(OperatorName, a, args.SizeArgs, args.Workspace)
	args.checkLayouts()
	tuning, ok := args.Tuning.(oplib.TuningHandle)
	if !ok {
		// Not selected through the cache: search now.
		found, err := a.Tune(args.SizeArgs)
		if err != nil {
			return err
		}
		tuning = found.(oplib.TuningHandle)
	}
	err := oplib.RunConvBwdWeights(tuning, args.convolutionArguments(), args.Workspace.Raw, args.Handle.Stream())
	if err != nil {
		return errors.WithMessagef(err, "%s algo %s", OperatorName, a.Name())
	}
	return nil
}

// implicitBatchedGemmAlgo runs the float32 NCHW depthwise backward filter kernel of the vendor operation table
// with one tiling.
type implicitBatchedGemmAlgo struct {
	name              string
	threadblock, warp oplib.TileShape
	stages            int
}

func newImplicitBatchedGemmAlgo(threadblock, warp oplib.TileShape, stages int) *implicitBatchedGemmAlgo {
	return &implicitBatchedGemmAlgo{
		name: fmt.Sprintf("FLOAT32_NCHW_FMA_IMPLICIT_BATCHED_GEMM_%s_%s_%dstage",
			strings.ToUpper(threadblock.String()), strings.ToUpper(warp.String()), stages),
		threadblock: threadblock,
		warp:        warp,
		stages:      stages,
	}
}

func (a *implicitBatchedGemmAlgo) Name() string { return a.name }
func (a *implicitBatchedGemmAlgo) Attribute() algo.Attribute {
	return algo.Reproducible | algo.VendorLibrary | algo.UsableDependOnShape
}

func (a *implicitBatchedGemmAlgo) Desc() algo.Desc {
	return algo.Desc{Handle: device.CUDA, Type: typeImplicitBatchedGemm, Param: algo.EncodeParam(
		uint32(a.threadblock.M), uint32(a.threadblock.N), uint32(a.threadblock.K),
		uint32(a.warp.M), uint32(a.warp.N), uint32(a.warp.K), uint32(a.stages))}
}

func (a *implicitBatchedGemmAlgo) operation() oplib.ConvOperation {
	return oplib.Default().FindConv(oplib.DepthwiseWgradKey(a.threadblock, a.warp, a.stages))
}

func (a *implicitBatchedGemmAlgo) IsAvailable(args *SizeArgs) bool {
	if args.Handle.Type() != device.CUDA || !args.Handle.IsComputeCapabilityRequired(6, 1) {
		return false
	}
	if !args.contiguousNCHW() || !args.isFloat32() {
		return false
	}
	fm := args.GradFilterMeta
	if args.Param.Sparse != SparseGroup || args.Param.Mode != ModeCrossCorrelation {
		return false
	}
	// Channel-wise only.
	if fm.ICPG != 1 || fm.OCPG != 1 {
		return false
	}
	if fm.DilateH != 1 || fm.DilateW != 1 {
		return false
	}
	return a.operation() != nil
}

func (a *implicitBatchedGemmAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

func (a *implicitBatchedGemmAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkLayouts()
	fm := args.GradFilterMeta
	if fm.ICPG != 1 || fm.OCPG != 1 {
		exceptions.Panicf("%s algo %s: requires a channel-wise convolution, got icpg=%d, ocpg=%d",
			OperatorName, a.name, fm.ICPG, fm.OCPG)
	}
	if err := a.operation().Run(args.convolutionArguments(), args.Handle.Stream()); err != nil {
		return errors.WithMessagef(err, "%s algo %s", OperatorName, a.name)
	}
	return nil
}
