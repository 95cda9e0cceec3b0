// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convolution

import (
	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/cpu/strategy"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"k8s.io/klog/v2"
)

// matmulAlgo lowers the filter gradient of each group to matrix multiplications: for each image n,
//
//	grad[g] (OCPG x ICPG*FH*FW) += diff[n, g] (OCPG x OH*OW) x col[n, g]^T (OH*OW x ICPG*FH*FW)
//
// where col holds the input patches (im2col). The batch is accumulated by the GEMM itself.
type matmulAlgo struct{}

var matmulStrategy = strategy.GemmF32x8x8()

func (a *matmulAlgo) Name() string              { return "MATMUL" }
func (a *matmulAlgo) Attribute() algo.Attribute { return algo.Reproducible }
func (a *matmulAlgo) Desc() algo.Desc           { return algo.Desc{Handle: device.CPU, Type: typeMatmul} }

func (a *matmulAlgo) IsAvailable(args *SizeArgs) bool {
	return args.contiguousNCHW() && args.isFloat32()
}

// plan returns the GEMM of one group and image, and the workspace bundle: the column buffer and the GEMM workspace.
func (a *matmulAlgo) plan(p oplib.ConvProblem) (*strategy.Interleaved[float32, float32, float32], algo.Bundle, int) {
	colRows, spatial := p.ICPG()*p.FH*p.FW, p.OH*p.OW
	gemm := &strategy.Interleaved[float32, float32, float32]{
		Strategy:   matmulStrategy,
		M:          p.OCPG(),
		N:          colRows,
		K:          spatial,
		TransposeB: true,
	}
	colSize := colRows * spatial
	return gemm, algo.NewBundle(uint64(colSize)*4, gemm.WorkspaceSize()), colSize
}

func (a *matmulAlgo) WorkspaceInBytes(args *SizeArgs) uint64 {
	_, bundle, _ := a.plan(args.Problem())
	return bundle.TotalSize()
}

func (a *matmulAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	algo.CheckWorkspace(OperatorName, a, args.SizeArgs, args.Workspace)
	args.checkLayouts()
	convArgs := args.convolutionArguments()
	p := convArgs.Problem
	gemm, bundle, colSize := a.plan(p)
	col := algo.AsSlice[float32](bundle.Chunk(args.Workspace, 0), colSize)
	gemmWorkspace := algo.Workspace{Raw: bundle.Chunk(args.Workspace, 1)}
	pool := args.Handle.Pool()
	if klog.V(2).Enabled() {
		klog.Infof("%s algo MATMUL: %d groups x %d images of GEMM M=%d, N=%d, K=%d", OperatorName, p.Groups, p.N,
			gemm.M, gemm.N, gemm.K)
	}
	return args.Handle.Run(func() error {
		ocpg, spatial := p.OCPG(), p.OH*p.OW
		for g := range p.Groups {
			grad := convArgs.Grad[g*ocpg*gemm.N:]
			for n := range p.N {
				im2col(p, convArgs.Src, n, g, col)
				diff := convArgs.Diff[(n*p.OC+g*ocpg)*spatial:]
				gemm.Exec(diff, col, grad, gemmWorkspace, n > 0, pool)
			}
		}
		return nil
	})
}

// im2col writes the patches of image n and group g into col, stored [ICPG*FH*FW, OH*OW]: row (icg, kh, kw) holds
// the input elements multiplied by the filter element (icg, kh, kw), which is at (FH-1-kh, FW-1-kw) in the
// receptive field if the filter is flipped. Padding is written as zeros.
func im2col(p oplib.ConvProblem, src []float32, n, g int, col []float32) {
	icpg := p.ICPG()
	spatial := p.OH * p.OW
	for icg := range icpg {
		image := src[(n*p.IC+g*icpg+icg)*p.IH*p.IW:]
		for kh := range p.FH {
			for kw := range p.FW {
				fh, fw := kh, kw
				if p.Convolution {
					fh, fw = p.FH-1-kh, p.FW-1-kw
				}
				row := col[((icg*p.FH+kh)*p.FW+kw)*spatial:]
				for oh := range p.OH {
					ih := oh*p.StrideH - p.PadH + fh*p.DilateH
					out := row[oh*p.OW : (oh+1)*p.OW]
					if ih < 0 || ih >= p.IH {
						clear(out)
						continue
					}
					for ow := range p.OW {
						iw := ow*p.StrideW - p.PadW + fw*p.DilateW
						if iw < 0 || iw >= p.IW {
							out[ow] = 0
						} else {
							out[ow] = image[ih*p.IW+iw]
						}
					}
				}
			}
		}
	}
}
