// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convolution

import (
	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"github.com/gomlx/dnnalgo/internal/workerspool"
	"github.com/gomlx/dnnalgo/types/shapes"
)

// channelWiseAlgo computes the filter gradient of channel-wise convolutions (one input channel per group) directly,
// one output channel per task.
type channelWiseAlgo struct{}

func (a *channelWiseAlgo) Name() string              { return "CHANNEL_WISE" }
func (a *channelWiseAlgo) Attribute() algo.Attribute { return algo.Reproducible }
func (a *channelWiseAlgo) Desc() algo.Desc           { return algo.Desc{Handle: device.CPU, Type: typeChannelWise} }

func (a *channelWiseAlgo) IsAvailable(args *SizeArgs) bool {
	return args.contiguousNCHW() && args.isFloat32() && args.GradFilterMeta.ICPG == 1
}

func (a *channelWiseAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

func (a *channelWiseAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkLayouts()
	convArgs := args.convolutionArguments()
	pool := args.Handle.Pool()
	return args.Handle.Run(func() error {
		channelWiseWgrad(convArgs, pool)
		return nil
	})
}

// channelWiseWgrad requires ICPG == 1: output channel oc reads input channel oc / OCPG.
func channelWiseWgrad(args *oplib.ConvolutionArguments, pool *workerspool.Pool) {
	p := args.Problem
	ocpg := p.OCPG()
	srcImage, diffImage := p.IC*p.IH*p.IW, p.OC*p.OH*p.OW
	pool.ParallelFor(p.OC, func(oc int) {
		ic := oc / ocpg
		for fh := range p.FH {
			for fw := range p.FW {
				var acc float32
				for n := range p.N {
					src := args.Src[n*srcImage+ic*p.IH*p.IW:]
					diff := args.Diff[n*diffImage+oc*p.OH*p.OW:]
					for oh := range p.OH {
						ih := oh*p.StrideH - p.PadH + fh*p.DilateH
						if ih < 0 || ih >= p.IH {
							continue
						}
						for ow := range p.OW {
							iw := ow*p.StrideW - p.PadW + fw*p.DilateW
							if iw < 0 || iw >= p.IW {
								continue
							}
							acc += float32(diff[oh*p.OW+ow] * src[ih*p.IW+iw])
						}
					}
				}
				kh, kw := fh, fw
				if p.Convolution {
					kh, kw = p.FH-1-fh, p.FW-1-fw
				}
				args.Grad[(oc*p.FH+kh)*p.FW+kw] = acc
			}
		}
	})
}

// naiveAlgo computes the filter gradient with direct loops over any float dtype, format and strides,
// accumulating in float64.
type naiveAlgo struct{}

func (a *naiveAlgo) Name() string              { return "NAIVE" }
func (a *naiveAlgo) Attribute() algo.Attribute { return algo.Reproducible | algo.Naive }
func (a *naiveAlgo) Desc() algo.Desc           { return algo.Desc{Handle: device.CPU, Type: typeNaive} }

func (a *naiveAlgo) IsAvailable(args *SizeArgs) bool {
	return args.Src.DType.IsFloat()
}

func (a *naiveAlgo) WorkspaceInBytes(*SizeArgs) uint64 { return 0 }

// activationIndex returns the flat index of the element (n, c, h, w) of a src or diff layout.
func activationIndex(format Format, l shapes.Layout) func(n, c, h, w int) int {
	s := l.Strides
	if format == FormatNHWC {
		return func(n, c, h, w int) int { return n*s[0] + h*s[1] + w*s[2] + c*s[3] }
	}
	return func(n, c, h, w int) int { return n*s[0] + c*s[1] + h*s[2] + w*s[3] }
}

// filterIndex returns the flat index of the filter element of output channel oc, input channel icg (in its group)
// and position (kh, kw).
func filterIndex(sparse Sparse, l shapes.Layout, ocpg int) func(oc, icg, kh, kw int) int {
	s := l.Strides
	if sparse == SparseGroup {
		return func(oc, icg, kh, kw int) int {
			return (oc/ocpg)*s[0] + (oc%ocpg)*s[1] + icg*s[2] + kh*s[3] + kw*s[4]
		}
	}
	return func(oc, icg, kh, kw int) int { return oc*s[0] + icg*s[1] + kh*s[2] + kw*s[3] }
}

func (a *naiveAlgo) Exec(args *ExecArgs) error {
	algo.CheckAvailable(OperatorName, a, args.SizeArgs)
	args.checkLayouts()
	p := args.Problem()
	fm := args.GradFilterMeta
	loadSrc, loadDiff, storeGrad := args.Src.LoadFunc(), args.Diff.LoadFunc(), args.Grad.StoreFunc()
	srcIdx := activationIndex(fm.Format, args.SizeArgs.Src)
	diffIdx := activationIndex(fm.Format, args.SizeArgs.Diff)
	gradIdx := filterIndex(args.Param.Sparse, args.SizeArgs.Grad, fm.OCPG)
	return args.Handle.Run(func() error {
		for oc := range p.OC {
			g := oc / fm.OCPG
			for icg := range fm.ICPG {
				ic := g*fm.ICPG + icg
				for fh := range p.FH {
					for fw := range p.FW {
						var acc float64
						for n := range p.N {
							for oh := range p.OH {
								ih := oh*p.StrideH - p.PadH + fh*p.DilateH
								if ih < 0 || ih >= p.IH {
									continue
								}
								for ow := range p.OW {
									iw := ow*p.StrideW - p.PadW + fw*p.DilateW
									if iw < 0 || iw >= p.IW {
										continue
									}
									acc += loadDiff(diffIdx(n, oc, oh, ow)) * loadSrc(srcIdx(n, ic, ih, iw))
								}
							}
						}
						kh, kw := fh, fw
						if fm.Flip {
							kh, kw = p.FH-1-fh, p.FW-1-fw
						}
						storeGrad(gradIdx(oc, icg, kh, kw), acc)
					}
				}
			}
		}
		return nil
	})
}
