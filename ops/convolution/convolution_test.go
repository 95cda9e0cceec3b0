// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convolution

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/backends/oplib"
	"github.com/gomlx/dnnalgo/pkg/support/xslices"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandle(t *testing.T, config string) *device.Handle {
	h := must.M1(device.NewWithConfig(config))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// problem of a test: the layouts are derived from the sizes and the param.
type problem struct {
	param          Param
	n, ic, ih, iw  int
	groups, ocpg   int
	fh, fw         int
	dtype          dtypes.DType
	descriptionTag string
}

func (p problem) layouts() (src, diff, grad shapes.Layout) {
	param := p.param.withDefaults()
	dtype := p.dtype
	if dtype == dtypes.InvalidDType {
		dtype = dtypes.Float32
	}
	oh := OutputSize(p.ih, p.fh, param.PadH, param.StrideH, param.DilateH)
	ow := OutputSize(p.iw, p.fw, param.PadW, param.StrideW, param.DilateW)
	oc := p.groups * p.ocpg
	if param.Format == FormatNHWC {
		src = shapes.MakeLayout(dtype, p.n, p.ih, p.iw, p.ic)
		diff = shapes.MakeLayout(dtype, p.n, oh, ow, oc)
	} else {
		src = shapes.MakeLayout(dtype, p.n, p.ic, p.ih, p.iw)
		diff = shapes.MakeLayout(dtype, p.n, oc, oh, ow)
	}
	if param.Sparse == SparseGroup {
		grad = shapes.MakeLayout(dtype, p.groups, p.ocpg, p.ic/p.groups, p.fh, p.fw)
	} else {
		grad = shapes.MakeLayout(dtype, oc, p.ic, p.fh, p.fw)
	}
	return
}

// operands returns src and diff filled with values derived from their index, and a grad filled with garbage.
func (p problem) operands() (src, diff, grad *tensors.Tensor) {
	srcLayout, diffLayout, gradLayout := p.layouts()
	src, diff, grad = tensors.New(srcLayout), tensors.New(diffLayout), tensors.New(gradLayout)
	for i, t := range []*tensors.Tensor{src, diff, grad} {
		store := t.StoreFunc()
		for ii := range t.Layout().Span() {
			store(ii, float64((ii*7+3*i)%11-5)*0.25)
		}
	}
	return
}

func (p problem) String() string {
	return fmt.Sprintf("%s: n=%d, ic=%d, %dx%d, groups=%d, ocpg=%d, filter %dx%d, %s",
		p.descriptionTag, p.n, p.ic, p.ih, p.iw, p.groups, p.ocpg, p.fh, p.fw, p.param)
}

func (p problem) run(t *testing.T, h *device.Handle, pinned Algorithm) []float32 {
	src, diff, grad := p.operands()
	op := New(h, p.param)
	if pinned != nil {
		require.NoError(t, op.SetAlgorithm(pinned.Desc()))
	}
	ws := must.M1(op.WorkspaceInBytes(src.Layout(), diff.Layout(), grad.Layout()))
	require.NoError(t, op.Exec(src, diff, grad, algo.NewWorkspace(ws)), "%s", p)
	require.NoError(t, h.Synchronize())
	load := grad.LoadFunc()
	out := make([]float32, grad.Shape().Size())
	for ii := range out {
		out[ii] = float32(load(ii))
	}
	return out
}

var depthwise = problem{
	param: Param{Sparse: SparseGroup, PadH: 1, PadW: 1},
	n:     2, ic: 3, ih: 5, iw: 6, groups: 3, ocpg: 1, fh: 3, fw: 3,
	descriptionTag: "depthwise",
}

func TestCanonizeFilterMeta(t *testing.T) {
	src, diff, grad := depthwise.layouts()
	fm := must.M1(CanonizeFilterMeta(depthwise.param, src, diff, grad))
	assert.Equal(t, CanonizedFilterMeta{Format: FormatNCHW, Group: 3, ICPG: 1, OCPG: 1, FH: 3, FW: 3,
		StrideH: 1, StrideW: 1, PadH: 1, PadW: 1, DilateH: 1, DilateW: 1}, fm)
	assert.Equal(t, []int{2, 3, 5, 6}, diff.Dimensions)

	// OH = (IH + 2*PH - ((FH-1)*DH+1)) / SH + 1
	assert.Equal(t, 3, OutputSize(9, 3, 1, 3, 1))
	assert.Equal(t, 2, OutputSize(7, 3, 0, 2, 2))

	_, err := CanonizeFilterMeta(depthwise.param, src, shapes.MakeLayout(dtypes.Float32, 2, 3, 4, 6), grad)
	require.ErrorContains(t, err, "diff spatial size (4, 6) doesn't match the expected (5, 6)")
	_, err = CanonizeFilterMeta(Param{}, src, diff, grad)
	require.ErrorContains(t, err, "dense filter gradient")
	_, err = CanonizeFilterMeta(depthwise.param, src, diff, shapes.MakeLayout(dtypes.Float32, 3, 2, 1, 3, 3))
	require.ErrorContains(t, err, "channels")
	_, err = CanonizeFilterMeta(depthwise.param, src, shapes.MakeLayout(dtypes.Float64, 2, 3, 5, 6), grad)
	require.ErrorContains(t, err, "same dtype")

	// A filter larger than the padded input is rejected, even where the integer division of the output size
	// would round up to 1.
	_, err = CanonizeFilterMeta(Param{StrideH: 2, StrideW: 2}, shapes.MakeLayout(dtypes.Float32, 1, 1, 3, 3),
		shapes.MakeLayout(dtypes.Float32, 1, 1, 1, 1), shapes.MakeLayout(dtypes.Float32, 1, 1, 4, 4))
	require.ErrorContains(t, err, "doesn't fit the padded input 3x3")
	_, err = CanonizeFilterMeta(Param{DilateH: 2, DilateW: 1}, shapes.MakeLayout(dtypes.Float32, 1, 1, 4, 4),
		shapes.MakeLayout(dtypes.Float32, 1, 1, 1, 2), shapes.MakeLayout(dtypes.Float32, 1, 1, 3, 3))
	require.ErrorContains(t, err, "dilated filter 5x3")
	// Exactly fitting is fine.
	_ = must.M1(CanonizeFilterMeta(Param{StrideH: 2, StrideW: 2, PadH: 1, PadW: 1}, shapes.MakeLayout(dtypes.Float32, 1, 1, 3, 3),
		shapes.MakeLayout(dtypes.Float32, 1, 1, 1, 1), shapes.MakeLayout(dtypes.Float32, 1, 1, 5, 5)))

	op := New(newHandle(t, "cpu"), depthwise.param)
	_, err = op.GetAlgorithm(src, shapes.MakeLayout(dtypes.Float32, 2, 3, 4, 6), grad)
	require.Error(t, err)
}

func TestSelection(t *testing.T) {
	cpu := newHandle(t, "cpu")
	cuda := newHandle(t, "cuda:sm=7.5")
	oldCUDA := newHandle(t, "cuda:sm=6.0")
	rocm := newHandle(t, "rocm")

	dense := problem{n: 2, ic: 4, ih: 6, iw: 5, groups: 1, ocpg: 3, fh: 3, fw: 2, descriptionTag: "dense"}
	nhwc := dense
	nhwc.param.Format = FormatNHWC
	float64Dense := dense
	float64Dense.dtype = dtypes.Float64
	dilated := depthwise
	dilated.param.DilateH = 2
	flipped := depthwise
	flipped.param.Mode = ModeConvolution
	multiplier := depthwise
	multiplier.ocpg = 2

	testCases := []struct {
		h        *device.Handle
		p        problem
		algoName string
	}{
		{cpu, depthwise, "CHANNEL_WISE"},
		{cpu, multiplier, "CHANNEL_WISE"},
		{cpu, dense, "MATMUL"},
		{cpu, nhwc, "NAIVE"},
		{cpu, float64Dense, "NAIVE"},
		{cuda, depthwise, "FLOAT32_NCHW_FMA_IMPLICIT_BATCHED_GEMM_128X128X8_32X64X8_2stage"},
		{cuda, dilated, "CHANNEL_WISE"},
		{cuda, flipped, "CHANNEL_WISE"},
		{cuda, multiplier, "CHANNEL_WISE"},
		{cuda, dense, "MATMUL"},
		{oldCUDA, depthwise, "CHANNEL_WISE"},
		{rocm, depthwise, "MIOpenConvolutionBackwardFilter"},
		{rocm, dense, "MIOpenConvolutionBackwardFilter"},
		{rocm, float64Dense, "NAIVE"},
	}
	for _, tc := range testCases {
		src, diff, grad := tc.p.layouts()
		chosen := must.M1(New(tc.h, tc.p.param).GetAlgorithm(src, diff, grad))
		assert.Equal(t, tc.algoName, chosen.Name(), "%s on %s", tc.p, tc.h.Key())
	}

	// Only reproducible non-vendor algorithms, and no naive one.
	op := New(cuda, depthwise.param)
	op.Constraint.Negative = algo.VendorLibrary | algo.Naive
	src, diff, grad := depthwise.layouts()
	chosen := must.M1(op.GetAlgorithm(src, diff, grad))
	assert.Equal(t, "CHANNEL_WISE", chosen.Name())

	assert.Len(t, VendorAlgorithms(), 1+len(implicitBatchedGemmTilings))
	assert.Equal(t, []string{"CHANNEL_WISE", "MATMUL", "NAIVE"},
		xslices.Map(NonVendorAlgorithms(), func(a Algorithm) string { return a.Name() }))
}

func TestAlgorithmsMatchNaive(t *testing.T) {
	cpu := newHandle(t, "cpu:parallelism=4")
	cuda := newHandle(t, "cuda:sm=8.6")
	rocm := newHandle(t, "rocm")
	problems := []problem{
		depthwise,
		{param: Param{Sparse: SparseGroup, StrideH: 2, StrideW: 1}, n: 3, ic: 4, ih: 7, iw: 4, groups: 4, ocpg: 1, fh: 2, fw: 3,
			descriptionTag: "strided depthwise"},
		{param: Param{Sparse: SparseGroup, DilateH: 2, DilateW: 2, PadH: 2, PadW: 1}, n: 1, ic: 2, ih: 6, iw: 6, groups: 2,
			ocpg: 3, fh: 3, fw: 2, descriptionTag: "dilated channel multiplier"},
		{param: Param{PadH: 1, PadW: 2, StrideH: 2, StrideW: 2}, n: 2, ic: 3, ih: 8, iw: 7, groups: 1, ocpg: 5, fh: 3, fw: 3,
			descriptionTag: "dense"},
		{param: Param{Mode: ModeConvolution, PadH: 1}, n: 2, ic: 2, ih: 4, iw: 5, groups: 1, ocpg: 2, fh: 3, fw: 2,
			descriptionTag: "dense flipped"},
		{param: Param{Sparse: SparseGroup, Mode: ModeConvolution}, n: 2, ic: 6, ih: 5, iw: 5, groups: 2, ocpg: 2, fh: 2, fw: 2,
			descriptionTag: "group flipped"},
		{param: Param{}, n: 1, ic: 300, ih: 1, iw: 1, groups: 1, ocpg: 20, fh: 1, fw: 1, descriptionTag: "pointwise"},
	}
	naive := must.M1(Pack().LookupName("NAIVE"))
	for _, p := range problems {
		want := p.run(t, cpu, naive)
		src, diff, grad := p.layouts()
		tested := 0
		for _, a := range Pack().All() {
			if a == naive {
				continue
			}
			for _, h := range []*device.Handle{cpu, cuda, rocm} {
				args := must.M1(NewSizeArgs(h, p.param, src, diff, grad))
				if !a.IsAvailable(args) {
					continue
				}
				got := p.run(t, h, a)
				require.Equal(t, -1, xslices.AllClose(want, got), "%s on %s: %s\nwant %v\ngot  %v", a.Name(), h.Key(), p, want, got)
				tested++
			}
		}
		require.Greater(t, tested, 0, "no algorithm tested for %s", p)
	}
}

func TestNHWC(t *testing.T) {
	cpu := newHandle(t, "cpu")
	nchw := problem{param: Param{PadH: 1, StrideW: 2}, n: 2, ic: 3, ih: 4, iw: 5, groups: 1, ocpg: 2, fh: 3, fw: 3}
	nhwc := nchw
	nhwc.param.Format = FormatNHWC

	// Same values at the same logical positions.
	srcNCHW, diffNCHW, gradNCHW := nchw.operands()
	srcNHWC, diffNHWC, gradNHWC := nhwc.operands()
	transpose := func(from, to *tensors.Tensor) {
		load, store := from.LoadFunc(), to.StoreFunc()
		dims := from.Shape().Dimensions
		for n := range dims[0] {
			for c := range dims[1] {
				for h := range dims[2] {
					for w := range dims[3] {
						store(to.FlatIndex(n, h, w, c), load(from.FlatIndex(n, c, h, w)))
					}
				}
			}
		}
	}
	transpose(srcNCHW, srcNHWC)
	transpose(diffNCHW, diffNHWC)

	opNCHW, opNHWC := New(cpu, nchw.param), New(cpu, nhwc.param)
	require.NoError(t, opNCHW.Exec(srcNCHW, diffNCHW, gradNCHW,
		algo.NewWorkspace(must.M1(opNCHW.WorkspaceInBytes(srcNCHW.Layout(), diffNCHW.Layout(), gradNCHW.Layout())))))
	require.NoError(t, opNHWC.Exec(srcNHWC, diffNHWC, gradNHWC, algo.Workspace{}))
	require.Equal(t, -1, xslices.AllClose(tensors.Flat[float32](gradNCHW), tensors.Flat[float32](gradNHWC)))
}

func TestTunedAlgorithmCache(t *testing.T) {
	rocm := newHandle(t, "rocm:parallelism=2")
	p := problem{param: Param{PadH: 1, PadW: 1}, n: 2, ic: 3, ih: 9, iw: 9, groups: 1, ocpg: 4, fh: 3, fw: 3,
		descriptionTag: "tuned"}
	src, diff, grad := p.layouts()
	Cache.Clear()
	findCalls := oplib.FindCalls()
	op := New(rocm, p.param)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chosen, err := op.GetAlgorithm(src, diff, grad)
			assert.NoError(t, err)
			assert.Equal(t, "MIOpenConvolutionBackwardFilter", chosen.Name())
		}()
	}
	wg.Wait()
	require.Equal(t, findCalls+1, oplib.FindCalls())

	want := p.run(t, newHandle(t, "cpu"), must.M1(Pack().LookupName("NAIVE")))
	got := p.run(t, rocm, nil)
	require.Equal(t, -1, xslices.AllClose(want, got))
	require.Equal(t, findCalls+1, oplib.FindCalls(), "Exec must reuse the tuning of the cache")

	ws := must.M1(op.WorkspaceInBytes(src, diff, grad))
	require.Equal(t, oplib.ConvBwdWeightsWorkspaceSize(must.M1(op.SizeArgs(src, diff, grad)).Problem()), ws)
	s, d, g := p.operands()
	err := op.Exec(s, d, g, algo.NewWorkspace(ws-1))
	require.ErrorContains(t, err, fmt.Sprintf("required workspace %d bytes, got %d", ws, ws-1))
}

func TestMatmulWorkspace(t *testing.T) {
	cpu := newHandle(t, "cpu")
	matmul := must.M1(Pack().LookupName("MATMUL"))
	previous := uint64(0)
	for scale := 1; scale <= 16; scale *= 2 {
		p := problem{n: scale, ic: 2 * scale, ih: 4 * scale, iw: 3 * scale, groups: 1, ocpg: scale, fh: 3, fw: 3}
		src, diff, grad := p.layouts()
		args := must.M1(NewSizeArgs(cpu, p.param, src, diff, grad))
		ws := matmul.WorkspaceInBytes(args)
		require.GreaterOrEqual(t, ws, previous)
		previous = ws
	}

	p := problem{param: Param{PadH: 1, PadW: 1}, n: 2, ic: 2, ih: 5, iw: 5, groups: 1, ocpg: 3, fh: 3, fw: 3}
	src, diff, grad := p.operands()
	op := New(cpu, p.param)
	ws := must.M1(op.WorkspaceInBytes(src.Layout(), diff.Layout(), grad.Layout()))
	// Column buffer: 2*3*3 rows x 25 columns of float32.
	require.GreaterOrEqual(t, ws, uint64(18*25*4))
	require.NoError(t, op.Exec(src, diff, grad, algo.NewWorkspace(ws)))
	err := op.Exec(src, diff, grad, algo.NewWorkspace(ws-1))
	require.ErrorContains(t, err, "ConvolutionBackwardFilter algo MATMUL: required workspace")
}

func TestSetAlgorithm(t *testing.T) {
	for _, a := range Pack().All() {
		text := must.M1(a.Desc().MarshalText())
		found := must.M1(Pack().Lookup(must.M1(algo.ParseDesc(string(text)))))
		require.Equal(t, a.Name(), found.Name())
	}

	cpu := newHandle(t, "cpu")
	op := New(cpu, depthwise.param)
	require.NoError(t, op.SetAlgorithm(must.M1(Pack().LookupName("MATMUL")).Desc()))
	src, diff, grad := depthwise.layouts()
	chosen := must.M1(op.GetAlgorithm(src, diff, grad))
	assert.Equal(t, "MATMUL", chosen.Name())
	op.ResetAlgorithm()
	chosen = must.M1(op.GetAlgorithm(src, diff, grad))
	assert.Equal(t, "CHANNEL_WISE", chosen.Name())
}
