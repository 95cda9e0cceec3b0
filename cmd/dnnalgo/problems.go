// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/ops/convolution"
	"github.com/gomlx/dnnalgo/ops/elemwise"
	"github.com/gomlx/dnnalgo/ops/matmul"
	"github.com/gomlx/dnnalgo/pkg/support/xslices"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// config of the problem to inspect, filled from the flags.
type config struct {
	op              string
	dtype, outDType string

	// MatrixMul.
	mnk                    []int
	transposeA, transposeB bool

	// ConvolutionBackwardFilter.
	input, filter, pad, stride []int
	groups                     int
	flip                       bool

	// ElemwiseMultiType.
	mode     string
	elements int
	scale    float64

	constraint algo.Constraint
}

// algorithmInfo is one row of the reports.
type algorithmInfo struct {
	name      string
	desc      algo.Desc
	attribute algo.Attribute
	available bool
	workspace uint64
}

// problem is an operator instance, abstracted from the operator types.
type problem struct {
	operator   string
	summary    string
	algorithms []algorithmInfo

	// flops is the number of operations of one execution, used for throughput.
	flops float64

	// lookup returns the name of the algorithm with the descriptor.
	lookup func(desc algo.Desc) (string, error)

	// selectAlgorithm returns the algorithm chosen by the operator, or the pinned one if name is not empty.
	selectAlgorithm func(name string) (algorithmInfo, error)

	// prepare allocates the operands and workspace for the named algorithm and returns a function
	// that executes the problem once and waits for it.
	prepare func(name string) (run func() error, err error)
}

func describe[S algo.Problem, E any](pack *algo.Pack[S, E], args S) []algorithmInfo {
	all := pack.All()
	infos := make([]algorithmInfo, 0, len(all))
	for _, a := range all {
		infos = append(infos, info(a, args))
	}
	return infos
}

func info[S, E any](a algo.Algorithm[S, E], args S) algorithmInfo {
	return algorithmInfo{
		name:      a.Name(),
		desc:      a.Desc(),
		attribute: a.Attribute(),
		available: a.IsAvailable(args),
		workspace: a.WorkspaceInBytes(args),
	}
}

func lookupIn[S, E any](pack *algo.Pack[S, E]) func(desc algo.Desc) (string, error) {
	return func(desc algo.Desc) (string, error) {
		a, err := pack.Lookup(desc)
		if err != nil {
			return "", err
		}
		return a.Name(), nil
	}
}

// pin sets the named algorithm of the pack on the operator, or resets it if name is empty.
func pin[S, E any](pack *algo.Pack[S, E], op interface {
	SetAlgorithm(desc algo.Desc) error
	ResetAlgorithm()
}, name string) error {
	if name == "" {
		op.ResetAlgorithm()
		return nil
	}
	a, err := pack.LookupName(name)
	if err != nil {
		return err
	}
	return op.SetAlgorithm(a.Desc())
}

func parseDType(name string) (dtypes.DType, error) {
	for key, dtype := range dtypes.MapOfNames {
		if strings.EqualFold(key, name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// ioDTypes returns the input and output dtypes of the config, with the defaults of the operator.
func (c *config) ioDTypes(defaultInput dtypes.DType, defaultOutput func(input dtypes.DType) dtypes.DType) (input, output dtypes.DType, err error) {
	input = defaultInput
	if c.dtype != "" {
		if input, err = parseDType(c.dtype); err != nil {
			return
		}
	}
	output = defaultOutput(input)
	if c.outDType != "" {
		output, err = parseDType(c.outDType)
	}
	return
}

// fill writes small deterministic values, cycling over 11 consecutive integers, into the tensor.
func fill(t *tensors.Tensor, seed int) {
	start := -5.0
	switch t.DType() {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		start = 0
	}
	store := t.StoreFunc()
	for ii, v := range xslices.Cycle(start, 11, t.Layout().Span()+seed)[seed:] {
		store(ii, v)
	}
}

func newProblem(h *device.Handle, c *config) (*problem, error) {
	switch strings.ToLower(c.op) {
	case "matmul", strings.ToLower(matmul.OperatorName):
		return newMatmulProblem(h, c)
	case "conv", "convolution", strings.ToLower(convolution.OperatorName):
		return newConvolutionProblem(h, c)
	case "elemwise", strings.ToLower(elemwise.OperatorName):
		return newElemwiseProblem(h, c)
	}
	return nil, errors.Errorf("unknown operator %q, valid operators are matmul, conv and elemwise", c.op)
}

func newMatmulProblem(h *device.Handle, c *config) (*problem, error) {
	if len(c.mnk) != 3 {
		return nil, errors.Errorf("MatrixMul requires 3 sizes M,N,K, got %v", c.mnk)
	}
	input, output, err := c.ioDTypes(dtypes.Float32, func(input dtypes.DType) dtypes.DType {
		if input.IsInt() {
			return dtypes.Int32
		}
		if input == dtypes.Float16 || input == dtypes.BFloat16 {
			return dtypes.Float32
		}
		return input
	})
	if err != nil {
		return nil, err
	}
	M, N, K := c.mnk[0], c.mnk[1], c.mnk[2]
	param := matmul.Param{TransposeA: c.transposeA, TransposeB: c.transposeB}
	aDims, bDims := []int{M, K}, []int{K, N}
	if param.TransposeA {
		aDims = []int{K, M}
	}
	if param.TransposeB {
		bDims = []int{N, K}
	}
	aLayout, bLayout := shapes.MakeLayout(input, aDims...), shapes.MakeLayout(input, bDims...)
	cLayout := shapes.MakeLayout(output, M, N)
	op := matmul.New(h, param)
	op.Constraint = c.constraint
	args := op.SizeArgs(aLayout, bLayout, cLayout)
	if _, _, _, err := args.Dims(); err != nil {
		return nil, err
	}
	pack := matmul.Pack()
	return &problem{
		operator:   matmul.OperatorName,
		summary:    args.String(),
		algorithms: describe(pack, args),
		flops:      2 * float64(M) * float64(N) * float64(K),
		lookup:     lookupIn(pack),
		selectAlgorithm: func(name string) (algorithmInfo, error) {
			if err := pin(pack, op, name); err != nil {
				return algorithmInfo{}, err
			}
			a, err := op.GetAlgorithm(aLayout, bLayout, cLayout)
			if err != nil {
				return algorithmInfo{}, err
			}
			return info(a, args), nil
		},
		prepare: func(name string) (func() error, error) {
			if err := pin(pack, op, name); err != nil {
				return nil, err
			}
			size, err := op.WorkspaceInBytes(aLayout, bLayout, cLayout)
			if err != nil {
				return nil, err
			}
			a, b, out := tensors.New(aLayout), tensors.New(bLayout), tensors.New(cLayout)
			fill(a, 1)
			fill(b, 2)
			ws := algo.NewWorkspace(size)
			return func() error {
				if err := op.Exec(a, b, out, ws); err != nil {
					return err
				}
				return h.Synchronize()
			}, nil
		},
	}, nil
}

func newConvolutionProblem(h *device.Handle, c *config) (*problem, error) {
	if len(c.input) != 4 || len(c.filter) != 3 || len(c.pad) != 2 || len(c.stride) != 2 {
		return nil, errors.Errorf("ConvolutionBackwardFilter requires input N,IC,IH,IW, filter OC,FH,FW, "+
			"pad PH,PW and stride SH,SW, got %v, %v, %v and %v", c.input, c.filter, c.pad, c.stride)
	}
	input, output, err := c.ioDTypes(dtypes.Float32, func(input dtypes.DType) dtypes.DType { return input })
	if err != nil {
		return nil, err
	}
	if input != output {
		return nil, errors.Errorf("ConvolutionBackwardFilter requires the same input and output dtypes, got %s and %s",
			input, output)
	}
	n, ic, ih, iw := c.input[0], c.input[1], c.input[2], c.input[3]
	oc, fh, fw := c.filter[0], c.filter[1], c.filter[2]
	param := convolution.Param{PadH: c.pad[0], PadW: c.pad[1], StrideH: c.stride[0], StrideW: c.stride[1]}
	if c.flip {
		param.Mode = convolution.ModeConvolution
	}
	oh := convolution.OutputSize(ih, fh, param.PadH, param.StrideH, 1)
	ow := convolution.OutputSize(iw, fw, param.PadW, param.StrideW, 1)
	gradDims := []int{oc, ic, fh, fw}
	if c.groups > 0 {
		if ic%c.groups != 0 || oc%c.groups != 0 {
			return nil, errors.Errorf("%d groups don't divide IC=%d and OC=%d", c.groups, ic, oc)
		}
		param.Sparse = convolution.SparseGroup
		gradDims = []int{c.groups, oc / c.groups, ic / c.groups, fh, fw}
	}
	srcLayout := shapes.MakeLayout(input, n, ic, ih, iw)
	diffLayout := shapes.MakeLayout(input, n, oc, oh, ow)
	gradLayout := shapes.MakeLayout(input, gradDims...)
	op := convolution.New(h, param)
	op.Constraint = c.constraint
	args, err := op.SizeArgs(srcLayout, diffLayout, gradLayout)
	if err != nil {
		return nil, err
	}
	pack := convolution.Pack()
	return &problem{
		operator:   convolution.OperatorName,
		summary:    args.String(),
		algorithms: describe(pack, args),
		flops:      2 * float64(gradLayout.Size()) * float64(n*oh*ow),
		lookup:     lookupIn(pack),
		selectAlgorithm: func(name string) (algorithmInfo, error) {
			if err := pin(pack, op, name); err != nil {
				return algorithmInfo{}, err
			}
			a, err := op.GetAlgorithm(srcLayout, diffLayout, gradLayout)
			if err != nil {
				return algorithmInfo{}, err
			}
			return info(a, args), nil
		},
		prepare: func(name string) (func() error, error) {
			if err := pin(pack, op, name); err != nil {
				return nil, err
			}
			size, err := op.WorkspaceInBytes(srcLayout, diffLayout, gradLayout)
			if err != nil {
				return nil, err
			}
			src, diff, grad := tensors.New(srcLayout), tensors.New(diffLayout), tensors.New(gradLayout)
			fill(src, 1)
			fill(diff, 2)
			ws := algo.NewWorkspace(size)
			return func() error {
				if err := op.Exec(src, diff, grad, ws); err != nil {
					return err
				}
				return h.Synchronize()
			}, nil
		},
	}, nil
}

func newElemwiseProblem(h *device.Handle, c *config) (*problem, error) {
	mode, err := elemwise.ParseMode(c.mode)
	if err != nil {
		return nil, err
	}
	input, output, err := c.ioDTypes(dtypes.Int8, func(input dtypes.DType) dtypes.DType { return input })
	if err != nil {
		return nil, err
	}
	zeroPoint := func(dtype dtypes.DType) int32 {
		if dtype == dtypes.Uint8 {
			return 128
		}
		return 0
	}
	scale := float32(c.scale)
	srcLayout := shapes.MakeLayout(input, c.elements).WithQuantization(scale, zeroPoint(input))
	dstLayout := shapes.MakeLayout(output, c.elements).WithQuantization(scale, zeroPoint(output))
	op := elemwise.New(h, elemwise.Param{Mode: mode})
	op.Constraint = c.constraint
	args, err := op.SizeArgs(srcLayout, dstLayout)
	if err != nil {
		return nil, err
	}
	pack := elemwise.Pack()
	return &problem{
		operator:   elemwise.OperatorName,
		summary:    args.String(),
		algorithms: describe(pack, args),
		flops:      float64(c.elements),
		lookup:     lookupIn(pack),
		selectAlgorithm: func(name string) (algorithmInfo, error) {
			if err := pin(pack, op, name); err != nil {
				return algorithmInfo{}, err
			}
			a, err := op.GetAlgorithm(srcLayout, dstLayout)
			if err != nil {
				return algorithmInfo{}, err
			}
			return info(a, args), nil
		},
		prepare: func(name string) (func() error, error) {
			if err := pin(pack, op, name); err != nil {
				return nil, err
			}
			size, err := op.WorkspaceInBytes(srcLayout, dstLayout)
			if err != nil {
				return nil, err
			}
			src, dst := tensors.New(srcLayout), tensors.New(dstLayout)
			fill(src, 1)
			ws := algo.NewWorkspace(size)
			return func() error {
				if err := op.Exec(src, dst, ws); err != nil {
					return err
				}
				return h.Synchronize()
			}, nil
		},
	}, nil
}
