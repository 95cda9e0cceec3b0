// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package oplib is the contract with vendor operation libraries: cutlass-like tables of operations indexed
// by exact keys (element types, layouts, tile shapes, epilogue and pipeline stages), and a MIOpen-like tuned
// convolution interface.
//
// Algorithms only borrow operations: they are owned by the Library, which lives for the whole process.
//
// The Library returned by Default is populated with reference implementations that run on the host,
// asynchronously on the device stream. They play the role of the vendor library for the CLI and tests.
package oplib

import (
	"slices"
	"sync"

	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStatus is wrapped by every error reporting a failure status of a library call.
var ErrStatus = errors.New("operation library call failed")

// ConvProblem describes a 2D convolution problem, NCHW.
type ConvProblem struct {
	N, IC, IH, IW    int
	OC, OH, OW       int
	FH, FW           int
	PadH, PadW       int
	StrideH, StrideW int
	DilateH, DilateW int
	Groups           int

	// Convolution flips the filter (true convolution); otherwise it's a cross-correlation.
	Convolution bool
}

// ICPG returns the number of input channels per group.
func (p ConvProblem) ICPG() int { return p.IC / p.Groups }

// OCPG returns the number of output channels per group.
func (p ConvProblem) OCPG() int { return p.OC / p.Groups }

// Validate the consistency of the problem sizes.
func (p ConvProblem) Validate() error {
	if p.N <= 0 || p.IC <= 0 || p.IH <= 0 || p.IW <= 0 || p.OC <= 0 || p.OH <= 0 || p.OW <= 0 ||
		p.FH <= 0 || p.FW <= 0 || p.StrideH <= 0 || p.StrideW <= 0 || p.DilateH <= 0 || p.DilateW <= 0 ||
		p.Groups <= 0 || p.PadH < 0 || p.PadW < 0 {
		return errors.Wrapf(ErrStatus, "invalid convolution problem %+v", p)
	}
	if p.IC%p.Groups != 0 || p.OC%p.Groups != 0 {
		return errors.Wrapf(ErrStatus, "channels (IC=%d, OC=%d) not divisible by groups=%d", p.IC, p.OC, p.Groups)
	}
	return nil
}

// ConvolutionArguments of a convolution backward filter (wgrad) operation.
//
// Src is the input [N, IC, IH, IW], Diff is the gradient of the output [N, OC, OH, OW] and Grad is the
// gradient of the filter [Groups, OCPG, ICPG, FH, FW] (written). All are contiguous NCHW float32.
// Grad is set to Alpha*wgrad + Beta*Grad.
type ConvolutionArguments struct {
	Problem         ConvProblem
	Src, Diff, Grad []float32
	Alpha, Beta     float32
}

func (args *ConvolutionArguments) validate() error {
	p := args.Problem
	if err := p.Validate(); err != nil {
		return err
	}
	if len(args.Src) < p.N*p.IC*p.IH*p.IW || len(args.Diff) < p.N*p.OC*p.OH*p.OW ||
		len(args.Grad) < p.OC*p.ICPG()*p.FH*p.FW {
		return errors.Wrapf(ErrStatus, "buffers too small for convolution problem %+v", p)
	}
	return nil
}

// GemmArguments of a GEMM operation: C = Alpha * op(A) x op(B) + Beta * C, with op(A) of shape MxK,
// op(B) of shape KxN and C of shape MxN, row-major with leading dimension LdC.
//
// A and B must hold slices of the Go type of the key's ElementA and ElementB. Their layouts in the key
// (row or column major) define op, and LdA/LdB are their leading dimensions.
type GemmArguments struct {
	M, N, K       int
	A, B          any
	C             []float32
	LdA, LdB, LdC int
	Alpha, Beta   float32
}

// ConvOperation is a convolution operation owned by the Library.
type ConvOperation interface {
	Key() ConvolutionKey

	// Run validates the arguments and enqueues the operation on the stream.
	// It returns an error wrapping ErrStatus if the arguments are not supported.
	Run(args *ConvolutionArguments, stream *device.Stream) error
}

// GemmOperation is a GEMM operation owned by the Library.
type GemmOperation interface {
	Key() GemmKey

	// Run validates the arguments and enqueues the operation on the stream.
	// It returns an error wrapping ErrStatus if the arguments are not supported.
	Run(args *GemmArguments, stream *device.Stream) error
}

// Library holds the tables of available operations.
//
// It is safe for concurrent use.
type Library struct {
	mu   sync.RWMutex
	conv map[ConvolutionKey]ConvOperation
	gemm map[GemmKey]GemmOperation
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		conv: make(map[ConvolutionKey]ConvOperation),
		gemm: make(map[GemmKey]GemmOperation),
	}
}

// RegisterConv adds operations to the library, replacing those with the same key.
func (l *Library) RegisterConv(ops ...ConvOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range ops {
		l.conv[op.Key()] = op
	}
}

// RegisterGemm adds operations to the library, replacing those with the same key.
func (l *Library) RegisterGemm(ops ...GemmOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range ops {
		l.gemm[op.Key()] = op
	}
}

// FindConv returns the operation for the exact key, or nil if there is none.
func (l *Library) FindConv(key ConvolutionKey) ConvOperation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conv[key]
}

// FindGemm returns the operation for the exact key, or nil if there is none.
func (l *Library) FindGemm(key GemmKey) GemmOperation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gemm[key]
}

// Keys returns the string form of the keys of all operations in the library, sorted.
func (l *Library) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.conv)+len(l.gemm))
	for key := range l.conv {
		keys = append(keys, key.String())
	}
	for key := range l.gemm {
		keys = append(keys, key.String())
	}
	slices.Sort(keys)
	return keys
}

// Default returns the process-wide library, populated with the reference operations on first use.
var Default = sync.OnceValue(func() *Library {
	l := NewLibrary()
	registerReferenceOperations(l)
	klog.V(1).Infof("operation library initialized with %d operations", len(l.conv)+len(l.gemm))
	return l
})
