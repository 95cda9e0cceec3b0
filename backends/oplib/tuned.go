// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oplib

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tuned convolution: the library searches (tunes) the best kernel for a problem once, and returns a
// TuningHandle that is given back on each execution.

// TuningHandle is the result of a FindConvBwdWeightsAlgorithm search.
type TuningHandle struct {
	// Solution is the name of the kernel chosen by the search.
	Solution string

	// WorkspaceBytes required by the chosen kernel.
	WorkspaceBytes uint64
}

const (
	SolutionDirect = "ConvBwdWeightsDirect"
	SolutionGEMM   = "ConvBwdWeightsGEMM"
)

var findCalls atomic.Int64

// FindCalls returns how many times FindConvBwdWeightsAlgorithm was called in this process.
func FindCalls() int64 {
	return findCalls.Load()
}

// ConvBwdWeightsSupported returns whether the tuned convolution supports the problem with the given element type.
func ConvBwdWeightsSupported(p ConvProblem, element NumericTypeID) bool {
	return element == NumericF32 && p.Validate() == nil
}

// ConvBwdWeightsWorkspaceSize returns the largest workspace any solution may require for the problem: a column
// buffer of one group and one image.
func ConvBwdWeightsWorkspaceSize(p ConvProblem) uint64 {
	if p.Groups <= 0 {
		return 0
	}
	return uint64(p.IC/p.Groups) * uint64(p.FH*p.FW) * uint64(p.OH*p.OW) * 4
}

func isPointwise(p ConvProblem) bool {
	return p.FH == 1 && p.FW == 1 && p.StrideH == 1 && p.StrideW == 1 && p.PadH == 0 && p.PadW == 0
}

// FindConvBwdWeightsAlgorithm searches the best solution for the problem. It is expensive: callers
// should cache the returned handle.
func FindConvBwdWeightsAlgorithm(p ConvProblem, element NumericTypeID) (TuningHandle, error) {
	findCalls.Add(1)
	if !ConvBwdWeightsSupported(p, element) {
		return TuningHandle{}, errors.Wrapf(ErrStatus, "tuned convolution backward filter doesn't support %s problem %+v", element, p)
	}
	handle := TuningHandle{Solution: SolutionGEMM, WorkspaceBytes: ConvBwdWeightsWorkspaceSize(p)}
	if isPointwise(p) || (p.ICPG() == 1 && p.OCPG() == 1) {
		handle = TuningHandle{Solution: SolutionDirect}
	}
	klog.V(1).Infof("tuned convolution backward filter: found %s (workspace %s) for %+v",
		handle.Solution, humanize.IBytes(handle.WorkspaceBytes), p)
	return handle, nil
}

// RunConvBwdWeights validates the arguments and enqueues the solution of handle on the stream.
// It returns an error wrapping ErrStatus if the arguments are not supported.
func RunConvBwdWeights(handle TuningHandle, args *ConvolutionArguments, workspace []byte, stream *device.Stream) error {
	switch handle.Solution {
	case SolutionDirect, SolutionGEMM:
	default:
		return errors.Wrapf(ErrStatus, "invalid tuning handle %+v", handle)
	}
	if err := args.validate(); err != nil {
		return errors.WithMessagef(err, "tuned convolution backward filter")
	}
	if uint64(len(workspace)) < handle.WorkspaceBytes {
		return errors.Wrapf(ErrStatus, "tuned convolution backward filter %s: workspace of %d bytes given, %d required",
			handle.Solution, len(workspace), handle.WorkspaceBytes)
	}
	argsCopy := *args
	stream.Enqueue(func() error {
		wgrad(&argsCopy)
		return nil
	})
	return nil
}
