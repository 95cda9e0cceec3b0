// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convolution

import (
	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Cache of the selected algorithms (and of the tuned vendor kernels), shared by all operators of the process.
var Cache = algo.NewCache[*SizeArgs, *ExecArgs](OperatorName)

// Operator is the front-end of ConvolutionBackwardFilter on one device.
//
// GetAlgorithm, WorkspaceInBytes and Exec are safe for concurrent use, as long as SetAlgorithm and the Constraint
// are not changed concurrently.
type Operator struct {
	handle *device.Handle
	param  Param

	// Constraint on the selected algorithms. It defaults to algo.DefaultConstraint, with the workspace limited by
	// the handle's WorkspaceLimit.
	Constraint algo.Constraint

	pinned *algo.Desc
}

// New creates a ConvolutionBackwardFilter operator on the handle.
func New(handle *device.Handle, param Param) *Operator {
	constraint := algo.DefaultConstraint()
	constraint.WorkspaceLimit = handle.WorkspaceLimit()
	return &Operator{handle: handle, param: param, Constraint: constraint}
}

// Param of the operator.
func (op *Operator) Param() Param { return op.param }

// SizeArgs validates the operand layouts and returns the problem.
func (op *Operator) SizeArgs(src, diff, grad shapes.Layout) (*SizeArgs, error) {
	return NewSizeArgs(op.handle, op.param, src, diff, grad)
}

// SetAlgorithm pins the algorithm with the given descriptor instead of selecting one.
// It returns an error wrapping algo.ErrNotFound if no algorithm has the descriptor.
func (op *Operator) SetAlgorithm(desc algo.Desc) error {
	if _, err := Pack().Lookup(desc); err != nil {
		return err
	}
	op.pinned = &desc
	return nil
}

// ResetAlgorithm removes the pinned algorithm set by SetAlgorithm.
func (op *Operator) ResetAlgorithm() { op.pinned = nil }

func (op *Operator) entry(src, diff, grad shapes.Layout) (*SizeArgs, *algo.Entry[*SizeArgs, *ExecArgs], error) {
	args, err := op.SizeArgs(src, diff, grad)
	if err != nil {
		return nil, nil, err
	}
	entry, err := Cache.Choose(Pack(), args, op.Constraint, op.pinned)
	if err != nil {
		return nil, nil, err
	}
	return args, entry, nil
}

// GetAlgorithm returns the algorithm used for the operand layouts.
func (op *Operator) GetAlgorithm(src, diff, grad shapes.Layout) (Algorithm, error) {
	_, entry, err := op.entry(src, diff, grad)
	if err != nil {
		return nil, err
	}
	return entry.Algorithm, nil
}

// WorkspaceInBytes returns the workspace required by Exec for the operand layouts.
func (op *Operator) WorkspaceInBytes(src, diff, grad shapes.Layout) (uint64, error) {
	args, entry, err := op.entry(src, diff, grad)
	if err != nil {
		return 0, err
	}
	return entry.Algorithm.WorkspaceInBytes(args), nil
}

// Exec computes the filter gradient into grad with the selected algorithm. The workspace must have at least
// WorkspaceInBytes bytes.
//
// Algorithms on non-CPU devices may only enqueue the work: call Synchronize on the handle to wait for it.
func (op *Operator) Exec(src, diff, grad *tensors.Tensor, ws algo.Workspace) error {
	args, entry, err := op.entry(src.Layout(), diff.Layout(), grad.Layout())
	if err != nil {
		return err
	}
	execArgs := &ExecArgs{SizeArgs: args, Src: src, Diff: diff, Grad: grad, Workspace: ws, Tuning: entry.Tuning}
	var execErr error
	err = exceptions.TryCatch[error](func() { execErr = entry.Algorithm.Exec(execArgs) })
	if err == nil {
		err = execErr
	}
	if err != nil {
		return errors.WithMessagef(err, "%s with algo %s", args, entry.Algorithm.Name())
	}
	return nil
}
