// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/shapes"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Cache of the selected algorithms, shared by all operators of the process.
var Cache = algo.NewCache[*SizeArgs, *ExecArgs](OperatorName)

// Operator is the front-end of MatrixMul on one device.
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

// New creates a MatrixMul operator on the handle.
func New(handle *device.Handle, param Param) *Operator {
	constraint := algo.DefaultConstraint()
	constraint.WorkspaceLimit = handle.WorkspaceLimit()
	return &Operator{handle: handle, param: param, Constraint: constraint}
}

// Param of the operator.
func (op *Operator) Param() Param { return op.param }

// SizeArgs returns the problem for the given operand layouts.
func (op *Operator) SizeArgs(a, b, c shapes.Layout) *SizeArgs {
	return &SizeArgs{Handle: op.handle, Param: op.param, A: a, B: b, C: c}
}

// SetAlgorithm pins the algorithm with the given descriptor (for instance a choice serialized earlier), instead of
// selecting one. It returns an error wrapping algo.ErrNotFound if no algorithm has the descriptor.
func (op *Operator) SetAlgorithm(desc algo.Desc) error {
	if _, err := Pack().Lookup(desc); err != nil {
		return err
	}
	op.pinned = &desc
	return nil
}

// ResetAlgorithm removes the pinned algorithm set by SetAlgorithm.
func (op *Operator) ResetAlgorithm() { op.pinned = nil }

func (op *Operator) entry(args *SizeArgs) (*algo.Entry[*SizeArgs, *ExecArgs], error) {
	if _, _, _, err := args.Dims(); err != nil {
		return nil, err
	}
	return Cache.Choose(Pack(), args, op.Constraint, op.pinned)
}

// GetAlgorithm returns the algorithm used for the operand layouts.
func (op *Operator) GetAlgorithm(a, b, c shapes.Layout) (Algorithm, error) {
	entry, err := op.entry(op.SizeArgs(a, b, c))
	if err != nil {
		return nil, err
	}
	return entry.Algorithm, nil
}

// WorkspaceInBytes returns the workspace required by Exec for the operand layouts.
func (op *Operator) WorkspaceInBytes(a, b, c shapes.Layout) (uint64, error) {
	args := op.SizeArgs(a, b, c)
	entry, err := op.entry(args)
	if err != nil {
		return 0, err
	}
	return entry.Algorithm.WorkspaceInBytes(args), nil
}

// Exec computes c = op(a) x op(b) with the selected algorithm. The workspace must have at least WorkspaceInBytes
// bytes.
//
// Algorithms on non-CPU devices may only enqueue the work: call Synchronize on the handle to wait for it.
func (op *Operator) Exec(a, b, c *tensors.Tensor, ws algo.Workspace) error {
	args := op.SizeArgs(a.Layout(), b.Layout(), c.Layout())
	entry, err := op.entry(args)
	if err != nil {
		return err
	}
	execArgs := &ExecArgs{SizeArgs: args, A: a, B: b, C: c, Workspace: ws, Tuning: entry.Tuning}
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
