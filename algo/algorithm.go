// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package algo is the framework that enumerates, selects, sizes and runs the algorithms of an operator.
//
// An Algorithm is one way to compute an operator instance. The algorithms of an operator are registered
// once in a Pack, whose order is fixed. Given a problem (the operator's "size arguments"), Select picks the first
// algorithm, in registration order, that is available and satisfies a Constraint, and a Cache memoizes that
// choice (plus any vendor tuning result) per problem signature.
//
// Algorithms are generic on the operator's size arguments S (shapes, dtypes, parameters and device handle) and
// execution arguments E (S plus the operand tensors and the workspace).
//
// Preconditions violated at execution (insufficient workspace, unavailable algorithm) are programmer errors:
// they panic with exceptions.Panicf, and operators convert them to errors at their API boundary.
package algo

import (
	"github.com/gomlx/exceptions"
)

// Algorithm is one implementation of an operator.
//
// Implementations are immutable and safe for concurrent use: they are created once and shared by all callers.
type Algorithm[S, E any] interface {
	// Name is unique within the operator's Pack.
	Name() string

	// Attribute of the algorithm.
	Attribute() Attribute

	// Desc is the stable descriptor of the algorithm, used to serialize a choice.
	Desc() Desc

	// IsAvailable returns whether the algorithm can execute the problem. It has no side effects and never panics.
	//
	// Checks are done from the cheapest to the most expensive: hardware capability, operand layouts,
	// dtypes, operator parameters and, last, the lookup of vendor operations.
	IsAvailable(args S) bool

	// WorkspaceInBytes is the exact workspace required to execute the problem. It is a pure function of args,
	// it can be called even if the algorithm is not available for args.
	WorkspaceInBytes(args S) uint64

	// Exec executes the problem. It requires IsAvailable(args) and a workspace of at least WorkspaceInBytes bytes,
	// and panics otherwise.
	//
	// Algorithms backed by a vendor library may only enqueue the work on the device stream: its failures are
	// then reported by the device synchronization. Failure status returned by the vendor library when
	// enqueuing are returned as errors.
	Exec(args E) error
}

// IsAvailableWorkspace returns whether the algorithm is available for args using at most limit bytes of workspace.
func IsAvailableWorkspace[S, E any](a Algorithm[S, E], args S, limit uint64) bool {
	return a.IsAvailable(args) && a.WorkspaceInBytes(args) <= limit
}

// IsAvailableAttribute returns whether the algorithm has all the constraint's positive attributes, none of the
// negative ones, and is available for args within the constraint's workspace limit.
func IsAvailableAttribute[S, E any](a Algorithm[S, E], args S, constraint Constraint) bool {
	attr := a.Attribute()
	return attr.Contains(constraint.Positive) && !attr.Intersects(constraint.Negative) &&
		IsAvailableWorkspace(a, args, constraint.WorkspaceLimit)
}

// CheckWorkspace panics if the workspace is smaller than what the algorithm requires for args.
// The operator name is used in the message.
func CheckWorkspace[S, E any](operator string, a Algorithm[S, E], args S, ws Workspace) {
	required := a.WorkspaceInBytes(args)
	if ws.Size() < required {
		exceptions.Panicf("%s algo %s: required workspace %d bytes, got %d", operator, a.Name(), required, ws.Size())
	}
}

// Unavailable panics reporting that the algorithm was executed for a configuration it doesn't support.
func Unavailable[S, E any](operator string, a Algorithm[S, E], args S) {
	exceptions.Panicf("%s algo %s: not available for %v", operator, a.Name(), args)
}

// CheckAvailable calls Unavailable if the algorithm is not available for args.
func CheckAvailable[S, E any](operator string, a Algorithm[S, E], args S) {
	if !a.IsAvailable(args) {
		Unavailable(operator, a, args)
	}
}
