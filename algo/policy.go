// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoCandidate is wrapped by the errors of Select when no algorithm is available: the operator is not implemented
// for the configuration.
var ErrNoCandidate = errors.New("operator not implemented for this configuration")

// Constraint on the selected algorithm.
type Constraint struct {
	// Positive attributes the algorithm must have.
	Positive Attribute

	// Negative attributes the algorithm must not have.
	Negative Attribute

	// WorkspaceLimit is the maximum workspace, in bytes, the algorithm may require.
	WorkspaceLimit uint64
}

// DefaultConstraint accepts any available algorithm.
func DefaultConstraint() Constraint {
	return Constraint{WorkspaceLimit: math.MaxUint64}
}

// String implements fmt.Stringer.
func (c Constraint) String() string {
	limit := "unlimited"
	if c.WorkspaceLimit != math.MaxUint64 {
		limit = humanize.IBytes(c.WorkspaceLimit)
	}
	return fmt.Sprintf("{positive=%s, negative=%s, workspace<=%s}", c.Positive, c.Negative, limit)
}

// Key is a compact deterministic representation of the constraint, used in cache signatures.
func (c Constraint) Key() string {
	return fmt.Sprintf("+%x-%x<=%d", uint32(c.Positive), uint32(c.Negative), c.WorkspaceLimit)
}

// Select returns the first candidate, in the given order, that satisfies the constraint and is available for args.
//
// The first available candidate wins even if a later one requires less workspace: there is no cost model, the
// registration order is the preference order, and it keeps the choice reproducible.
//
// If none is available, it returns an error wrapping ErrNoCandidate.
func Select[S, E any](operator string, candidates []Algorithm[S, E], args S, constraint Constraint) (Algorithm[S, E], error) {
	for _, a := range candidates {
		if IsAvailableAttribute(a, args, constraint) {
			if klog.V(1).Enabled() {
				klog.Infof("%s: selected algorithm %s for %v (workspace %s)", operator, a.Name(), args,
					humanize.IBytes(a.WorkspaceInBytes(args)))
			}
			return a, nil
		}
		if klog.V(2).Enabled() {
			klog.Infof("%s: algorithm %s rejected for %v with constraint %s", operator, a.Name(), args, constraint)
		}
	}
	return nil, errors.Wrapf(ErrNoCandidate, "%s: none of the %d algorithms is available for %v with constraint %s",
		operator, len(candidates), args, constraint)
}

// Tuner is implemented by algorithms that search (tune) a vendor kernel for each problem. The Cache calls Tune once
// per signature, after selecting the algorithm, and keeps the returned handle in the Entry.
type Tuner[S any] interface {
	Tune(args S) (tuning any, err error)
}
