// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrNotFound is wrapped by the errors of Pack lookups that don't find an algorithm.
var ErrNotFound = errors.New("algorithm not found")

// Pack is the registry of the algorithms of one operator, in a fixed registration order.
//
// Packs are built once, during a lazy process-wide initialization, and are read-only afterward:
// Add must not be called concurrently with other methods.
type Pack[S, E any] struct {
	operator string
	all      []Algorithm[S, E]
	byDesc   map[Desc]Algorithm[S, E]
	byName   map[string]Algorithm[S, E]
}

// NewPack creates a pack for the given operator name, with the given algorithms.
func NewPack[S, E any](operator string, algorithms ...Algorithm[S, E]) *Pack[S, E] {
	p := &Pack[S, E]{
		operator: operator,
		byDesc:   make(map[Desc]Algorithm[S, E]),
		byName:   make(map[string]Algorithm[S, E]),
	}
	p.Add(algorithms...)
	return p
}

// Operator name of the pack.
func (p *Pack[S, E]) Operator() string { return p.operator }

// Add algorithms to the end of the registration order.
//
// It panics if an algorithm with the same descriptor or name is already registered.
func (p *Pack[S, E]) Add(algorithms ...Algorithm[S, E]) {
	for _, a := range algorithms {
		desc := a.Desc()
		if prev, found := p.byDesc[desc]; found {
			exceptions.Panicf("%s: algorithm %q has the same descriptor (%s) as %q", p.operator, a.Name(), desc, prev.Name())
		}
		if _, found := p.byName[a.Name()]; found {
			exceptions.Panicf("%s: algorithm %q registered twice", p.operator, a.Name())
		}
		p.all = append(p.all, a)
		p.byDesc[desc] = a
		p.byName[a.Name()] = a
	}
}

// Len returns the number of algorithms in the pack.
func (p *Pack[S, E]) Len() int { return len(p.all) }

// All returns the algorithms in registration order.
func (p *Pack[S, E]) All() []Algorithm[S, E] {
	return slices.Clone(p.all)
}

// Lookup returns the algorithm with the exact descriptor, or an error wrapping ErrNotFound.
func (p *Pack[S, E]) Lookup(desc Desc) (Algorithm[S, E], error) {
	a, found := p.byDesc[desc]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s: no algorithm with descriptor %s", p.operator, desc)
	}
	return a, nil
}

// LookupName returns the algorithm with the given name, or an error wrapping ErrNotFound.
func (p *Pack[S, E]) LookupName(name string) (Algorithm[S, E], error) {
	a, found := p.byName[name]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s: no algorithm named %q", p.operator, name)
	}
	return a, nil
}

// Filter returns the algorithms for which predicate returns true, in registration order.
func (p *Pack[S, E]) Filter(predicate func(a Algorithm[S, E]) bool) []Algorithm[S, E] {
	var selected []Algorithm[S, E]
	for _, a := range p.all {
		if predicate(a) {
			selected = append(selected, a)
		}
	}
	return selected
}

// WithAttribute returns the algorithms that have all the positive attributes and none of the negative ones.
func (p *Pack[S, E]) WithAttribute(positive, negative Attribute) []Algorithm[S, E] {
	return p.Filter(func(a Algorithm[S, E]) bool {
		return a.Attribute().Contains(positive) && !a.Attribute().Intersects(negative)
	})
}
