// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"strings"

	"github.com/gomlx/dnnalgo/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Problem is implemented by the size arguments of operators: Key is the signature of the problem, a
// deterministic representation of every field that can influence the selection.
type Problem interface {
	Key() string
}

// Entry of the Cache: the selected algorithm and the tuning handle returned by it, if it is a Tuner.
type Entry[S, E any] struct {
	Algorithm Algorithm[S, E]
	Tuning    any
}

// Cache memoizes the selection of algorithms per problem signature and constraint.
//
// The first caller of a signature runs the selection (and the tuning); concurrent callers of the same signature
// wait for it, and all get the same *Entry. Different signatures never wait on each other.
// Failed selections are not cached. Entries never expire.
type Cache[S Problem, E any] struct {
	operator string
	entries  xsync.OnceMap[string, *Entry[S, E]]
}

// NewCache creates an empty cache for the operator name.
func NewCache[S Problem, E any](operator string) *Cache[S, E] {
	return &Cache[S, E]{operator: operator}
}

// Get returns the cached entry for args, the constraint and the candidates, or selects it from candidates and
// stores it.
//
// The signature includes the descriptors of the candidates, so a subset of a pack (see Pack.Filter) is cached
// separately from the whole pack.
func (c *Cache[S, E]) Get(args S, candidates []Algorithm[S, E], constraint Constraint) (*Entry[S, E], error) {
	return c.get(args, candidates, constraint)
}

// Choose returns the entry for args: if pinned is nil it is selected from all the algorithms of the pack, as Get
// does, otherwise the pinned algorithm is looked up in the pack and used if it satisfies the constraint.
//
// Pinned choices are cached separately, so they never shadow the selection for the same problem.
func (c *Cache[S, E]) Choose(pack *Pack[S, E], args S, constraint Constraint, pinned *Desc) (*Entry[S, E], error) {
	if pinned == nil {
		return c.Get(args, pack.All(), constraint)
	}
	a, err := pack.Lookup(*pinned)
	if err != nil {
		return nil, err
	}
	return c.get(args, []Algorithm[S, E]{a}, constraint)
}

// candidatesKey is the part of the signature identifying the candidates.
func candidatesKey[S, E any](candidates []Algorithm[S, E]) string {
	var sb strings.Builder
	for ii, a := range candidates {
		if ii > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(a.Desc().String())
	}
	return sb.String()
}

func (c *Cache[S, E]) get(args S, candidates []Algorithm[S, E], constraint Constraint) (*Entry[S, E], error) {
	key := args.Key() + "|" + constraint.Key() + "|" + candidatesKey(candidates)
	entry, computed, err := c.entries.LoadOrCompute(key, func() (*Entry[S, E], error) {
		a, err := Select(c.operator, candidates, args, constraint)
		if err != nil {
			return nil, err
		}
		entry := &Entry[S, E]{Algorithm: a}
		if tuner, ok := a.(Tuner[S]); ok {
			entry.Tuning, err = tuner.Tune(args)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: tuning algorithm %s for %v", c.operator, a.Name(), args)
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if computed {
		klog.V(1).Infof("%s: cached algorithm %s for signature %q", c.operator, entry.Algorithm.Name(), key)
	}
	return entry, nil
}

// Len returns the number of cached entries.
func (c *Cache[S, E]) Len() int {
	return c.entries.Len()
}

// Clear removes all entries.
func (c *Cache[S, E]) Clear() {
	c.entries.Clear()
}
