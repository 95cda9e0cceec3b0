// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"strings"

	"github.com/pkg/errors"
)

// Attribute is a set of flags describing an algorithm.
type Attribute uint32

const (
	// Default is the empty set of attributes.
	Default Attribute = 0

	// Reproducible algorithms give bit-identical results across runs on the same hardware.
	Reproducible Attribute = 1 << 0

	// Naive algorithms are straightforward reference implementations.
	Naive Attribute = 1 << 1

	// VendorLibrary algorithms are backed by a vendor operation library.
	VendorLibrary Attribute = 1 << 2

	// UsableDependOnShape algorithms availability depends on the exact shapes, not only on the dtypes and parameters.
	UsableDependOnShape Attribute = 1 << 3
)

var attributeNames = []struct {
	attr Attribute
	name string
}{
	{Reproducible, "REPRODUCIBLE"},
	{Naive, "NAIVE"},
	{VendorLibrary, "VENDOR_LIBRARY"},
	{UsableDependOnShape, "USABLE_DEPEND_ON_SHAPE"},
}

// Contains returns whether all attributes of other are in a.
func (a Attribute) Contains(other Attribute) bool {
	return a&other == other
}

// Intersects returns whether any attribute of other is in a.
func (a Attribute) Intersects(other Attribute) bool {
	return a&other != 0
}

// String implements fmt.Stringer, as the names of the attributes joined by "|".
func (a Attribute) String() string {
	if a == Default {
		return "DEFAULT"
	}
	var parts []string
	for _, entry := range attributeNames {
		if a.Contains(entry.attr) {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseAttribute parses the names of attributes joined by "|" or ",", case-insensitive.
func ParseAttribute(s string) (Attribute, error) {
	var a Attribute
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "DEFAULT" || name == "" {
			continue
		}
		found := false
		for _, entry := range attributeNames {
			if entry.name == name {
				a |= entry.attr
				found = true
				break
			}
		}
		if !found {
			return Default, errors.Errorf("unknown algorithm attribute %q in %q", name, s)
		}
	}
	return a, nil
}
