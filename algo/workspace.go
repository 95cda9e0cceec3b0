// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Workspace is the scratch memory given to Algorithm.Exec. It is owned by the caller and used only during
// one execution.
type Workspace struct {
	Raw []byte
}

// NewWorkspace allocates a workspace of the given size, 8-bytes aligned.
func NewWorkspace(size uint64) Workspace {
	if size == 0 {
		return Workspace{}
	}
	words := make([]uint64, (size+7)/8)
	return Workspace{Raw: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)}
}

// Size of the workspace in bytes.
func (w Workspace) Size() uint64 { return uint64(len(w.Raw)) }

// BundleAlignment is the alignment, in bytes, of each chunk of a Bundle, relative to the start of the workspace.
const BundleAlignment = 64

func alignUp(size uint64) uint64 {
	return (size + BundleAlignment - 1) &^ (BundleAlignment - 1)
}

// Bundle splits a workspace in chunks of the given sizes, each starting at an offset multiple of BundleAlignment.
type Bundle struct {
	sizes []uint64
}

// NewBundle creates a Bundle of chunks of the given sizes in bytes.
func NewBundle(sizes ...uint64) Bundle {
	return Bundle{sizes: sizes}
}

// NumChunks in the bundle.
func (b Bundle) NumChunks() int { return len(b.sizes) }

// TotalSize is the workspace size required by the bundle.
func (b Bundle) TotalSize() uint64 {
	var total uint64
	for _, size := range b.sizes {
		total += alignUp(size)
	}
	return total
}

// Chunk returns the chunk i of the workspace.
//
// It panics if the workspace is smaller than TotalSize.
func (b Bundle) Chunk(ws Workspace, i int) []byte {
	if ws.Size() < b.TotalSize() {
		exceptions.Panicf("workspace bundle requires %d bytes, got %d", b.TotalSize(), ws.Size())
	}
	var offset uint64
	for _, size := range b.sizes[:i] {
		offset += alignUp(size)
	}
	return ws.Raw[offset : offset+b.sizes[i] : offset+b.sizes[i]]
}

// AsSlice returns a view of raw as a slice of n values of type T.
//
// raw must be aligned for T, which is true for workspace chunks of types up to 8 bytes. It panics if raw is too short.
func AsSlice[T any](raw []byte, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	if need := uint64(n) * uint64(unsafe.Sizeof(zero)); uint64(len(raw)) < need {
		exceptions.Panicf("AsSlice[%T](%d): requires %d bytes, got %d", zero, n, need, len(raw))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}
