// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the micro-kernel pack of the CPU strategies: the routines that pack a sub-block
// of an operand into per-tile slabs, and the tile kernel that multiplies and accumulates one tile.
//
// All functions are pure: they only write to the given destination slices.
//
// Packed layout: the packed operand is a sequence of slabs, one per block of rows (for A) or columns (for B)
// as returned by Blocks. A slab of nominal size S over a depth of K is stored k-major, S values per k:
// slab[k*S + i], with zeros where i >= the block's active size.
package kernels

import (
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Number is the set of types the tile kernel operates on.
type Number interface {
	constraints.Integer | constraints.Float
}

// Block of one dimension processed by a kernel invocation.
type Block struct {
	// Start is the first row (or column) of the block.
	Start int

	// Size is the nominal size of the block: the tile size of the kernel.
	Size int

	// Active is the number of valid rows (or columns), Active <= Size. Only the last block may
	// have Active < Size.
	Active int
}

// Blocks returns the schedule of blocks along one dimension of the given extent.
//
// sizes must be given in decreasing order. Each size except the last is used while a full block of it fits.
// The last (smallest) size is repeated until the extent is covered, and the final block has its Active
// count set to the number of remaining rows.
//
// Example: Blocks(20, 12, 8, 4) returns blocks of sizes 12 and 8, both full.
// Blocks(22, 12, 8, 4) returns 12, 8 and a block of size 4 with 2 active rows.
func Blocks(extent int, sizes ...int) []Block {
	if len(sizes) == 0 {
		exceptions.Panicf("kernels.Blocks(%d): no tile sizes given", extent)
	}
	var blocks []Block
	start := 0
	for ii, size := range sizes {
		if size <= 0 || (ii > 0 && size > sizes[ii-1]) {
			exceptions.Panicf("kernels.Blocks(%d, %v): sizes must be positive and in decreasing order", extent, sizes)
		}
		if ii < len(sizes)-1 {
			for ; start+size <= extent; start += size {
				blocks = append(blocks, Block{Start: start, Size: size, Active: size})
			}
			continue
		}
		for ; start < extent; start += size {
			blocks = append(blocks, Block{Start: start, Size: size, Active: min(size, extent-start)})
		}
	}
	return blocks
}

// PackedSize returns the number of elements of the packed operand of the given extent and depth.
func PackedSize(extent, depth int, sizes ...int) int {
	var total int
	for _, block := range Blocks(extent, sizes...) {
		total += block.Size * depth
	}
	return total
}

// pack implements the packing routines: element (i, k) of the operand is src[i*strideI + k*strideK].
func pack[TIn any, TPack Number](dst []TPack, src []TIn, strideI, strideK, i0, iMax, k0, kMax int,
	sizes []int, cast func(TIn) TPack) {
	depth := kMax - k0
	dstIdx := 0
	for _, block := range Blocks(iMax-i0, sizes...) {
		slab := dst[dstIdx : dstIdx+block.Size*depth]
		for k := range depth {
			row := slab[k*block.Size : (k+1)*block.Size]
			srcIdx := (i0+block.Start)*strideI + (k0+k)*strideK
			for i := range block.Active {
				row[i] = cast(src[srcIdx])
				srcIdx += strideI
			}
			for i := block.Active; i < block.Size; i++ {
				row[i] = 0
			}
		}
		dstIdx += block.Size * depth
	}
}

// PackA packs rows [row0, rowMax) and depth [k0, kMax) of the row-major operand A (element (row, k) at
// src[row*ld + k]) into dst, in slabs of the given row sizes.
func PackA[TIn any, TPack Number](dst []TPack, src []TIn, ld, row0, rowMax, k0, kMax int, rowSizes []int, cast func(TIn) TPack) {
	pack(dst, src, ld, 1, row0, rowMax, k0, kMax, rowSizes, cast)
}

// PackATransposed is like PackA, but A is given transposed: element (row, k) at src[k*ld + row].
func PackATransposed[TIn any, TPack Number](dst []TPack, src []TIn, ld, row0, rowMax, k0, kMax int, rowSizes []int, cast func(TIn) TPack) {
	pack(dst, src, 1, ld, row0, rowMax, k0, kMax, rowSizes, cast)
}

// PackB packs columns [col0, colMax) and depth [k0, kMax) of the row-major operand B (element (k, col) at
// src[k*ld + col]) into dst, in slabs of the given column sizes.
func PackB[TIn any, TPack Number](dst []TPack, src []TIn, ld, col0, colMax, k0, kMax int, colSizes []int, cast func(TIn) TPack) {
	pack(dst, src, 1, ld, col0, colMax, k0, kMax, colSizes, cast)
}

// PackBTransposed is like PackB, but B is given transposed: element (k, col) at src[col*ld + k].
func PackBTransposed[TIn any, TPack Number](dst []TPack, src []TIn, ld, col0, colMax, k0, kMax int, colSizes []int, cast func(TIn) TPack) {
	pack(dst, src, ld, 1, col0, colMax, k0, kMax, colSizes, cast)
}

// Identity is the cast used when the packed type is the input type.
func Identity[T Number](v T) T { return v }

// Kern computes one tile: c[r*ldc + col] (+)= sum_k slabA[k*rows + r] * slabB[k*cols + col], for r < activeRows
// and col < activeCols. Nothing outside the active sub-rectangle of c is read or written.
//
// If isFirstK the tile is overwritten, otherwise the products are accumulated on the values of c.
// Accumulation happens in TOut, k in increasing order, with each product rounded to TOut, so results are
// identical to a plain triple loop accumulating in TOut.
func Kern[TPack, TOut Number](slabA, slabB []TPack, depth, rows, cols, activeRows, activeCols int,
	c []TOut, ldc int, isFirstK bool) {
	for r := range activeRows {
		cRow := c[r*ldc : r*ldc+activeCols]
		for col := range activeCols {
			var acc TOut
			if !isFirstK {
				acc = cRow[col]
			}
			aIdx, bIdx := r, col
			for range depth {
				acc += TOut(TOut(slabA[aIdx]) * TOut(slabB[bIdx]))
				aIdx += rows
				bIdx += cols
			}
			cRow[col] = acc
		}
	}
}
