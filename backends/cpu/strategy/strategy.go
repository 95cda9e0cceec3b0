// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategy implements the tiled matrix multiplication strategies of the CPU: for one family of
// (dtype, tile shape) a Strategy packs the operands and drives the tile kernel over the M x N iteration space,
// and Interleaved blocks a whole GEMM in panels of K and M that fit a workspace.
package strategy

import (
	"fmt"

	"github.com/gomlx/dnnalgo/backends/cpu/kernels"
	"github.com/gomlx/dnnalgo/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Number is the set of types of packed operands and outputs: numbers with a dtype.
type Number interface {
	kernels.Number
	dtypes.Supported
}

// Tile is one invocation of the tile kernel: a block of rows of C by a block of columns of C.
type Tile struct {
	M, N kernels.Block
}

// Strategy of a tiled matrix multiplication C = A x B for A of type TIn, B of type TIn and C of type TOut.
// Operands are packed as TPack, which may be wider than TIn (half-precision is widened to float32).
//
// Strategies are immutable and safe for concurrent use.
type Strategy[TIn dtypes.Supported, TPack, TOut Number] struct {
	// Name of the strategy.
	Name string

	// RowSizes are the tile sizes along M, in decreasing order.
	RowSizes []int

	// ColSizes are the tile sizes along N, in decreasing order.
	ColSizes []int

	// Cast converts input values while packing.
	Cast func(TIn) TPack
}

// InputDType is the dtype of A and B.
func (s *Strategy[TIn, TPack, TOut]) InputDType() dtypes.DType { return dtypes.FromGenericsType[TIn]() }

// OutputDType is the dtype of C.
func (s *Strategy[TIn, TPack, TOut]) OutputDType() dtypes.DType { return dtypes.FromGenericsType[TOut]() }

// PackDType is the dtype of the packed operands.
func (s *Strategy[TIn, TPack, TOut]) PackDType() dtypes.DType { return dtypes.FromGenericsType[TPack]() }

// String implements fmt.Stringer.
func (s *Strategy[TIn, TPack, TOut]) String() string {
	return fmt.Sprintf("%s(%s->%s, rows=%v, cols=%v)", s.Name, s.InputDType(), s.OutputDType(), s.RowSizes, s.ColSizes)
}

// PackedASize is the number of TPack elements of the packed rows [0, M) of A over a depth K.
func (s *Strategy[TIn, TPack, TOut]) PackedASize(M, K int) int {
	return kernels.PackedSize(M, K, s.RowSizes...)
}

// PackedBSize is the number of TPack elements of the packed columns [0, N) of B over a depth K.
func (s *Strategy[TIn, TPack, TOut]) PackedBSize(N, K int) int {
	return kernels.PackedSize(N, K, s.ColSizes...)
}

// PackA packs rows [row0, rowMax) and depth [k0, kMax) of A with leading dimension ld into dst.
// If transposed, A is stored as K x M.
func (s *Strategy[TIn, TPack, TOut]) PackA(dst []TPack, a []TIn, ld, row0, rowMax, k0, kMax int, transposed bool) {
	if transposed {
		kernels.PackATransposed(dst, a, ld, row0, rowMax, k0, kMax, s.RowSizes, s.Cast)
	} else {
		kernels.PackA(dst, a, ld, row0, rowMax, k0, kMax, s.RowSizes, s.Cast)
	}
}

// PackB packs columns [col0, colMax) and depth [k0, kMax) of B with leading dimension ld into dst.
// If transposed, B is stored as N x K.
func (s *Strategy[TIn, TPack, TOut]) PackB(dst []TPack, b []TIn, ld, col0, colMax, k0, kMax int, transposed bool) {
	if transposed {
		kernels.PackBTransposed(dst, b, ld, col0, colMax, k0, kMax, s.ColSizes, s.Cast)
	} else {
		kernels.PackB(dst, b, ld, col0, colMax, k0, kMax, s.ColSizes, s.Cast)
	}
}

// Plan returns the tiles covering an M x N output, in execution order: M blocks in decreasing size order in
// the outer loop, and for each, N blocks in decreasing size order.
func (s *Strategy[TIn, TPack, TOut]) Plan(M, N int) []Tile {
	mBlocks := kernels.Blocks(M, s.RowSizes...)
	nBlocks := kernels.Blocks(N, s.ColSizes...)
	tiles := make([]Tile, 0, len(mBlocks)*len(nBlocks))
	for _, mBlock := range mBlocks {
		for _, nBlock := range nBlocks {
			tiles = append(tiles, Tile{M: mBlock, N: nBlock})
		}
	}
	return tiles
}

// Kern multiplies the packed A (M rows) by the packed B (N columns) over depth K, and writes (or accumulates, if
// not isFirstK) the result into c, with leading dimension ldc.
//
// It executes exactly the tiles of Plan(M, N). Rows of tiles are independent and are executed in parallel in
// pool, if not nil.
func (s *Strategy[TIn, TPack, TOut]) Kern(packedA, packedB []TPack, M, N, K int, c []TOut, ldc int, isFirstK bool,
	pool *workerspool.Pool) {
	s.forEachTile(M, N, pool, func(tile Tile) {
		slabA := packedA[tile.M.Start*K : (tile.M.Start+tile.M.Size)*K]
		// Packed B slabs are laid out consecutively, each padded to its nominal size.
		slabB := packedB[tile.N.Start*K : (tile.N.Start+tile.N.Size)*K]
		kernels.Kern(slabA, slabB, K, tile.M.Size, tile.N.Size, tile.M.Active, tile.N.Active,
			c[tile.M.Start*ldc+tile.N.Start:], ldc, isFirstK)
	})
	if klog.V(2).Enabled() {
		klog.Infof("%s: M=%d, N=%d, K=%d, isFirstK=%v", s.Name, M, N, K, isFirstK)
	}
}

// forEachTile calls fn for every tile of Plan(M, N). Tiles sharing the same M block run sequentially, in plan
// order, and different M blocks run in parallel in pool.
func (s *Strategy[TIn, TPack, TOut]) forEachTile(M, N int, pool *workerspool.Pool, fn func(tile Tile)) {
	plan := s.Plan(M, N)
	var rows [][]Tile
	for ii, tile := range plan {
		if ii == 0 || tile.M != plan[ii-1].M {
			rows = append(rows, nil)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], tile)
	}
	pool.ParallelFor(len(rows), func(ii int) {
		for _, tile := range rows[ii] {
			fn(tile)
		}
	})
}

// GemmS16x12x8 is the int16 x int16 -> int32 strategy with 12, 8 or 4 rows per tile and 8 or 4 columns.
func GemmS16x12x8() *Strategy[int16, int16, int32] {
	return &Strategy[int16, int16, int32]{
		Name:     "gemm_s16_12x8x1",
		RowSizes: []int{12, 8, 4},
		ColSizes: []int{8, 4},
		Cast:     kernels.Identity[int16],
	}
}

// GemmS8x4x4 is the int8 x int8 -> int32 strategy with 4x4 tiles.
func GemmS8x4x4() *Strategy[int8, int8, int32] {
	return &Strategy[int8, int8, int32]{
		Name:     "gemm_s8_4x4",
		RowSizes: []int{4},
		ColSizes: []int{4},
		Cast:     kernels.Identity[int8],
	}
}

// GemmF32x8x8 is the float32 strategy with 8 or 4 rows and columns per tile.
func GemmF32x8x8() *Strategy[float32, float32, float32] {
	return &Strategy[float32, float32, float32]{
		Name:     "gemm_f32_8x8",
		RowSizes: []int{8, 4},
		ColSizes: []int{8, 4},
		Cast:     kernels.Identity[float32],
	}
}

// GemmF16x8x8 is the float16 -> float32 strategy: operands are widened to float32 while packing.
func GemmF16x8x8() *Strategy[float16.Float16, float32, float32] {
	return &Strategy[float16.Float16, float32, float32]{
		Name:     "gemm_f16_8x8",
		RowSizes: []int{8, 4},
		ColSizes: []int{8, 4},
		Cast:     func(v float16.Float16) float32 { return v.Float32() },
	}
}

// GemmBF16x8x8 is the bfloat16 -> float32 strategy: operands are widened to float32 while packing.
func GemmBF16x8x8() *Strategy[bfloat16.BFloat16, float32, float32] {
	return &Strategy[bfloat16.BFloat16, float32, float32]{
		Name:     "gemm_bf16_8x8",
		RowSizes: []int{8, 4},
		ColSizes: []int{8, 4},
		Cast:     func(v bfloat16.BFloat16) float32 { return v.Float32() },
	}
}
