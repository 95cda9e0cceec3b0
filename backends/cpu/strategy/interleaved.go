// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"unsafe"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/internal/workerspool"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// DefaultBlockK is the default depth of the panels packed at once.
	DefaultBlockK = 256

	// DefaultBlockM is the default number of rows of A packed at once. It is a multiple of every row tile size.
	DefaultBlockM = 96
)

// Interleaved drives a Strategy over a whole C[M, N] = op(A)[M, K] x op(B)[K, N] problem, interleaving the packing
// of panels and the tile kernel: for each panel of BlockK depth it packs all columns of B, then for each panel of
// BlockM rows it packs A and runs the kernel. The packed panels live in the workspace.
type Interleaved[TIn dtypes.Supported, TPack, TOut Number] struct {
	Strategy *Strategy[TIn, TPack, TOut]

	M, N, K                int
	TransposeA, TransposeB bool

	// LdA, LdB and LdC are the leading dimensions of the operands as stored. If 0, the operands are contiguous.
	LdA, LdB, LdC int

	// BlockM and BlockK are the panel sizes. If 0, DefaultBlockM and DefaultBlockK are used.
	BlockM, BlockK int
}

func (g *Interleaved[TIn, TPack, TOut]) blockSizes() (blockM, blockK int) {
	blockM, blockK = g.BlockM, g.BlockK
	if blockM <= 0 {
		blockM = DefaultBlockM
	}
	if blockK <= 0 {
		blockK = DefaultBlockK
	}
	return min(blockM, g.M), min(blockK, g.K)
}

func (g *Interleaved[TIn, TPack, TOut]) leadingDimensions() (lda, ldb, ldc int) {
	lda, ldb, ldc = g.LdA, g.LdB, g.LdC
	if lda == 0 {
		lda = g.K
		if g.TransposeA {
			lda = g.M
		}
	}
	if ldb == 0 {
		ldb = g.N
		if g.TransposeB {
			ldb = g.K
		}
	}
	if ldc == 0 {
		ldc = g.N
	}
	return
}

func (g *Interleaved[TIn, TPack, TOut]) bundle() (bundle algo.Bundle, packedASize, packedBSize int) {
	blockM, blockK := g.blockSizes()
	packedASize = g.Strategy.PackedASize(blockM, blockK)
	packedBSize = g.Strategy.PackedBSize(g.N, blockK)
	var zero TPack
	elementSize := uint64(unsafe.Sizeof(zero))
	return algo.NewBundle(uint64(packedASize)*elementSize, uint64(packedBSize)*elementSize), packedASize, packedBSize
}

// WorkspaceSize is the exact workspace in bytes required by Exec.
func (g *Interleaved[TIn, TPack, TOut]) WorkspaceSize() uint64 {
	if g.M <= 0 || g.N <= 0 || g.K <= 0 {
		return 0
	}
	bundle, _, _ := g.bundle()
	return bundle.TotalSize()
}

// Exec computes c = a x b, or c += a x b if accumulate is set.
//
// It panics if the workspace is smaller than WorkspaceSize or the operands are too short. pool may be nil.
func (g *Interleaved[TIn, TPack, TOut]) Exec(a, b []TIn, c []TOut, ws algo.Workspace, accumulate bool, pool *workerspool.Pool) {
	if g.M <= 0 || g.N <= 0 || g.K <= 0 {
		exceptions.Panicf("%s: invalid problem M=%d, N=%d, K=%d", g.Strategy.Name, g.M, g.N, g.K)
	}
	if required := g.WorkspaceSize(); ws.Size() < required {
		exceptions.Panicf("%s: required workspace %d bytes, got %d", g.Strategy.Name, required, ws.Size())
	}
	lda, ldb, ldc := g.leadingDimensions()
	g.checkOperand("A", len(a), lda, g.M, g.K, g.TransposeA)
	g.checkOperand("B", len(b), ldb, g.K, g.N, g.TransposeB)
	g.checkOperand("C", len(c), ldc, g.M, g.N, false)

	bundle, packedASize, packedBSize := g.bundle()
	packedA := algo.AsSlice[TPack](bundle.Chunk(ws, 0), packedASize)
	packedB := algo.AsSlice[TPack](bundle.Chunk(ws, 1), packedBSize)
	blockM, blockK := g.blockSizes()
	for k0 := 0; k0 < g.K; k0 += blockK {
		kMax := min(k0+blockK, g.K)
		depth := kMax - k0
		isFirstK := k0 == 0 && !accumulate
		g.Strategy.PackB(packedB, b, ldb, 0, g.N, k0, kMax, g.TransposeB)
		for m0 := 0; m0 < g.M; m0 += blockM {
			mMax := min(m0+blockM, g.M)
			g.Strategy.PackA(packedA, a, lda, m0, mMax, k0, kMax, g.TransposeA)
			g.Strategy.Kern(packedA, packedB, mMax-m0, g.N, depth, c[m0*ldc:], ldc, isFirstK, pool)
		}
	}
}

// checkOperand panics if an operand of logical shape [rows, cols], stored transposed or not with leading dimension
// ld, doesn't fit in length elements.
func (g *Interleaved[TIn, TPack, TOut]) checkOperand(name string, length, ld, rows, cols int, transposed bool) {
	inner, outer := cols, rows
	if transposed {
		inner, outer = rows, cols
	}
	if ld < inner || length < (outer-1)*ld+inner {
		exceptions.Panicf("%s: operand %s [%d, %d] (transposed=%v) with leading dimension %d doesn't fit in %d elements",
			g.Strategy.Name, name, rows, cols, transposed, ld, length)
	}
}
