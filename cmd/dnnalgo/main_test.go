// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandle(t *testing.T, config string) *device.Handle {
	h := must.M1(device.NewWithConfig(config))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func defaultConfig(op string) *config {
	return &config{
		op:         op,
		mnk:        []int{20, 12, 3},
		input:      []int{2, 4, 7, 7},
		filter:     []int{4, 3, 3},
		pad:        []int{1, 1},
		stride:     []int{1, 1},
		mode:       "H_SWISH",
		elements:   100,
		scale:      0.05,
		constraint: algo.DefaultConstraint(),
	}
}

func names(infos []algorithmInfo, onlyAvailable bool) []string {
	var out []string
	for _, a := range infos {
		if !onlyAvailable || a.available {
			out = append(out, a.name)
		}
	}
	return out
}

func TestProblems(t *testing.T) {
	cpu := newHandle(t, "cpu:parallelism=2")
	cuda := newHandle(t, "cuda:sm=7.5")

	p := must.M1(newProblem(cpu, defaultConfig("matmul")))
	assert.Equal(t, "MatrixMul", p.operator)
	assert.Equal(t, []string{"F32_K8X8", "NAIVE"}, names(p.algorithms, true))
	assert.Equal(t, 2.0*20*12*3, p.flops)
	selected := must.M1(p.selectAlgorithm(""))
	assert.Equal(t, "F32_K8X8", selected.name)
	selected = must.M1(p.selectAlgorithm("NAIVE"))
	assert.Equal(t, "NAIVE", selected.name)

	c := defaultConfig("matmul")
	c.dtype = "f16"
	p = must.M1(newProblem(cuda, c))
	assert.Equal(t, "LIB_GEMM_128X128X8_32X64X8_2stage", must.M1(p.selectAlgorithm("")).name)

	c = defaultConfig("matmul")
	c.dtype = "int8"
	p = must.M1(newProblem(cpu, c))
	assert.Equal(t, "INT8X8X32_K4X4", must.M1(p.selectAlgorithm("")).name)

	c = defaultConfig("conv")
	c.groups = 4
	p = must.M1(newProblem(cpu, c))
	assert.Equal(t, "ConvolutionBackwardFilter", p.operator)
	assert.Equal(t, "CHANNEL_WISE", must.M1(p.selectAlgorithm("")).name)

	p = must.M1(newProblem(cpu, defaultConfig("elemwise")))
	assert.Equal(t, []string{"NAIVE"}, names(p.algorithms, true))

	c = defaultConfig("elemwise")
	c.mode = "SQRT"
	_, err := newProblem(cpu, c)
	require.ErrorContains(t, err, "unknown elementwise mode")

	c = defaultConfig("matmul")
	c.dtype = "float99"
	_, err = newProblem(cpu, c)
	require.ErrorContains(t, err, "unknown dtype")

	_, err = newProblem(cpu, defaultConfig("softmax"))
	require.ErrorContains(t, err, "unknown operator")
}

func TestFill(t *testing.T) {
	signed := tensors.Zeros(dtypes.Int8, 2, 3)
	fill(signed, 8)
	assert.Equal(t, []int8{3, 4, 5, -5, -4, -3}, tensors.Flat[int8](signed))
	unsigned := tensors.Zeros(dtypes.Uint8, 3)
	fill(unsigned, 10)
	assert.Equal(t, []uint8{10, 0, 1}, tensors.Flat[uint8](unsigned))
}

func TestCommands(t *testing.T) {
	cpu := newHandle(t, "cpu")
	p := must.M1(newProblem(cpu, defaultConfig("matmul")))

	var buf bytes.Buffer
	require.NoError(t, command{name: "list"}.run(&buf, p))
	for _, name := range names(p.algorithms, false) {
		assert.Contains(t, buf.String(), name)
	}

	buf.Reset()
	require.NoError(t, command{name: "select"}.run(&buf, p))
	assert.Contains(t, buf.String(), "F32_K8X8")

	buf.Reset()
	require.NoError(t, command{name: "desc"}.run(&buf, p))
	naive := p.algorithms[len(p.algorithms)-1]
	assert.Contains(t, buf.String(), naive.desc.String())

	buf.Reset()
	require.NoError(t, command{name: "desc", desc: naive.desc.String()}.run(&buf, p))
	assert.Contains(t, buf.String(), "NAIVE")
	require.Error(t, command{name: "desc", desc: "cpu:1000:"}.run(&buf, p))
	require.Error(t, command{name: "desc", desc: "not a descriptor"}.run(&buf, p))

	buf.Reset()
	require.NoError(t, command{name: "bench", iterations: 2}.run(&buf, p))
	assert.Contains(t, buf.String(), "Time/run")
	assert.Contains(t, buf.String(), "F32_K8X8")

	results := must.M1(bench(&bytes.Buffer{}, p, "NAIVE", 3))
	require.Len(t, results, 1)
	assert.Equal(t, "NAIVE", results[0].name)
	assert.Equal(t, 3, results[0].iterations)

	_, err := bench(&bytes.Buffer{}, p, "F16_K8X8", 1)
	require.ErrorContains(t, err, "not available")
	_, err = bench(&bytes.Buffer{}, p, "UNKNOWN", 1)
	require.ErrorContains(t, err, "no algorithm named")

	require.ErrorContains(t, command{name: "frobnicate"}.run(&buf, p), "unknown command")
}
