// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// benchResult of one algorithm.
type benchResult struct {
	algorithmInfo
	iterations int
	elapsed    time.Duration
	flops      float64
}

// perRun is the mean duration of one execution.
func (r benchResult) perRun() time.Duration {
	if r.iterations == 0 {
		return 0
	}
	return r.elapsed / time.Duration(r.iterations)
}

// bench times the execution of every available algorithm of the problem, or only of algoName if given.
// Progress is displayed on w.
func bench(w io.Writer, p *problem, algoName string, iterations int) ([]benchResult, error) {
	if iterations <= 0 {
		return nil, errors.Errorf("invalid number of iterations %d", iterations)
	}
	var candidates []algorithmInfo
	for _, a := range p.algorithms {
		if algoName != "" && a.name != algoName {
			continue
		}
		if !a.available {
			if algoName != "" {
				return nil, errors.Errorf("%s: algorithm %s is not available for %s", p.operator, algoName, p.summary)
			}
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		if algoName != "" {
			return nil, errors.Errorf("%s: no algorithm named %q", p.operator, algoName)
		}
		return nil, errors.Errorf("%s: no algorithm available for %s", p.operator, p.summary)
	}

	results := make([]benchResult, 0, len(candidates))
	for _, a := range candidates {
		run, err := p.prepare(a.name)
		if err != nil {
			return nil, err
		}
		// Warm-up, also triggers the selection and tuning outside the timing.
		if err := run(); err != nil {
			return nil, err
		}
		bar := progressbar.NewOptions(iterations,
			progressbar.OptionSetDescription(fmt.Sprintf("%-48s", a.name)),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionClearOnFinish(),
		)
		start := time.Now()
		for range iterations {
			if err := run(); err != nil {
				return nil, err
			}
			_ = bar.Add(1)
		}
		elapsed := time.Since(start)
		_ = bar.Finish()
		result := benchResult{algorithmInfo: a, iterations: iterations, elapsed: elapsed, flops: p.flops}
		klog.V(1).Infof("%s: algorithm %s took %s per run", p.operator, a.name, result.perRun())
		results = append(results, result)
	}
	return results, nil
}

func benchTable(results []benchResult) *lgtable.Table {
	table := newPlainTable(true).Headers("Algorithm", "Workspace", "Time/run", "Throughput")
	for _, r := range results {
		throughput := "-"
		if perRun := r.perRun(); perRun > 0 {
			throughput = humanize.SIWithDigits(r.flops/perRun.Seconds(), 2, "op/s")
		}
		table.Row(r.name, humanize.IBytes(r.workspace), r.perRun().String(), throughput)
	}
	return table
}
