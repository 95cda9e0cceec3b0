// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dnnalgo inspects the algorithms of the operators for one problem:
//
//	dnnalgo [flags] list       # All algorithms, their availability and workspace.
//	dnnalgo [flags] select     # The algorithm chosen by the operator (or pinned with -algo).
//	dnnalgo [flags] desc       # The stable descriptors of the algorithms, or the algorithm of -desc.
//	dnnalgo [flags] bench      # Time the available algorithms (or the one of -algo).
//
// E.g.: dnnalgo -device=cuda:sm=7.5 -op=matmul -mnk=256,256,64 -dtype=f16 list
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnnalgo/algo"
	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/dnnalgo/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", fmt.Sprintf("Device configuration, e.g. \"cpu:parallelism=4\" or "+
		"\"cuda:sm=7.5\". Defaults to $%s or %q.", device.DNNALGO_DEVICE, device.DefaultConfig))
	flagOp       = flag.String("op", "matmul", "Operator: matmul, conv or elemwise.")
	flagDType    = flag.String("dtype", "", "DType of the inputs. Defaults to float32, or int8 for elemwise.")
	flagOutDType = flag.String("out_dtype", "", "DType of the output. Defaults to the operator's natural output for -dtype.")

	flagMNK        = xslices.Flag("mnk", []int{64, 64, 64}, "MatrixMul sizes M,N,K.", strconv.Atoi)
	flagTransposeA = flag.Bool("ta", false, "MatrixMul: A is given transposed, [K, M].")
	flagTransposeB = flag.Bool("tb", false, "MatrixMul: B is given transposed, [N, K].")

	flagInput  = xslices.Flag("input", []int{2, 8, 16, 16}, "Convolution input sizes N,IC,IH,IW.", strconv.Atoi)
	flagFilter = xslices.Flag("filter", []int{8, 3, 3}, "Convolution filter sizes OC,FH,FW.", strconv.Atoi)
	flagPad    = xslices.Flag("pad", []int{1, 1}, "Convolution padding PH,PW.", strconv.Atoi)
	flagStride = xslices.Flag("stride", []int{1, 1}, "Convolution stride SH,SW.", strconv.Atoi)
	flagGroups = flag.Int("groups", 0, "Convolution number of groups. 0 for a dense filter.")
	flagFlip   = flag.Bool("flip", false, "Convolution mode (flipped filter) instead of cross-correlation.")

	flagMode     = flag.String("mode", "RELU", "Elementwise mode, e.g. RELU, SIGMOID, H_SWISH.")
	flagElements = flag.Int("elements", 1<<16, "Elementwise number of elements.")
	flagScale    = flag.Float64("scale", 0.05, "Elementwise quantization scale of src and dst.")

	flagWorkspace = flag.String("workspace", "", "Workspace limit for the selection, e.g. \"16MiB\". "+
		"Defaults to the device's.")
	flagPositive = flag.String("positive", "", "Attributes the selected algorithm must have, e.g. \"REPRODUCIBLE\".")
	flagNegative = flag.String("negative", "", "Attributes the selected algorithm must not have, e.g. \"NAIVE|VENDOR_LIBRARY\".")

	flagAlgo       = flag.String("algo", "", "Name of the algorithm pinned by select and bench.")
	flagDesc       = flag.String("desc", "", "Descriptor text decoded by the desc command.")
	flagIterations = flag.Int("iterations", 20, "Number of executions timed by bench, per algorithm.")
	flagNoColor    = flag.Bool("no_color", false, "Disable colors in the output.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	unavailableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666")).
				PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] list|select|desc|bench\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		klog.Errorf("Expected exactly one command (list, select, desc or bench), got %q. See 'dnnalgo -help'.",
			flag.Args())
		os.Exit(1)
	}
	output := termenv.NewOutput(os.Stdout)
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(output.EnvColorProfile())
	}

	var h *device.Handle
	if *flagDevice == "" {
		h = must.M1(device.New())
	} else {
		h = must.M1(device.NewWithConfig(*flagDevice))
	}
	defer func() { _ = h.Close() }()

	c := must.M1(configFromFlags(h))
	p := must.M1(newProblem(h, c))
	cmd := command{name: flag.Arg(0), algo: *flagAlgo, desc: *flagDesc, iterations: *flagIterations}
	if err := cmd.run(os.Stdout, p); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func configFromFlags(h *device.Handle) (*config, error) {
	constraint := algo.DefaultConstraint()
	constraint.WorkspaceLimit = h.WorkspaceLimit()
	if *flagWorkspace != "" {
		limit, err := humanize.ParseBytes(*flagWorkspace)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid -workspace=%q", *flagWorkspace)
		}
		constraint.WorkspaceLimit = limit
	}
	var err error
	if constraint.Positive, err = algo.ParseAttribute(*flagPositive); err != nil {
		return nil, err
	}
	if constraint.Negative, err = algo.ParseAttribute(*flagNegative); err != nil {
		return nil, err
	}
	return &config{
		op:         *flagOp,
		dtype:      *flagDType,
		outDType:   *flagOutDType,
		mnk:        *flagMNK,
		transposeA: *flagTransposeA,
		transposeB: *flagTransposeB,
		input:      *flagInput,
		filter:     *flagFilter,
		pad:        *flagPad,
		stride:     *flagStride,
		groups:     *flagGroups,
		flip:       *flagFlip,
		mode:       *flagMode,
		elements:   *flagElements,
		scale:      *flagScale,
		constraint: constraint,
	}, nil
}

// command to execute, with its arguments.
type command struct {
	name       string
	algo, desc string
	iterations int
}

// run executes the command on the problem, writing its report to w.
func (cmd command) run(w io.Writer, p *problem) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render(p.summary))
	switch strings.ToLower(cmd.name) {
	case "list":
		_, _ = fmt.Fprintln(w, listTable(p).Render())
		return nil
	case "select":
		selected, err := p.selectAlgorithm(cmd.algo)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, selectTable(selected).Render())
		return nil
	case "desc":
		table, err := descTable(p, cmd.desc)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, table.Render())
		return nil
	case "bench":
		results, err := bench(w, p, cmd.algo, cmd.iterations)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, benchTable(results).Render())
		return nil
	}
	return errors.Errorf("unknown command %q, valid commands are list, select, desc and bench", cmd.name)
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func listTable(p *problem) *lgtable.Table {
	table := newPlainTable(true).Headers("#", "Algorithm", "Attributes", "Descriptor", "Available", "Workspace")
	for ii, a := range p.algorithms {
		available := "yes"
		if !a.available {
			available = "no"
		}
		table.Row(strconv.Itoa(ii), a.name, a.attribute.String(), a.desc.String(), available,
			humanize.IBytes(a.workspace))
	}
	return table.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == lgtable.HeaderRow:
			return headerRowStyle
		case !p.algorithms[row].available:
			return unavailableStyle
		case row%2 == 0:
			return oddRowStyle
		}
		return evenRowStyle
	})
}

func selectTable(a algorithmInfo) *lgtable.Table {
	table := newPlainTable(false)
	table.Row("algorithm", a.name)
	table.Row("attributes", a.attribute.String())
	table.Row("descriptor", a.desc.String())
	table.Row("workspace", fmt.Sprintf("%s (%s bytes)", humanize.IBytes(a.workspace), humanize.Comma(int64(a.workspace))))
	return table
}

// descTable lists the descriptors of all algorithms, or decodes descText and reports its algorithm.
func descTable(p *problem, descText string) (*lgtable.Table, error) {
	if descText == "" {
		table := newPlainTable(true).Headers("Algorithm", "Descriptor")
		for _, a := range p.algorithms {
			table.Row(a.name, a.desc.String())
		}
		return table, nil
	}
	desc, err := algo.ParseDesc(descText)
	if err != nil {
		return nil, err
	}
	name, err := p.lookup(desc)
	if err != nil {
		return nil, err
	}
	table := newPlainTable(false)
	table.Row("descriptor", descText)
	table.Row("device", desc.Handle.String())
	table.Row("type", strconv.FormatUint(uint64(desc.Type), 10))
	table.Row("param", fmt.Sprintf("%q", desc.Param))
	table.Row("algorithm", name)
	return table, nil
}
