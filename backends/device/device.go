// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines Handle, the device an operator executes on: its type, compute capability,
// execution stream, CPU worker pool and workspace budget.
//
// Handles are created from a configuration string, formatted as "<device>[:key=value,...]".
// E.g.: "cpu", "cpu:parallelism=4", "cuda:sm=7.5", "rocm:workspace=256MiB".
//
// Common keys for all device types:
//
//   - parallelism: soft limit of goroutines used by CPU strategies. 0 disables parallelism, -1 is unlimited.
//   - workspace: default workspace budget for algorithm selection, e.g. "64MiB". Defaults to unlimited.
//   - sm: compute capability "<major>.<minor>" (only meaningful for "cuda").
package device

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnnalgo/internal/workerspool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type of device.
type Type uint8

const (
	CPU Type = iota
	CUDA
	ROCm
)

var typeNames = []string{"cpu", "cuda", "rocm"}

// String implements fmt.Stringer.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType converts the name of a device type (as returned by Type.String) back to Type.
func ParseType(name string) (Type, error) {
	for ii, n := range typeNames {
		if strings.EqualFold(n, name) {
			return Type(ii), nil
		}
	}
	return 0, errors.Errorf("unknown device type %q, valid types are %v", name, typeNames)
}

// ComputeCapability of a CUDA-like device.
type ComputeCapability struct {
	Major, Minor int
}

// AtLeast returns whether the compute capability is at least major.minor.
func (cc ComputeCapability) AtLeast(major, minor int) bool {
	return cc.Major > major || (cc.Major == major && cc.Minor >= minor)
}

// String implements fmt.Stringer.
func (cc ComputeCapability) String() string {
	return fmt.Sprintf("%d.%d", cc.Major, cc.Minor)
}

// ParseComputeCapability parses "<major>.<minor>" (or "<major><minor>", as in "sm_75" without the prefix).
func ParseComputeCapability(s string) (cc ComputeCapability, err error) {
	s = strings.TrimPrefix(s, "sm_")
	majorStr, minorStr, found := strings.Cut(s, ".")
	if !found {
		if len(s) < 2 {
			return cc, errors.Errorf("invalid compute capability %q", s)
		}
		majorStr, minorStr = s[:len(s)-1], s[len(s)-1:]
	}
	cc.Major, err = strconv.Atoi(majorStr)
	if err == nil {
		cc.Minor, err = strconv.Atoi(minorStr)
	}
	if err != nil || cc.Major < 0 || cc.Minor < 0 {
		return ComputeCapability{}, errors.Errorf("invalid compute capability %q", s)
	}
	return cc, nil
}

// Handle to a device.
//
// It is safe for concurrent use. All asynchronous work is executed in order by its Stream.
type Handle struct {
	id             uuid.UUID
	deviceType     Type
	cc             ComputeCapability
	stream         *Stream
	pool           *workerspool.Pool
	workspaceLimit uint64
}

// ID that identifies the handle in logs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Type of the device.
func (h *Handle) Type() Type { return h.deviceType }

// ComputeCapability of the device. It's zero for devices other than CUDA.
func (h *Handle) ComputeCapability() ComputeCapability { return h.cc }

// IsComputeCapabilityRequired returns whether the device has at least the given compute capability.
// It's always false for devices other than CUDA.
func (h *Handle) IsComputeCapabilityRequired(major, minor int) bool {
	return h.deviceType == CUDA && h.cc.AtLeast(major, minor)
}

// Stream where asynchronous work of the device is enqueued.
func (h *Handle) Stream() *Stream { return h.stream }

// Pool of workers used by CPU strategies.
func (h *Handle) Pool() *workerspool.Pool { return h.pool }

// WorkspaceLimit is the default workspace budget used when selecting algorithms for this device.
func (h *Handle) WorkspaceLimit() uint64 { return h.workspaceLimit }

// Key returns the part of a problem signature that depends on the device: two handles with the
// same key are interchangeable for algorithm selection.
func (h *Handle) Key() string {
	if h.deviceType == CUDA {
		return fmt.Sprintf("%s(sm_%d%d)", h.deviceType, h.cc.Major, h.cc.Minor)
	}
	return h.deviceType.String()
}

// String implements fmt.Stringer.
func (h *Handle) String() string {
	limit := "unlimited"
	if h.workspaceLimit != math.MaxUint64 {
		limit = humanize.IBytes(h.workspaceLimit)
	}
	return fmt.Sprintf("%s[%s, parallelism=%d, workspace=%s]", h.Key(), h.id.String()[:8], h.pool.MaxParallelism(), limit)
}

// Run executes task on the device.
//
// For CPU devices it runs inline and returns the task's error. For accelerators the task is
// enqueued on the stream and Run returns immediately: errors are reported by Synchronize.
func (h *Handle) Run(task func() error) error {
	if h.deviceType == CPU {
		return task()
	}
	h.stream.Enqueue(task)
	return nil
}

// Synchronize waits for all the work enqueued so far and returns the first error that happened
// since the last call to Synchronize.
func (h *Handle) Synchronize() error {
	return h.stream.Synchronize()
}

// Close synchronizes and releases the stream. The handle can't be used after that.
func (h *Handle) Close() error {
	err := h.stream.Synchronize()
	h.stream.Close()
	return err
}

// Constructor creates a Handle from the parsed options ("key=value" pairs of the configuration).
type Constructor func(options map[string]string) (*Handle, error)

var registeredConstructors = make(map[string]Constructor)

// Register a device constructor with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration to use if DNNALGO_DEVICE is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig = "cpu"

// DNNALGO_DEVICE is the environment variable with the default device configuration to use.
//
// The format of config is "<device>[:key=value,...]". See the package documentation.
const DNNALGO_DEVICE = "DNNALGO_DEVICE"

// New returns a new default Handle.
//
// The default is:
//
// 1. The environment DNNALGO_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used.
func New() (*Handle, error) {
	if config, found := os.LookupEnv(DNNALGO_DEVICE); found && config != "" {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a Handle from the configuration string, formatted as "<device>[:key=value,...]".
func NewWithConfig(config string) (*Handle, error) {
	name, optionsStr, _ := strings.Cut(config, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find device %q for configuration %q given", name, config)
	}
	options, err := parseOptions(optionsStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "device configuration %q", config)
	}
	h, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "device configuration %q", config)
	}
	klog.V(1).Infof("created device handle %s", h)
	return h, nil
}

func parseOptions(optionsStr string) (map[string]string, error) {
	options := make(map[string]string)
	if strings.TrimSpace(optionsStr) == "" {
		return options, nil
	}
	for _, part := range strings.Split(optionsStr, ",") {
		key, value, found := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !found || key == "" {
			return nil, errors.Errorf("invalid option %q, expected \"key=value\"", part)
		}
		options[key] = strings.TrimSpace(value)
	}
	return options, nil
}

// newHandle builds a Handle of the given type consuming the common options. Any option left in
// options after the specific ones are consumed is reported as an error.
func newHandle(deviceType Type, cc ComputeCapability, options map[string]string) (*Handle, error) {
	h := &Handle{
		id:             uuid.New(),
		deviceType:     deviceType,
		cc:             cc,
		workspaceLimit: math.MaxUint64,
	}
	parallelism := runtime.NumCPU()
	for key, value := range options {
		switch key {
		case "parallelism":
			p, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid parallelism=%q", value)
			}
			parallelism = p
		case "workspace":
			limit, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid workspace=%q", value)
			}
			h.workspaceLimit = limit
		default:
			return nil, errors.Errorf("unknown option %q for device %s", key, deviceType)
		}
	}
	h.pool = workerspool.NewWithParallelism(parallelism)
	h.stream = NewStream(h.id)
	return h, nil
}

// DefaultCUDAComputeCapability is used for "cuda" devices configured without "sm".
var DefaultCUDAComputeCapability = ComputeCapability{Major: 8, Minor: 0}

func init() {
	Register(CPU.String(), func(options map[string]string) (*Handle, error) {
		return newHandle(CPU, ComputeCapability{}, options)
	})
	Register(CUDA.String(), func(options map[string]string) (*Handle, error) {
		cc := DefaultCUDAComputeCapability
		if sm, found := options["sm"]; found {
			var err error
			cc, err = ParseComputeCapability(sm)
			if err != nil {
				return nil, err
			}
			delete(options, "sm")
		}
		return newHandle(CUDA, cc, options)
	})
	Register(ROCm.String(), func(options map[string]string) (*Handle, error) {
		return newHandle(ROCm, ComputeCapability{}, options)
	})
}
