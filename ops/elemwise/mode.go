// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package elemwise

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Mode is the unary function applied to each element.
type Mode uint8

const (
	ModeRelu Mode = iota
	ModeAbs
	ModeAcos
	ModeAsin
	ModeCeil
	ModeCos
	ModeExp
	ModeExpm1
	ModeFloor
	ModeLog
	ModeLog1p
	ModeNegate
	ModeSigmoid
	ModeSin
	ModeTanh
	ModeFastTanh
	ModeRound
	ModeErf
	ModeErfinv
	ModeErfc
	ModeErfcinv
	ModeHSwish
	numModes
)

var modeNames = [numModes]string{
	"RELU", "ABS", "ACOS", "ASIN", "CEIL", "COS", "EXP", "EXPM1", "FLOOR", "LOG", "LOG1P", "NEGATE", "SIGMOID",
	"SIN", "TANH", "FAST_TANH", "ROUND", "ERF", "ERFINV", "ERFC", "ERFCINV", "H_SWISH",
}

// Modes returns all modes.
func Modes() []Mode {
	modes := make([]Mode, numModes)
	for ii := range modes {
		modes[ii] = Mode(ii)
	}
	return modes
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m >= numModes {
		return "INVALID_MODE"
	}
	return modeNames[m]
}

// ParseMode returns the mode with the given name, case-insensitive.
func ParseMode(name string) (Mode, error) {
	for ii, modeName := range modeNames {
		if strings.EqualFold(name, modeName) {
			return Mode(ii), nil
		}
	}
	return 0, errors.Errorf("unknown elementwise mode %q, valid modes are %s", name, strings.Join(modeNames[:], ", "))
}

// Valid returns whether m is one of the defined modes.
func (m Mode) Valid() bool { return m < numModes }

// Apply the mode's function to x, in float32.
func (m Mode) Apply(x float32) float32 {
	v := float64(x)
	switch m {
	case ModeRelu:
		return max(x, 0)
	case ModeAbs:
		return float32(math.Abs(v))
	case ModeAcos:
		return float32(math.Acos(v))
	case ModeAsin:
		return float32(math.Asin(v))
	case ModeCeil:
		return float32(math.Ceil(v))
	case ModeCos:
		return float32(math.Cos(v))
	case ModeExp:
		return float32(math.Exp(v))
	case ModeExpm1:
		return float32(math.Expm1(v))
	case ModeFloor:
		return float32(math.Floor(v))
	case ModeLog:
		return float32(math.Log(v))
	case ModeLog1p:
		return float32(math.Log1p(v))
	case ModeNegate:
		return -x
	case ModeSigmoid:
		return float32(1 / (1 + math.Exp(-v)))
	case ModeSin:
		return float32(math.Sin(v))
	case ModeTanh:
		return float32(math.Tanh(v))
	case ModeFastTanh:
		x2 := x * x
		return x * (27 + x2) / (27 + 9*x2)
	case ModeRound:
		return float32(math.Round(v))
	case ModeErf:
		return float32(math.Erf(v))
	case ModeErfinv:
		return float32(math.Erfinv(v))
	case ModeErfc:
		return float32(math.Erfc(v))
	case ModeErfcinv:
		return float32(math.Erfcinv(v))
	case ModeHSwish:
		return x * min(max(x+3, 0), 6) / 6
	}
	return float32(math.NaN())
}
