// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/pkg/errors"
)

// Desc is the stable descriptor of an algorithm: the device type it targets, the algorithm type id within the
// operator and an opaque per-instance parameter blob. Desc is comparable and unique within a Pack.
//
// Its text form, "<device>:<type>:<base64 param>", round-trips through Pack.Lookup.
type Desc struct {
	Handle device.Type
	Type   uint32
	Param  string
}

// String implements fmt.Stringer.
func (d Desc) String() string {
	return fmt.Sprintf("%s:%d:%s", d.Handle, d.Type, base64.RawURLEncoding.EncodeToString([]byte(d.Param)))
}

// MarshalText implements encoding.TextMarshaler.
func (d Desc) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Desc) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), ":", 3)
	if len(parts) != 3 {
		return errors.Errorf("invalid algorithm descriptor %q, expected \"<device>:<type>:<param>\"", text)
	}
	handle, err := device.ParseType(parts[0])
	if err != nil {
		return errors.WithMessagef(err, "invalid algorithm descriptor %q", text)
	}
	typ, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid algorithm descriptor %q", text)
	}
	param, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return errors.Wrapf(err, "invalid algorithm descriptor %q", text)
	}
	*d = Desc{Handle: handle, Type: uint32(typ), Param: string(param)}
	return nil
}

// ParseDesc parses the text form of a Desc.
func ParseDesc(text string) (Desc, error) {
	var d Desc
	err := d.UnmarshalText([]byte(text))
	return d, err
}

// EncodeParam serializes values into a Desc.Param blob (little-endian uint32s).
func EncodeParam(values ...uint32) string {
	buf := make([]byte, 0, 4*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return string(buf)
}

// DecodeParam is the inverse of EncodeParam.
func DecodeParam(param string) ([]uint32, error) {
	if len(param)%4 != 0 {
		return nil, errors.Errorf("invalid algorithm parameter of %d bytes, expected a multiple of 4", len(param))
	}
	values := make([]uint32, len(param)/4)
	for ii := range values {
		values[ii] = binary.LittleEndian.Uint32([]byte(param[4*ii : 4*ii+4]))
	}
	return values, nil
}
