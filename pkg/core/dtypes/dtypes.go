// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types a reduction buffer can hold.
//
// The numeric values of the enum follow the PJRT/XLA primitive type codes, the same values GoMLX uses,
// so a DType can be passed around between the two without translation.
//
// It also includes converters to/from float32, which is the type used internally for accumulation,
// and the Supported constraint to be used with generics.
package dtypes

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/quickreduce/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the data type of a buffer.
type DType int32

const (
	// InvalidDType is the zero value, used for unknown or unsupported types.
	InvalidDType DType = 0

	// Float16 is the IEEE 754 half-precision (binary16) float. It is the native type of the reduction.
	Float16 DType = 10

	// Float32 is the IEEE 754 single-precision float.
	Float32 DType = 11

	// BFloat16 is the truncated 16 bit floating-point format: 1 sign bit, 8 exponent bits and 7 mantissa bits.
	BFloat16 DType = 13
)

// Aliases using the XLA names.
const (
	F16  = Float16
	F32  = Float32
	BF16 = BFloat16
)

// MapOfNames maps names (and aliases) to DType values. Lower-case versions are added at initialization.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

func init() {
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// Supported lists the Go types that can be used as elements of a reduction buffer.
type Supported interface {
	float16.Float16 | bfloat16.BFloat16 | float32
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case float32:
		return Float32
	}
	return InvalidDType
}

// Parse returns the DType for the given name (case-insensitive), e.g.: "f16", "bfloat16" or "Float32".
func Parse(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found || dtype == InvalidDType {
		return InvalidDType, errors.Errorf("unknown dtype %q, valid values are Float16, BFloat16 and Float32", name)
	}
	return dtype, nil
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case BFloat16:
		return "BFloat16"
	default:
		return "InvalidDType"
	}
}

// IsValid returns whether dtype is one of the supported types.
func (dtype DType) IsValid() bool {
	return dtype == Float16 || dtype == Float32 || dtype == BFloat16
}

// Size returns the number of bytes for the given DType, or 0 for invalid dtypes.
func (dtype DType) Size() int {
	switch dtype {
	case Float16, BFloat16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// ToFloat32 converts src to float32 into dst. dst must be at least as long as src.
func ToFloat32[T Supported](dst []float32, src []T) {
	switch s := any(src).(type) {
	case []float16.Float16:
		for i, v := range s {
			dst[i] = v.Float32()
		}
	case []bfloat16.BFloat16:
		for i, v := range s {
			dst[i] = v.Float32()
		}
	case []float32:
		copy(dst, s)
	}
}

// FromFloat32 converts src to dst's type, rounding to nearest even. dst must be at least as long as src.
func FromFloat32[T Supported](dst []T, src []float32) {
	switch d := any(dst).(type) {
	case []float16.Float16:
		for i, v := range src {
			d[i] = float16.Fromfloat32(v)
		}
	case []bfloat16.BFloat16:
		for i, v := range src {
			d[i] = bfloat16.FromFloat32(v)
		}
	case []float32:
		copy(d, src)
	}
}
