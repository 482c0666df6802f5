// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"github.com/gomlx/quickreduce/pkg/core/dtypes"
)

// Buffer is a flat array of elements reduced in place by AllReduce.
type Buffer interface {
	// Len returns the number of elements.
	Len() int

	// DType of the elements.
	DType() dtypes.DType

	// Load converts elements [offset, offset+len(dst)) to float32 into dst.
	Load(dst []float32, offset int)

	// Store converts src, rounding to nearest even, into elements [offset, offset+len(src)).
	Store(src []float32, offset int)
}

// Flat is a Buffer backed by a Go slice.
type Flat[T dtypes.Supported] []T

// Len implements Buffer.
func (f Flat[T]) Len() int { return len(f) }

// DType implements Buffer.
func (f Flat[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Load implements Buffer.
func (f Flat[T]) Load(dst []float32, offset int) {
	dtypes.ToFloat32(dst, []T(f[offset:offset+len(dst)]))
}

// Store implements Buffer.
func (f Flat[T]) Store(src []float32, offset int) {
	dtypes.FromFloat32([]T(f[offset:offset+len(src)]), src)
}
