// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codec implements the wire representations of the reduction profiles.
//
// A Codec converts float32 values to the compact representation of its Profile and back. Block
// quantized profiles group elements in blocks of BlockSize() elements: a trailing partial block is
// padded with zeros.
//
// Encoding is a pure function of its input: every byte of the destination is written, so the same
// values always produce the same bytes. This keeps reductions reproducible across ranks.
package codec

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrUnsupportedProfile is returned for profile codes without a codec.
var ErrUnsupportedProfile = errors.New("unsupported reduction profile")

// Codec encodes and decodes values for one Profile.
//
// The destination slices must be large enough (see EncodedSize): codecs panic otherwise.
type Codec interface {
	// Profile implemented by the codec.
	Profile() Profile

	// BlockSize is the number of elements sharing metadata. 1 for element-wise formats.
	BlockSize() int

	// EncodedSize returns the number of bytes used to encode n elements.
	EncodedSize(n int) int

	// Encode src into dst[:EncodedSize(len(src))].
	Encode(dst []byte, src []float32)

	// Decode len(dst) elements from src.
	Decode(dst []float32, src []byte)

	// DecodeAdd decodes len(dst) elements from src and adds them to dst.
	DecodeAdd(dst []float32, src []byte)

	// Bound returns the maximum absolute error of decode(encode(x)) for elements of a block whose
	// maximum absolute value is maxAbs, for values representable in Float16.
	// Non-finite values are outside any bound: block quantized profiles decode NaN as 0 and ±Inf as
	// the block's ±maxAbs, leaving the finite values of the block unaffected.
	Bound(maxAbs float64) float64
}

var codecs = map[Profile]Codec{
	FP16: fp16Codec{},
	FP8:  fp8Codec{},
	Q8:   newBlockQuant(Q8, 8),
	Q6:   newBlockQuant(Q6, 6),
	Q4:   newBlockQuant(Q4, 4),
}

// ForProfile returns the Codec for the profile, or ErrUnsupportedProfile.
func ForProfile(p Profile) (Codec, error) {
	c, found := codecs[p]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedProfile, "no codec for %s", p)
	}
	return c, nil
}

// MaxEncodedSize returns the largest encoded size of n elements among all profiles.
func MaxEncodedSize(n int) int {
	var size int
	for _, c := range codecs {
		size = max(size, c.EncodedSize(n))
	}
	return size
}

func checkSizes(c Codec, numElements, numBytes int) {
	if need := c.EncodedSize(numElements); numBytes < need {
		exceptions.Panicf("codec %s: %d elements need %d bytes, got %d", c.Profile(), numElements, need, numBytes)
	}
}
