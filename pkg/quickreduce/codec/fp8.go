// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"math"
)

// E4M3 format: 1 sign bit, 4 exponent bits (bias 7) and 3 mantissa bits. There are no infinities,
// the only NaN encodings are 0x7F and 0xFF, and the largest finite value is 448.
const (
	fp8Bias      = 7
	fp8MaxCode   = 0x7E
	fp8NaNCode   = 0x7F
	fp8MaxFinite = 448.0
	fp8MinNormal = 1.0 / 64  // 2^-6
	fp8SubStep   = 1.0 / 512 // 2^-9
)

var fp8Table = func() (table [256]float32) {
	for code := range table {
		table[code] = fp8ToFloat32(uint8(code))
	}
	return
}()

func fp8ToFloat32(code uint8) float32 {
	exponent := int(code>>3) & 0xF
	mantissa := int(code & 0x7)
	var v float64
	switch {
	case exponent == 0xF && mantissa == 0x7:
		return float32(math.NaN())
	case exponent == 0:
		v = float64(mantissa) * fp8SubStep
	default:
		v = (1 + float64(mantissa)/8) * math.Ldexp(1, exponent-fp8Bias)
	}
	if code&0x80 != 0 {
		v = -v
	}
	return float32(v)
}

// float32ToFP8 rounds to nearest even, saturating to ±448.
func float32ToFP8(x float32) uint8 {
	var sign uint8
	if math.Signbit(float64(x)) {
		sign = 0x80
	}
	a := math.Abs(float64(x))
	switch {
	case math.IsNaN(a):
		return sign | fp8NaNCode
	case a >= fp8MaxFinite:
		return sign | fp8MaxCode
	case a < fp8MinNormal:
		// Subnormal: rounding up to 8 steps lands exactly on the smallest normal (code 0x08).
		return sign | uint8(math.RoundToEven(a/fp8SubStep))
	}
	frac, exp := math.Frexp(a) // a = frac * 2^exp, frac in [0.5, 1)
	exponent := exp - 1
	mantissa := int(math.RoundToEven((frac*2 - 1) * 8))
	if mantissa == 8 {
		mantissa = 0
		exponent++
	}
	code := uint8((exponent+fp8Bias)<<3 | mantissa)
	if code > fp8MaxCode {
		code = fp8MaxCode
	}
	return sign | code
}

// fp8Codec stores one E4M3 byte per element.
type fp8Codec struct{}

func (fp8Codec) Profile() Profile      { return FP8 }
func (fp8Codec) BlockSize() int        { return 1 }
func (fp8Codec) EncodedSize(n int) int { return n }

// Bound is half an ulp of a 3-bit mantissa, relative to the value, plus half the subnormal step.
// Values above 448 saturate and are not covered.
func (fp8Codec) Bound(maxAbs float64) float64 {
	return maxAbs/16 + fp8SubStep/2
}

func (c fp8Codec) Encode(dst []byte, src []float32) {
	checkSizes(c, len(src), len(dst))
	for i, v := range src {
		dst[i] = float32ToFP8(v)
	}
}

func (c fp8Codec) Decode(dst []float32, src []byte) {
	checkSizes(c, len(dst), len(src))
	for i := range dst {
		dst[i] = fp8Table[src[i]]
	}
}

func (c fp8Codec) DecodeAdd(dst []float32, src []byte) {
	checkSizes(c, len(dst), len(src))
	for i := range dst {
		dst[i] += fp8Table[src[i]]
	}
}
