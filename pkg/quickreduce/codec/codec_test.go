// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// randomHalves returns n random values in [-scale, scale] that are exactly representable in float16.
func randomHalves(rng *rand.Rand, n int, scale float32) []float32 {
	values := make([]float32, n)
	for i := range values {
		v := (rng.Float32()*2 - 1) * scale
		values[i] = float16.Fromfloat32(v).Float32()
	}
	return values
}

// elementBound returns the error bound of element i: element-wise codecs depend on the element value,
// block codecs on the maximum of its block.
func elementBound(c Codec, values []float32, i int) float64 {
	if c.BlockSize() == 1 {
		return c.Bound(math.Abs(float64(values[i])))
	}
	start := i / c.BlockSize() * c.BlockSize()
	var maxAbs float64
	for _, v := range values[start:min(start+c.BlockSize(), len(values))] {
		maxAbs = max(maxAbs, math.Abs(float64(v)))
	}
	// Slack for the float32 rounding of the scale and the product q*scale.
	return c.Bound(maxAbs) + maxAbs*1e-6
}

func TestParseProfile(t *testing.T) {
	for _, p := range Profiles {
		parsed, err := ParseProfile(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	p, err := ParseProfile("q4")
	require.NoError(t, err)
	assert.Equal(t, Q4, p)
	p, err = ParseProfile("2")
	require.NoError(t, err)
	assert.Equal(t, FP8, p)

	for _, bad := range []string{"0", "6", "q2", ""} {
		_, err = ParseProfile(bad)
		require.ErrorIs(t, err, ErrUnsupportedProfile, "ParseProfile(%q)", bad)
	}
	assert.Equal(t, "Profile(9)", Profile(9).String())
}

func TestForProfile(t *testing.T) {
	for _, p := range Profiles {
		c, err := ForProfile(p)
		require.NoError(t, err)
		assert.Equal(t, p, c.Profile())
	}
	_, err := ForProfile(0)
	require.ErrorIs(t, err, ErrUnsupportedProfile)
	_, err = ForProfile(6)
	require.ErrorIs(t, err, ErrUnsupportedProfile)
}

func TestEncodedSize(t *testing.T) {
	testCases := []struct {
		profile Profile
		n, want int
	}{
		{FP16, 100, 200},
		{FP8, 100, 100},
		{Q8, 32, 36},
		{Q8, 33, 72},
		{Q6, 64, 56},
		{Q4, 1, 20},
		{Q4, 0, 0},
	}
	for _, tc := range testCases {
		c, err := ForProfile(tc.profile)
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.EncodedSize(tc.n), "%s.EncodedSize(%d)", tc.profile, tc.n)
	}
	assert.Equal(t, 200, MaxEncodedSize(100))
}

func TestRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	for _, p := range Profiles {
		t.Run(p.String(), func(t *testing.T) {
			c, err := ForProfile(p)
			require.NoError(t, err)
			for _, n := range []int{1, 31, 32, 33, 100, 1000} {
				values := randomHalves(rng, n, 100)
				encoded := make([]byte, c.EncodedSize(n))
				c.Encode(encoded, values)
				decoded := make([]float32, n)
				c.Decode(decoded, encoded)
				for i := range values {
					diff := math.Abs(float64(decoded[i] - values[i]))
					require.LessOrEqualf(t, diff, elementBound(c, values, i),
						"n=%d, element %d: %g decoded as %g", n, i, values[i], decoded[i])
				}
			}
		})
	}
}

func TestFP16Exact(t *testing.T) {
	c, _ := ForProfile(FP16)
	values := []float32{0, 1, -1, 65504, -65504, 6.1035156e-05, 5.9604645e-08, 0.333251953125}
	encoded := make([]byte, c.EncodedSize(len(values)))
	c.Encode(encoded, values)
	decoded := make([]float32, len(values))
	c.Decode(decoded, encoded)
	if diff := cmp.Diff(values, decoded); diff != "" {
		t.Fatalf("FP16 round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundsOrder(t *testing.T) {
	fp16, _ := ForProfile(FP16)
	q8, _ := ForProfile(Q8)
	q6, _ := ForProfile(Q6)
	q4, _ := ForProfile(Q4)
	for _, maxAbs := range []float64{1e-3, 1, 30, 65504} {
		assert.Equal(t, 0.0, fp16.Bound(maxAbs))
		assert.Less(t, q8.Bound(maxAbs), q6.Bound(maxAbs))
		assert.Less(t, q6.Bound(maxAbs), q4.Bound(maxAbs))
	}
	assert.InDelta(t, 30.0/14, q4.Bound(30), 1e-12)
}

func TestFP8(t *testing.T) {
	testCases := []struct {
		in   float32
		code uint8
		out  float32
	}{
		{0, 0x00, 0},
		{1, 0x38, 1},
		{-2, 0xC0, -2},
		{448, 0x7E, 448},
		{1000, 0x7E, 448},
		{-1e9, 0xFE, -448},
		// Ties round to the even mantissa.
		{1.0625, 0x38, 1},
		{1.1875, 0x3A, 1.25},
		// Smallest subnormal and smallest normal.
		{1.0 / 512, 0x01, 1.0 / 512},
		{1.0 / 64, 0x08, 1.0 / 64},
		// Subnormal rounding into the normal range.
		{0.0155, 0x08, 1.0 / 64},
		{240, 0x77, 240},
	}
	for _, tc := range testCases {
		code := float32ToFP8(tc.in)
		assert.Equalf(t, tc.code, code, "float32ToFP8(%g)", tc.in)
		assert.Equalf(t, tc.out, fp8Table[code], "decode(float32ToFP8(%g))", tc.in)
	}
	assert.Equal(t, uint8(0x7F), float32ToFP8(float32(math.NaN())))
	assert.True(t, math.IsNaN(float64(fp8Table[0xFF])))
	assert.True(t, math.Signbit(float64(fp8Table[0x80])))

	// Every finite code decodes and re-encodes to itself.
	for code := range 256 {
		if code&0x7F == 0x7F || code == 0x80 {
			continue
		}
		assert.Equal(t, uint8(code), float32ToFP8(fp8Table[code]), "code 0x%02x", code)
	}
}

func TestBlockQuant(t *testing.T) {
	q4, _ := ForProfile(Q4)

	// All-zero block: scale 0, decodes to zeros.
	zeros := make([]float32, 40)
	encoded := make([]byte, q4.EncodedSize(len(zeros)))
	q4.Encode(encoded, zeros)
	decoded := make([]float32, len(zeros))
	for i := range decoded {
		decoded[i] = 123
	}
	q4.Decode(decoded, encoded)
	assert.Equal(t, zeros, decoded)

	// Constant blocks are exact: value = qMax*scale.
	values := []float32{10, 10, 10, -10}
	encoded = make([]byte, q4.EncodedSize(len(values)))
	q4.Encode(encoded, values)
	decoded = make([]float32, len(values))
	q4.Decode(decoded, encoded)
	assert.InDeltaSlice(t, values, decoded, 1e-5)

	// DecodeAdd accumulates.
	q4.DecodeAdd(decoded, encoded)
	assert.InDeltaSlice(t, []float32{20, 20, 20, -20}, decoded, 1e-5)

	// Non-finite values don't spoil the scale of the block.
	inf := float32(math.Inf(1))
	values = []float32{7, float32(math.NaN()), inf, -inf, -7, 0}
	for _, p := range []Profile{Q8, Q6, Q4} {
		c, _ := ForProfile(p)
		encoded = make([]byte, c.EncodedSize(len(values)))
		c.Encode(encoded, values)
		decoded = make([]float32, len(values))
		c.Decode(decoded, encoded)
		assert.InDeltaSlice(t, []float32{7, 0, 7, -7, -7, 0}, decoded, 1e-5, "profile %s", p)
	}
}

func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	values := randomHalves(rng, 77, 10)
	for _, p := range Profiles {
		c, _ := ForProfile(p)
		first := make([]byte, c.EncodedSize(len(values)))
		c.Encode(first, values)
		second := make([]byte, len(first))
		for i := range second {
			second[i] = 0xAB
		}
		c.Encode(second, values)
		assert.Equal(t, first, second, "profile %s", p)
	}
}

func TestSizeMismatchPanics(t *testing.T) {
	for _, p := range Profiles {
		c, _ := ForProfile(p)
		assert.Panics(t, func() { c.Encode(make([]byte, c.EncodedSize(10)-1), make([]float32, 10)) }, "%s", p)
		assert.Panics(t, func() { c.Decode(make([]float32, 10), make([]byte, 1)) }, "%s", p)
	}
}

func TestBitPacking(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, bits := range []int{4, 6, 8} {
		values := make([]uint8, QuantBlockSize)
		for i := range values {
			values[i] = uint8(rng.IntN(1 << bits))
		}
		packed := make([]byte, QuantBlockSize*bits/8)
		packBits(packed, values, bits)
		unpacked := make([]uint8, QuantBlockSize)
		unpackBits(unpacked, packed, bits)
		assert.Equal(t, values, unpacked, "bits=%d", bits)
	}
	// LSB first.
	packed := make([]byte, 1)
	packBits(packed, []uint8{0x3, 0xA}, 4)
	assert.Equal(t, byte(0xA3), packed[0])
}
