// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"math"
)

// QuantBlockSize is the number of elements sharing one scale in the block quantized profiles.
const QuantBlockSize = 32

// blockQuant implements symmetric block quantization with `bits` bits per element.
//
// Each block is stored as a little-endian float32 scale = max(|x|)/qMax, followed by the packed values
// q+qMax, where q = round(x/scale) is clamped to [-qMax, qMax] and qMax = 2^(bits-1)-1.
//
// The scale only considers finite values: NaN encodes as 0 and ±Inf as ±qMax.
type blockQuant struct {
	profile    Profile
	bits       int
	qMax       int
	blockBytes int
}

func newBlockQuant(profile Profile, bits int) *blockQuant {
	return &blockQuant{
		profile:    profile,
		bits:       bits,
		qMax:       1<<(bits-1) - 1,
		blockBytes: 4 + QuantBlockSize*bits/8,
	}
}

func (c *blockQuant) Profile() Profile { return c.profile }
func (c *blockQuant) BlockSize() int   { return QuantBlockSize }

func (c *blockQuant) EncodedSize(n int) int {
	return (n + QuantBlockSize - 1) / QuantBlockSize * c.blockBytes
}

// Bound is half the quantization step, scale/2.
func (c *blockQuant) Bound(maxAbs float64) float64 {
	return maxAbs / float64(2*c.qMax)
}

func (c *blockQuant) Encode(dst []byte, src []float32) {
	checkSizes(c, len(src), len(dst))
	var block [QuantBlockSize]float32
	var packed [QuantBlockSize]uint8
	for start := 0; start < len(src); start += QuantBlockSize {
		n := copy(block[:], src[start:])
		clear(block[n:])
		var maxAbs float32
		for _, v := range block {
			if abs := math.Abs(float64(v)); !math.IsInf(abs, 0) && !math.IsNaN(abs) {
				maxAbs = max(maxAbs, float32(abs))
			}
		}
		scale := maxAbs / float32(c.qMax)
		for i, v := range block {
			packed[i] = uint8(c.quantize(v, scale) + c.qMax)
		}
		out := dst[start/QuantBlockSize*c.blockBytes:]
		binary.LittleEndian.PutUint32(out, math.Float32bits(scale))
		packBits(out[4:c.blockBytes], packed[:], c.bits)
	}
}

func (c *blockQuant) quantize(v, scale float32) int {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case math.IsInf(float64(v), 1):
		return c.qMax
	case math.IsInf(float64(v), -1):
		return -c.qMax
	case scale == 0:
		return 0
	}
	q := int(math.RoundToEven(float64(v / scale)))
	return min(max(q, -c.qMax), c.qMax)
}

func (c *blockQuant) Decode(dst []float32, src []byte) {
	clear(dst)
	c.DecodeAdd(dst, src)
}

func (c *blockQuant) DecodeAdd(dst []float32, src []byte) {
	checkSizes(c, len(dst), len(src))
	var packed [QuantBlockSize]uint8
	for start := 0; start < len(dst); start += QuantBlockSize {
		in := src[start/QuantBlockSize*c.blockBytes:]
		scale := math.Float32frombits(binary.LittleEndian.Uint32(in))
		unpackBits(packed[:], in[4:c.blockBytes], c.bits)
		out := dst[start:min(start+QuantBlockSize, len(dst))]
		for i := range out {
			out[i] += float32(int(packed[i])-c.qMax) * scale
		}
	}
}
