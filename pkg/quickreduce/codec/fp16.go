// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// fp16Codec stores values as little-endian IEEE 754 binary16, rounding to nearest even.
type fp16Codec struct{}

func (fp16Codec) Profile() Profile      { return FP16 }
func (fp16Codec) BlockSize() int        { return 1 }
func (fp16Codec) EncodedSize(n int) int { return 2 * n }

// Bound is 0: float16 values are reproduced exactly.
func (fp16Codec) Bound(float64) float64 { return 0 }

func (c fp16Codec) Encode(dst []byte, src []float32) {
	checkSizes(c, len(src), len(dst))
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
	}
}

func (c fp16Codec) Decode(dst []float32, src []byte) {
	checkSizes(c, len(dst), len(src))
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
	}
}

func (c fp16Codec) DecodeAdd(dst []float32, src []byte) {
	checkSizes(c, len(dst), len(src))
	for i := range dst {
		dst[i] += float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
	}
}
