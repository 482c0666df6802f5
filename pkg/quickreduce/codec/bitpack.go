// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

// packBits packs the lower `bits` bits of each value into dst, LSB first.
// dst must hold exactly len(values)*bits/8 bytes: len(values)*bits must be a multiple of 8.
func packBits(dst []byte, values []uint8, bits int) {
	if bits == 8 {
		copy(dst, values)
		return
	}
	var acc uint32
	var accBits, pos int
	mask := uint32(1)<<bits - 1
	for _, v := range values {
		acc |= (uint32(v) & mask) << accBits
		accBits += bits
		for accBits >= 8 {
			dst[pos] = byte(acc)
			pos++
			acc >>= 8
			accBits -= 8
		}
	}
}

// unpackBits is the inverse of packBits: it fills values from src.
func unpackBits(values []uint8, src []byte, bits int) {
	if bits == 8 {
		copy(values, src)
		return
	}
	var acc uint32
	var accBits, pos int
	mask := uint32(1)<<bits - 1
	for i := range values {
		for accBits < bits {
			acc |= uint32(src[pos]) << accBits
			pos++
			accBits += 8
		}
		values[i] = uint8(acc & mask)
		acc >>= bits
		accBits -= bits
	}
}
