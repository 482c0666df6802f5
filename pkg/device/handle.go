// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// HandleSize is the size in bytes of a serialized Handle.
const HandleSize = 64

// HandleVersion is the current version of the serialized Handle format.
const HandleVersion = 1

var handleMagic = [4]byte{'Q', 'R', 'H', '1'}

// Handle identifies a device allocation so that other devices of the same host can map it.
//
// Serialized (little endian) as:
//
//	[0:4]   magic "QRH1"
//	[4:6]   version
//	[6:8]   architecture code
//	[8:12]  device id
//	[12:16] tag
//	[16:24] size in bytes
//	[24:40] allocation name
//	[40:48] host id
//	[48:56] reserved
//	[56:64] murmur3 checksum of [0:56]
type Handle struct {
	Arch   uint16
	Device int
	Size   uint64
	Name   uuid.UUID
	HostID uint64

	// Tag is set by the owner of the allocation, for importers to check the memory is used the same way.
	Tag uint32
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("Handle(device=%d, arch=%d, size=%d, name=%s, host=%016x, tag=%d)",
		h.Device, h.Arch, h.Size, h.Name, h.HostID, h.Tag)
}

// Bytes serializes the handle. It always returns HandleSize bytes.
func (h Handle) Bytes() []byte {
	b := make([]byte, HandleSize)
	copy(b[0:4], handleMagic[:])
	binary.LittleEndian.PutUint16(b[4:6], HandleVersion)
	binary.LittleEndian.PutUint16(b[6:8], h.Arch)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Device))
	binary.LittleEndian.PutUint32(b[12:16], h.Tag)
	binary.LittleEndian.PutUint64(b[16:24], h.Size)
	copy(b[24:40], h.Name[:])
	binary.LittleEndian.PutUint64(b[40:48], h.HostID)
	binary.LittleEndian.PutUint64(b[56:64], murmur3.Sum64(b[:56]))
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Handle) MarshalBinary() ([]byte, error) {
	return h.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Handle) UnmarshalBinary(data []byte) error {
	parsed, err := ParseHandle(data)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle deserializes a handle, validating its format.
// It fails with ErrHandleMalformed, and never panics, whatever the contents of data.
func ParseHandle(data []byte) (Handle, error) {
	if len(data) != HandleSize {
		return Handle{}, errors.Wrapf(ErrHandleMalformed, "handle has %d bytes, expected %d", len(data), HandleSize)
	}
	if !bytes.Equal(data[0:4], handleMagic[:]) {
		return Handle{}, errors.Wrapf(ErrHandleMalformed, "bad handle magic %q", data[0:4])
	}
	if version := binary.LittleEndian.Uint16(data[4:6]); version != HandleVersion {
		return Handle{}, errors.Wrapf(ErrHandleMalformed, "handle version %d not supported, expected %d", version, HandleVersion)
	}
	if sum, want := murmur3.Sum64(data[:56]), binary.LittleEndian.Uint64(data[56:64]); sum != want {
		return Handle{}, errors.Wrapf(ErrHandleMalformed, "handle checksum mismatch")
	}
	h := Handle{
		Arch:   binary.LittleEndian.Uint16(data[6:8]),
		Device: int(binary.LittleEndian.Uint32(data[8:12])),
		Tag:    binary.LittleEndian.Uint32(data[12:16]),
		Size:   binary.LittleEndian.Uint64(data[16:24]),
		HostID: binary.LittleEndian.Uint64(data[40:48]),
	}
	copy(h.Name[:], data[24:40])
	return h, nil
}
