// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import "github.com/pkg/errors"

var (
	// ErrInvalidDevice is returned for device ids out of range or architectures not compiled in.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrAllocation is returned when a device allocation could not be created.
	ErrAllocation = errors.New("device allocation failed")

	// ErrHandleMalformed is returned when a handle blob has the wrong size, magic, version or checksum.
	ErrHandleMalformed = errors.New("malformed handle")

	// ErrHandleOpen is returned when a well-formed handle cannot be imported by this device.
	ErrHandleOpen = errors.New("cannot open handle")
)
